package ratelimit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aliadelelroby/guardrail/internal/clock"
	"github.com/aliadelelroby/guardrail/storage"
)

// SlidingWindowConfig configures one sliding-window rule (§4.2).
//
// Clock is only consulted by the CAS fallback (the atomic-primitive path
// reads time through the storage backend's own clock, e.g. storage.Memory's
// now field); a nil Clock defaults to the real system clock.
type SlidingWindowConfig struct {
	Interval time.Duration
	Max      int64
	By       []string
	Mode     Mode
	Prefix   string
	Clock    clock.Clock
}

// slidingWindowState mirrors storage.Memory's bucket layout so the CAS
// fallback can parse and rewrite it byte-for-byte identically to how an
// atomic backend would (§4.2 generic path).
type slidingWindowState struct {
	Buckets map[int64]int64 `json:"buckets"`
}

// EvaluateSlidingWindow admits up to cfg.Max events per rolling
// cfg.Interval, keyed by the fingerprint of cfg.By (§4.2). It uses
// store's atomic SlidingWindow primitive when available, otherwise an
// optimistic-CAS loop over the plain Storage interface.
func EvaluateSlidingWindow(ctx context.Context, store storage.Storage, characteristics map[string]interface{}, cfg SlidingWindowConfig) (Result, error) {
	fp, err := fingerprintFor(cfg.By, characteristics)
	if err != nil {
		return Result{}, err
	}
	key := storage.BuildKey(cfg.Prefix, storage.KindSlidingWindow, cfg.Interval.String(), "", fp)

	var res Result
	if primitive, ok := store.(storage.SlidingWindowPrimitive); ok {
		ar, err := primitive.SlidingWindow(ctx, key, cfg.Max, cfg.Interval)
		if err != nil {
			return Result{}, err
		}
		res = Result{Allowed: ar.Allowed, Remaining: ar.Remaining, ResetAt: ar.ResetAt, Limit: cfg.Max}
	} else {
		res, err = slidingWindowCAS(ctx, store, key, cfg)
		if err != nil {
			return Result{}, err
		}
	}

	return applyMode(res, cfg.Mode), nil
}

// slidingWindowCAS implements §4.2's generic bucketed CAS loop: read,
// garbage-collect expired buckets, check the limit, and write back only
// if the stored blob hasn't changed since the read. On retry exhaustion
// it returns the last-read-based computation without writing, rather
// than deadlocking the caller (§4.2 step 5).
func slidingWindowCAS(ctx context.Context, store storage.Storage, key string, cfg SlidingWindowConfig) (Result, error) {
	var last Result
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		raw, ok, err := store.Get(ctx, key)
		if err != nil {
			return Result{}, err
		}

		var st slidingWindowState
		if ok {
			if len(raw) > storage.MaxJSONBytes {
				raw = ""
				ok = false
			} else if err := json.Unmarshal([]byte(raw), &st); err != nil {
				st = slidingWindowState{}
			}
		}
		if st.Buckets == nil {
			st.Buckets = make(map[int64]int64)
		}

		now := effectiveClock(cfg.Clock).Now()
		cutoff := now.Add(-cfg.Interval).Unix()
		var count int64
		oldest := int64(0)
		for ts, c := range st.Buckets {
			if ts < cutoff {
				delete(st.Buckets, ts)
				continue
			}
			count += c
			if oldest == 0 || ts < oldest {
				oldest = ts
			}
		}

		if count >= cfg.Max {
			resetAt := now.Add(cfg.Interval)
			if oldest != 0 {
				resetAt = time.Unix(oldest, 0).Add(cfg.Interval)
			}
			return Result{Allowed: false, Remaining: 0, ResetAt: resetAt, Limit: cfg.Max}, nil
		}

		nowBucket := now.Unix()
		st.Buckets[nowBucket]++
		count++
		if oldest == 0 {
			oldest = nowBucket
		}
		resetAt := time.Unix(oldest, 0).Add(cfg.Interval)
		last = Result{Allowed: true, Remaining: cfg.Max - count, ResetAt: resetAt, Limit: cfg.Max}

		buf, err := json.Marshal(st)
		if err != nil {
			return Result{}, err
		}

		// Optimistic check: only write if nothing else wrote since our
		// read. Storage exposes no native CAS primitive, so we re-read
		// immediately before writing and compare; a real race still
		// exists in the narrow window between the compare and the Set,
		// which is exactly the residual §4.2 "loser retries" tolerates.
		current, stillOK, err := store.Get(ctx, key)
		if err != nil {
			return Result{}, err
		}
		if stillOK != ok || current != raw {
			continue // lost the race, retry
		}

		if err := store.Set(ctx, key, string(buf), 2*cfg.Interval); err != nil {
			return Result{}, err
		}
		return last, nil
	}

	// Retry exhaustion: surface the last computed result without writing.
	return last, nil
}
