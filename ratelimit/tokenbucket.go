package ratelimit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aliadelelroby/guardrail/internal/clock"
	"github.com/aliadelelroby/guardrail/storage"
)

// TokenBucketConfig configures one token-bucket rule (§4.3).
//
// DynDiscriminator is only set when Capacity is itself driven by a
// resolver path rather than a static value; it is folded into the
// storage key so two dynamic-limit instances never collide on the same
// bucket (§4.3's key template).
//
// Clock is only consulted by the CAS fallback (the atomic-primitive path
// reads time through the storage backend's own clock); a nil Clock
// defaults to the real system clock.
type TokenBucketConfig struct {
	Interval         time.Duration
	Capacity         int64
	RefillRate       int64
	Requested        int64
	By               []string
	Mode             Mode
	Prefix           string
	DynDiscriminator string
	Clock            clock.Clock
}

// tokenBucketState mirrors storage.Memory's persisted shape so the CAS
// fallback round-trips identically to an atomic backend.
type tokenBucketState struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"last_refill_ms"`
}

// EvaluateTokenBucket admits up to cfg.Requested tokens (a value <= 0 is
// treated as 1) against a bucket that refills
// cfg.RefillRate tokens per cfg.Interval up to cfg.Capacity, using the
// discrete phase-preserving refill model from §4.3.
func EvaluateTokenBucket(ctx context.Context, store storage.Storage, characteristics map[string]interface{}, cfg TokenBucketConfig) (Result, error) {
	requested := cfg.Requested
	if requested <= 0 {
		requested = 1
	}

	fp, err := fingerprintFor(cfg.By, characteristics)
	if err != nil {
		return Result{}, err
	}
	key := storage.BuildKey(cfg.Prefix, storage.KindTokenBucket, cfg.Interval.String(), cfg.DynDiscriminator, fp)

	var res Result
	if primitive, ok := store.(storage.TokenBucketPrimitive); ok {
		ar, err := primitive.TokenBucket(ctx, key, cfg.Capacity, cfg.RefillRate, cfg.Interval, requested)
		if err != nil {
			return Result{}, err
		}
		res = Result{Allowed: ar.Allowed, Remaining: ar.Remaining, ResetAt: ar.ResetAt, Limit: cfg.Capacity}
	} else {
		res, err = tokenBucketCAS(ctx, store, key, requested, cfg)
		if err != nil {
			return Result{}, err
		}
	}

	return applyMode(res, cfg.Mode), nil
}

// tokenBucketCAS implements §4.3's refill-then-admit algorithm as an
// optimistic-CAS loop over the plain Storage interface, bounded to
// maxCASRetries attempts like the sliding-window fallback.
func tokenBucketCAS(ctx context.Context, store storage.Storage, key string, requested int64, cfg TokenBucketConfig) (Result, error) {
	var last Result
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		raw, ok, err := store.Get(ctx, key)
		if err != nil {
			return Result{}, err
		}

		now := effectiveClock(cfg.Clock).Now()
		var st tokenBucketState
		if ok && len(raw) <= storage.MaxJSONBytes {
			if err := json.Unmarshal([]byte(raw), &st); err != nil {
				st = tokenBucketState{Tokens: float64(cfg.Capacity), LastRefill: now.UnixMilli()}
			}
		} else {
			st = tokenBucketState{Tokens: float64(cfg.Capacity), LastRefill: now.UnixMilli()}
		}

		elapsed := now.UnixMilli() - st.LastRefill
		intervalMS := cfg.Interval.Milliseconds()
		if intervalMS > 0 && elapsed > 0 {
			k := elapsed / intervalMS
			if k > 0 {
				st.Tokens += float64(k * cfg.RefillRate)
				if st.Tokens > float64(cfg.Capacity) {
					st.Tokens = float64(cfg.Capacity)
				}
				st.LastRefill += k * intervalMS
			}
		}

		allowed := st.Tokens >= float64(requested)
		if allowed {
			st.Tokens -= float64(requested)
		}

		remaining := int64(st.Tokens)
		if remaining < 0 {
			remaining = 0
		}

		resetAt := tokenBucketResetAt(st, cfg, now)
		last = Result{Allowed: allowed, Remaining: remaining, ResetAt: resetAt, Limit: cfg.Capacity}

		buf, err := json.Marshal(st)
		if err != nil {
			return Result{}, err
		}

		current, stillOK, err := store.Get(ctx, key)
		if err != nil {
			return Result{}, err
		}
		if stillOK != ok || current != raw {
			continue
		}

		if err := store.Set(ctx, key, string(buf), 10*cfg.Interval); err != nil {
			return Result{}, err
		}
		return last, nil
	}

	return last, nil
}

func tokenBucketResetAt(st tokenBucketState, cfg TokenBucketConfig, now time.Time) time.Time {
	if cfg.RefillRate <= 0 {
		return now.Add(cfg.Interval)
	}
	needed := float64(cfg.Capacity) - st.Tokens
	steps := int64(0)
	if needed > 0 {
		steps = int64((needed + float64(cfg.RefillRate) - 1) / float64(cfg.RefillRate))
	}
	return time.UnixMilli(st.LastRefill).Add(time.Duration(steps) * cfg.Interval)
}
