// Package ratelimit implements the Rate-Limit Rules component (C6):
// sliding-window and token-bucket admission, each using the storage
// package's atomic primitive when the configured backend exposes one and
// otherwise falling back to an optimistic-CAS loop against the plain
// Storage interface (§4.1, §4.2, §4.3).
package ratelimit

import (
	"time"

	"github.com/aliadelelroby/guardrail/fingerprint"
	"github.com/aliadelelroby/guardrail/internal/clock"
)

// Mode selects whether a rule enforces its verdict or only observes it
// (§3 "Mode").
type Mode string

const (
	Live   Mode = "LIVE"
	DryRun Mode = "DRY_RUN"
)

// Result is a rule's evaluation outcome, independent of how it was
// computed (atomic primitive or CAS fallback).
type Result struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
	Limit     int64
}

// applyMode rewrites Allowed to true when mode is DRY_RUN, leaving every
// other field untouched so it still reflects what the LIVE rule would
// have produced (§4.2, §4.3 "DRY_RUN").
func applyMode(r Result, mode Mode) Result {
	if mode == DryRun {
		r.Allowed = true
	}
	return r
}

// maxCASRetries bounds the optimistic-CAS fallback loop (§4.2 step 4).
const maxCASRetries = 5

// effectiveClock returns c, or a real clock when the caller left the
// Config's Clock field unset. The CAS fallback reads time through this
// seam rather than calling time.Now() directly, so a test (or an adapter
// wiring a mock clock end-to-end) can make the fallback path deterministic
// too, matching the atomic-primitive path's own injectable now (storage.Memory).
func effectiveClock(c clock.Clock) clock.Clock {
	if c == nil {
		return clock.New()
	}
	return c
}

// fingerprintFor derives the storage-key fingerprint for a rule's "by"
// list, defaulting to ["ip.src"] per §3 when by is empty.
func fingerprintFor(by []string, characteristics map[string]interface{}) (string, error) {
	return fingerprint.Derive(by, characteristics)
}
