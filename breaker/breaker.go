// Package breaker implements the circuit-breaker state machine from
// §4.12: CLOSED/OPEN/HALF_OPEN with a sliding failure window, a success
// threshold to close again, and an optional per-call deadline.
//
// The call-wrapping shape (Execute(func() error) error) is patterned
// after github.com/eapache/go-resiliency's breaker package (used by the
// storj-storj and DimaJoyti-go-coffee example repos); the state machine
// itself is hand-rolled because that library's consecutive-failure model
// does not expose the sliding-window-plus-half-open-success-counter
// semantics §4.12 specifies — see DESIGN.md.
package breaker

import (
	"context"
	"sync"
	"time"
)

// State is one of the three circuit-breaker states (§4.12).
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Metric exposes the circuit state as the 0/0.5/1 gauge value §6's
// metrics export wants for `circuit_breaker_state{name}`.
func (s State) Metric() float64 {
	switch s {
	case Closed:
		return 0
	case HalfOpen:
		return 0.5
	case Open:
		return 1
	default:
		return 1
	}
}

// Config configures a Breaker (§4.12).
type Config struct {
	// FailureThreshold is the number of failures within TimeoutWindow
	// that trips CLOSED -> OPEN.
	FailureThreshold int

	// TimeoutWindow is the sliding window failures are counted within.
	TimeoutWindow time.Duration

	// ResetTimeout is how long the breaker stays OPEN before allowing a
	// single HALF_OPEN probe call.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of consecutive successful probe
	// calls required to close the breaker again from HALF_OPEN.
	SuccessThreshold int

	// CallTimeout, if positive, wraps every Execute call in a deadline;
	// exceeding it counts as a failure (optional, §4.12).
	CallTimeout time.Duration

	Now func() time.Time
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.TimeoutWindow <= 0 {
		cfg.TimeoutWindow = time.Minute
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// Breaker is a single circuit breaker guarding one remote dependency. All
// state mutation happens under a single mutex (§5: "all updates
// single-operation (no broader lock needed)").
type Breaker struct {
	mu sync.Mutex
	cfg Config

	state             State
	failureTimestamps []time.Time
	halfOpenSuccesses int
	lastFailureAt     time.Time
	openedAt          time.Time
	halfOpenProbeInFlight bool
}

// New creates a Breaker in the CLOSED state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: Closed}
}

// State returns the breaker's current state, advancing OPEN -> HALF_OPEN
// if ResetTimeout has elapsed since the last failure.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpenLocked()
	return b.state
}

func (b *Breaker) maybeTransitionToHalfOpenLocked() {
	if b.state != Open {
		return
	}
	if b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.state = HalfOpen
		b.halfOpenSuccesses = 0
		b.halfOpenProbeInFlight = false
	}
}

// Execute runs fn if the breaker permits it, recording the outcome.
// Returns ErrOpen without calling fn if the breaker is OPEN, or if it is
// HALF_OPEN and a probe is already in flight (§4.12: "first call is a
// probe").
func (b *Breaker) Execute(fn func() error) error {
	return b.ExecuteContext(context.Background(), func(context.Context) error { return fn() })
}

// ExecuteContext is Execute with an optional per-call deadline (§4.12,
// §5). If cfg.CallTimeout is positive, ctx is wrapped with that deadline
// before fn runs; exceeding it is recorded as a failure.
func (b *Breaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err == nil && callCtx.Err() != nil {
		err = callCtx.Err()
	}

	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

// allow reports whether a call may proceed right now, claiming the
// HALF_OPEN probe slot if this call is the one taking it.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransitionToHalfOpenLocked()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		if b.halfOpenProbeInFlight {
			return false
		}
		b.halfOpenProbeInFlight = true
		return true
	case Open:
		return false
	}
	return false
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.cfg.Now()
	b.lastFailureAt = now
	b.halfOpenProbeInFlight = false

	switch b.state {
	case HalfOpen:
		// HALF_OPEN -> OPEN on any failure; success counter cleared.
		b.halfOpenSuccesses = 0
		b.openCircuitLocked(now)

	case Closed:
		b.failureTimestamps = append(b.failureTimestamps, now)
		b.failureTimestamps = pruneOlderThan(b.failureTimestamps, now.Add(-b.cfg.TimeoutWindow))
		if len(b.failureTimestamps) >= b.cfg.FailureThreshold {
			b.openCircuitLocked(now)
		}
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.halfOpenProbeInFlight = false

	switch b.state {
	case HalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failureTimestamps = nil
			b.halfOpenSuccesses = 0
		}
	case Closed:
		// A success in CLOSED doesn't need to clear failureTimestamps;
		// they age out of the sliding window on their own.
	}
}

func (b *Breaker) openCircuitLocked(now time.Time) {
	b.state = Open
	b.openedAt = now
}

func pruneOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
