package ipintel

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/aliadelelroby/guardrail/breaker"
)

// errAllProvidersFailed is returned when every configured provider
// errored or was rejected by its circuit breaker within budget (§4.9
// step 8).
var errAllProvidersFailed = errors.New("ipintel: all providers failed")

// OverallBudget bounds the total time a single Lookup call may spend
// across every provider attempt (§4.9 step 5).
const OverallBudget = 15 * time.Second

// PerProviderCap bounds a single provider attempt, further clamped to
// whatever remains of OverallBudget (§4.9 step 5).
const PerProviderCap = 10 * time.Second

// namedProvider pairs a Provider with its health tracker and circuit
// breaker, both created once at Lookup construction time so state
// persists across calls.
type namedProvider struct {
	provider Provider
	health   *health
	breaker  *breaker.Breaker
}

// Lookup is the IP Intelligence entry point (C4): cache-first,
// provider-fallback resolution of an IP to an IPInfo, with per-provider
// health tracking and circuit breaking.
type Lookup struct {
	Cache     *Cache
	Providers []Provider
	Now       func() time.Time

	mu        sync.Mutex
	providers []*namedProvider
	inflight  map[string]*inflightCall
}

type inflightCall struct {
	done chan struct{}
	info IPInfo
	err  error
}

// NewLookup builds a Lookup over the given providers, in priority order.
func NewLookup(cache *Cache, providers []Provider, now func() time.Time) *Lookup {
	if now == nil {
		now = time.Now
	}
	nps := make([]*namedProvider, 0, len(providers))
	for _, p := range providers {
		nps = append(nps, &namedProvider{
			provider: p,
			health:   newHealth(now),
			breaker: breaker.New(breaker.Config{
				FailureThreshold: 3,
				TimeoutWindow:    failureWindow,
				ResetTimeout:     30 * time.Second,
				SuccessThreshold: 2,
				CallTimeout:      PerProviderCap,
				Now:              now,
			}),
		})
	}
	return &Lookup{
		Cache:     cache,
		Providers: providers,
		Now:       now,
		providers: nps,
		inflight:  make(map[string]*inflightCall),
	}
}

// Resolve runs the full IP Intelligence pipeline for ip (§4.9): SSRF
// validation, cache lookup, in-flight coalescing, then provider fallback
// with health-aware ordering, per-attempt deadlines, and backoff.
// A rejected or unresolvable IP returns a zero IPInfo, never an error —
// per §4.9 step 1 and step 8 this is "safe by default", not a failure.
func (l *Lookup) Resolve(ctx context.Context, ip string) IPInfo {
	parsed := net.ParseIP(ip)
	if !IsLookupable(parsed) {
		return IPInfo{}
	}

	if l.Cache != nil {
		if info, ok := l.Cache.Get(ctx, ip); ok {
			return info
		}
	}

	info, err := l.coalescedFetch(ctx, ip)
	if err != nil {
		return IPInfo{}
	}
	if l.Cache != nil {
		l.Cache.Set(ctx, ip, info)
	}
	return info
}

// coalescedFetch ensures at most one outbound provider fetch per IP is
// in flight at a time (§5): concurrent callers for the same IP share the
// first caller's result instead of each issuing their own provider
// round trips.
func (l *Lookup) coalescedFetch(ctx context.Context, ip string) (IPInfo, error) {
	l.mu.Lock()
	if call, ok := l.inflight[ip]; ok {
		l.mu.Unlock()
		<-call.done
		return call.info, call.err
	}
	call := &inflightCall{done: make(chan struct{})}
	l.inflight[ip] = call
	l.mu.Unlock()

	call.info, call.err = l.fetch(ctx, ip)
	close(call.done)

	l.mu.Lock()
	delete(l.inflight, ip)
	l.mu.Unlock()

	return call.info, call.err
}

func (l *Lookup) fetch(ctx context.Context, ip string) (IPInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, OverallBudget)
	defer cancel()

	order := l.healthyFirstOrder()

	var lastErr error
	for i, np := range order {
		select {
		case <-ctx.Done():
			return IPInfo{}, ctx.Err()
		default:
		}

		if i > 0 {
			delay := backoffDelay(i - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return IPInfo{}, ctx.Err()
			}
		}

		var result IPInfo
		err := np.breaker.ExecuteContext(ctx, func(callCtx context.Context) error {
			res, err := np.provider.Lookup(callCtx, ip)
			if err != nil {
				return err
			}
			result = res
			return nil
		})

		if err != nil {
			lastErr = err
			np.health.recordFailure()
			continue
		}
		np.health.recordSuccess()
		return result, nil
	}

	if lastErr == nil {
		lastErr = errAllProvidersFailed
	}
	return IPInfo{}, lastErr
}

// healthyFirstOrder returns providers in priority order, skipping
// unhealthy ones unless every provider is unhealthy, in which case all
// are tried anyway (§4.9 step 4).
func (l *Lookup) healthyFirstOrder() []*namedProvider {
	allUnhealthy := true
	for _, np := range l.providers {
		if !np.health.isUnhealthy() {
			allUnhealthy = false
			break
		}
	}
	if allUnhealthy {
		return l.providers
	}

	var healthy []*namedProvider
	for _, np := range l.providers {
		if !np.health.isUnhealthy() {
			healthy = append(healthy, np)
		}
	}
	return healthy
}
