package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus holds the default metric set §6 names, registered under an
// optional namespace prefix. It implements Emitter so the engine can use
// it directly as its observability sink, translating structured events
// into the relevant counter/gauge increments.
type Prometheus struct {
	Registry *prometheus.Registry

	RequestsTotal          *prometheus.CounterVec
	RequestDurationMillis  prometheus.Histogram
	DecisionsTotal         *prometheus.CounterVec
	RuleEvaluationsTotal   *prometheus.CounterVec
	RuleDurationMillis     *prometheus.HistogramVec
	RateLimitRemaining     *prometheus.GaugeVec
	CircuitBreakerState    *prometheus.GaugeVec
	CacheHitsTotal         prometheus.Counter
	CacheMissesTotal       prometheus.Counter
	ErrorsTotal            *prometheus.CounterVec
}

// NewPrometheus builds and registers the default metric set on a fresh
// registry scoped by namespace (e.g. "guardrail"). Callers that already
// run a process-wide registry can instead construct the vectors
// themselves and register them there; NewPrometheus is the convenient
// default matching the teacher's and pack's pattern of wiring
// prometheus/client_golang directly (jordanhubbard-tokenhub,
// dnsscienced).
func NewPrometheus(namespace string) *Prometheus {
	reg := prometheus.NewRegistry()

	p := &Prometheus{
		Registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total", Help: "Total requests processed by the decision engine.",
		}, []string{"conclusion", "rule", "reason"}),
		RequestDurationMillis: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "request_duration_milliseconds", Help: "Total time spent inside Protect().",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "decisions_total", Help: "Decisions by conclusion and reason.",
		}, []string{"conclusion", "reason"}),
		RuleEvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rule_evaluations_total", Help: "Rule evaluations by rule and conclusion.",
		}, []string{"rule", "conclusion"}),
		RuleDurationMillis: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "rule_duration_milliseconds", Help: "Time spent evaluating a single rule.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"rule"}),
		RateLimitRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rate_limit_remaining", Help: "Remaining quota observed by the last evaluation of a rule/key.",
		}, []string{"rule", "key"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state", Help: "0=closed, 0.5=half-open, 1=open.",
		}, []string{"name"}),
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_hits_total", Help: "IP-intelligence cache hits.",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cache_misses_total", Help: "IP-intelligence cache misses.",
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total", Help: "Internal errors by type.",
		}, []string{"type"}),
	}

	reg.MustRegister(
		p.RequestsTotal, p.RequestDurationMillis, p.DecisionsTotal, p.RuleEvaluationsTotal,
		p.RuleDurationMillis, p.RateLimitRemaining, p.CircuitBreakerState,
		p.CacheHitsTotal, p.CacheMissesTotal, p.ErrorsTotal,
	)
	return p
}

// Emit implements Emitter, translating structured events into metric
// updates so a caller can wire Prometheus as the engine's sole
// observability sink.
func (p *Prometheus) Emit(e Event) {
	switch e.Type {
	case EventDecisionAllow, EventDecisionDeny:
		vals := payloadStrings(e.Payload, "conclusion", "reason")
		p.DecisionsTotal.WithLabelValues(vals[0], vals[1]).Inc()

	case EventRuleAllow, EventRuleDeny:
		vals := payloadStrings(e.Payload, "rule", "conclusion")
		p.RuleEvaluationsTotal.WithLabelValues(vals[0], vals[1]).Inc()

	case EventStorageError:
		p.ErrorsTotal.WithLabelValues("storage").Inc()

	case EventIPLookupError:
		p.ErrorsTotal.WithLabelValues("ip-lookup").Inc()
	}
}

func payloadStrings(payload map[string]interface{}, keys ...string) [2]string {
	var out [2]string
	for i, k := range keys {
		if i >= 2 {
			break
		}
		if v, ok := payload[k]; ok {
			if s, ok := v.(string); ok {
				out[i] = s
			}
		}
	}
	return out
}
