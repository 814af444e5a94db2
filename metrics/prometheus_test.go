package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrometheus_RegistersAllMetrics(t *testing.T) {
	p := NewPrometheus("guardrail")
	require.NotNil(t, p.Registry)

	families, err := p.Registry.Gather()
	require.NoError(t, err)
	assert.NotNil(t, families)
}

func TestPrometheus_Emit_DecisionCounters(t *testing.T) {
	p := NewPrometheus("guardrail_test")

	p.Emit(Event{
		Type:    EventDecisionDeny,
		Payload: map[string]interface{}{"conclusion": "DENY", "reason": "RATE_LIMIT"},
	})
	p.Emit(Event{
		Type:    EventDecisionDeny,
		Payload: map[string]interface{}{"conclusion": "DENY", "reason": "RATE_LIMIT"},
	})

	got := testutil.ToFloat64(p.DecisionsTotal.WithLabelValues("DENY", "RATE_LIMIT"))
	assert.Equal(t, float64(2), got)
}

func TestPrometheus_Emit_RuleCounters(t *testing.T) {
	p := NewPrometheus("guardrail_test2")

	p.Emit(Event{
		Type:    EventRuleAllow,
		Payload: map[string]interface{}{"rule": "shield", "conclusion": "ALLOW"},
	})

	got := testutil.ToFloat64(p.RuleEvaluationsTotal.WithLabelValues("shield", "ALLOW"))
	assert.Equal(t, float64(1), got)
}

func TestPrometheus_Emit_Errors(t *testing.T) {
	p := NewPrometheus("guardrail_test3")

	p.Emit(Event{Type: EventStorageError})
	p.Emit(Event{Type: EventIPLookupError})

	assert.Equal(t, float64(1), testutil.ToFloat64(p.ErrorsTotal.WithLabelValues("storage")))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.ErrorsTotal.WithLabelValues("ip-lookup")))
}

func TestState_MetricGauge(t *testing.T) {
	p := NewPrometheus("guardrail_test4")
	p.CircuitBreakerState.WithLabelValues("geoip-primary").Set(0.5)
	assert.Equal(t, float64(0.5), testutil.ToFloat64(p.CircuitBreakerState.WithLabelValues("geoip-primary")))
}
