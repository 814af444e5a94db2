// Package metrics implements the Observability component (C11):
// structured events and Prometheus-format counter/gauge/histogram export
// (§6 "Metrics export", "Events").
package metrics

import "time"

// EventType enumerates the structured event names §6 defines.
type EventType string

const (
	EventRuleEvaluate   EventType = "rule.evaluate"
	EventRuleAllow      EventType = "rule.allow"
	EventRuleDeny       EventType = "rule.deny"
	EventDecisionAllow  EventType = "decision.allowed"
	EventDecisionDeny   EventType = "decision.denied"
	EventStorageError   EventType = "storage.error"
	EventIPLookupError  EventType = "ip-lookup.error"
)

// Event is one structured observability event (§6). Payload carries
// type-specific fields (rule type, reason, error message, ...).
type Event struct {
	Type        EventType
	Timestamp   time.Time
	DecisionID  string
	Payload     map[string]interface{}
}

// Emitter receives Events as the engine produces them. The zero value of
// NopEmitter is the default — Guardrail's core carries no logger (§9 "no
// singleton in the core"), so an adapter that wants structured logging
// supplies its own Emitter (e.g. one that forwards to a logging library).
type Emitter interface {
	Emit(Event)
}

// NopEmitter discards every event. It is the default Emitter so the
// engine never nil-panics when the caller doesn't care about events.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}

// FuncEmitter adapts a plain function to the Emitter interface.
type FuncEmitter func(Event)

func (f FuncEmitter) Emit(e Event) { f(e) }

// CollectingEmitter accumulates events in memory; useful for tests and for
// adapters that want to batch-flush events rather than stream them.
type CollectingEmitter struct {
	Events []Event
}

func (c *CollectingEmitter) Emit(e Event) {
	c.Events = append(c.Events, e)
}
