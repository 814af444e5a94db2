package guardrail

import (
	"github.com/aliadelelroby/guardrail/content"
	"github.com/aliadelelroby/guardrail/resolver"
)

// Rule is the tagged-variant capability every rule config implements
// (§9 "Polymorphism over rules": "model rules as a tagged variant with
// one evaluator per variant ... avoids dynamic dispatch in the hot
// path"). The engine type-switches on the concrete Rule implementation
// rather than calling an Evaluate method through an interface, so a
// PARALLEL strategy can dispatch every rule the same way regardless of
// variant.
type Rule interface {
	Kind() RuleType
	validate() error
	mode() Mode
	errorStrategy() ErrorHandling
}

// base is embedded by every concrete rule to carry the fields common to
// all six variants (§3 "Rule descriptor").
type base struct {
	By            []string
	Mode          Mode
	ErrorStrategy ErrorHandling // rule-level override; zero value defers to the engine's global policy
}

func (b base) mode() Mode                   { return b.Mode }
func (b base) errorStrategy() ErrorHandling { return b.ErrorStrategy }

func (b base) by() []string {
	if len(b.By) == 0 {
		return []string{CharIPSrc}
	}
	return b.By
}

// SlidingWindowRule admits up to Max events per rolling Interval, keyed
// by the fingerprint of By (§4.2).
type SlidingWindowRule struct {
	base
	Interval string
	Max      resolver.DynamicValue[int64]
}

func (r SlidingWindowRule) Kind() RuleType { return RuleTypeSlidingWindow }

func (r SlidingWindowRule) validate() error {
	if _, err := parseIntervalOrErr(r.Interval); err != nil {
		return &ConfigurationError{Field: "interval", Value: r.Interval, Reason: err.Error()}
	}
	return nil
}

// TokenBucketRule consumes up to Requested tokens per call against a
// bucket that refills RefillRate tokens per Interval up to Capacity
// (§4.3).
type TokenBucketRule struct {
	base
	Interval   string
	Capacity   resolver.DynamicValue[int64]
	RefillRate resolver.DynamicValue[int64]
	Requested  resolver.DynamicValue[int64]
	// DynDiscriminator distinguishes otherwise-identical dynamic-limit
	// rule instances so they don't collide on the same storage key
	// (§4.3's key template). Callers set this when Capacity is a
	// path-valued resolver.DynamicValue (resolver.FromPath) rather than a
	// literal.
	DynDiscriminator string
}

func (r TokenBucketRule) Kind() RuleType { return RuleTypeTokenBucket }

func (r TokenBucketRule) validate() error {
	if _, err := parseIntervalOrErr(r.Interval); err != nil {
		return &ConfigurationError{Field: "interval", Value: r.Interval, Reason: err.Error()}
	}
	return nil
}

// ShieldRule scans request surfaces for attack patterns across the
// enabled categories (§4.4).
type ShieldRule struct {
	base
	Categories []content.Category
	ScanBody   bool
}

func (r ShieldRule) Kind() RuleType  { return RuleTypeShield }
func (r ShieldRule) validate() error { return nil }

// BotRule classifies the request's User-Agent header (§4.5).
type BotRule struct {
	base
	AllowConfigured bool
	Allow           []string
	Block           []string
}

func (r BotRule) Kind() RuleType  { return RuleTypeBot }
func (r BotRule) validate() error { return nil }

// EmailRule validates options.Email against the enabled reason set
// (§4.6).
type EmailRule struct {
	base
	Reasons           []content.EmailReason
	DisposableDomains map[string]bool
	FreeDomains       map[string]bool
	RoleLocalParts    map[string]bool
	TypoDomains       map[string]bool
	Resolver          *content.Resolver
}

func (r EmailRule) Kind() RuleType  { return RuleTypeEmail }
func (r EmailRule) validate() error { return nil }

// FilterRule evaluates allow/deny expression sets against the flattened
// characteristics+IP context (§4.7, §4.11).
type FilterRule struct {
	base
	Allow []string
	Deny  []string
}

func (r FilterRule) Kind() RuleType { return RuleTypeFilter }

func (r FilterRule) validate() error {
	for _, expr := range r.Allow {
		if _, err := validateExpr(expr); err != nil {
			return &ConfigurationError{Field: "allow", Value: expr, Reason: err.Error()}
		}
	}
	for _, expr := range r.Deny {
		if _, err := validateExpr(expr); err != nil {
			return &ConfigurationError{Field: "deny", Value: expr, Reason: err.Error()}
		}
	}
	return nil
}
