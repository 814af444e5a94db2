package guardrail

import (
	"fmt"
	"strings"
	"time"

	"github.com/aliadelelroby/guardrail/ipintel"
)

// Conclusion is the outcome of a rule or a whole Decision (§3).
type Conclusion string

const (
	Allow Conclusion = "ALLOW"
	Deny  Conclusion = "DENY"
)

// Mode is a rule's LIVE/DRY_RUN switch (§3 "Mode"). A DRY_RUN rule is
// still fully evaluated — its RuleResult reports the real outcome — but
// the engine rewrites its contribution to the Decision to ALLOW before
// it can deny anything (§4.2, §4.3, §8 "DRY_RUN transparency").
type Mode string

const (
	Live   Mode = "LIVE"
	DryRun Mode = "DRY_RUN"
)

// Strategy selects how the engine evaluates the configured rule list
// (§4.10 step 5).
type Strategy string

const (
	Sequential   Strategy = "SEQUENTIAL"
	Parallel     Strategy = "PARALLEL"
	ShortCircuit Strategy = "SHORT_CIRCUIT"
)

// ErrorHandling selects how a per-rule failure is translated into a
// RuleResult (§4.10 step 6, §7).
type ErrorHandling string

const (
	FailOpen   ErrorHandling = "FAIL_OPEN"
	FailClosed ErrorHandling = "FAIL_CLOSED"
)

// ReasonKind enumerates the DENY reason classes §3 defines.
type ReasonKind string

const (
	KindNone      ReasonKind = ""
	KindRateLimit ReasonKind = "RATE_LIMIT"
	KindQuota     ReasonKind = "QUOTA"
	KindBot       ReasonKind = "BOT"
	KindEmail     ReasonKind = "EMAIL"
	KindShield    ReasonKind = "SHIELD"
	KindFilter    ReasonKind = "FILTER"
	// KindError marks a RuleResult synthesized from a FAIL_OPEN rule
	// error (§4.10 step 6); it never denies.
	KindError ReasonKind = "ERROR"
)

// Reason is the tagged DENY reason a RuleResult carries. It is comparable
// so it can key the denyMessages table in errors.go, and is present iff
// the owning RuleResult's Conclusion is Deny (§3 invariant), except for
// ReasonError, which a FAIL_OPEN rule failure records on an Allow result.
type Reason struct {
	kind ReasonKind
}

func (r Reason) Kind() ReasonKind { return r.kind }
func (r Reason) String() string   { return string(r.kind) }

func (r Reason) IsRateLimit() bool { return r.kind == KindRateLimit }
func (r Reason) IsQuota() bool     { return r.kind == KindQuota }
func (r Reason) IsBot() bool       { return r.kind == KindBot }
func (r Reason) IsEmail() bool     { return r.kind == KindEmail }
func (r Reason) IsShield() bool    { return r.kind == KindShield }
func (r Reason) IsFilter() bool    { return r.kind == KindFilter }

// The canonical Reason values (§3).
var (
	ReasonNone      = Reason{kind: KindNone}
	ReasonRateLimit = Reason{kind: KindRateLimit}
	ReasonQuota     = Reason{kind: KindQuota}
	ReasonBot       = Reason{kind: KindBot}
	ReasonEmail     = Reason{kind: KindEmail}
	ReasonShield    = Reason{kind: KindShield}
	ReasonFilter    = Reason{kind: KindFilter}
	ReasonError     = Reason{kind: KindError}
)

// RuleType identifies which rule variant produced a RuleResult.
type RuleType string

const (
	RuleTypeSlidingWindow RuleType = "SLIDING_WINDOW"
	RuleTypeTokenBucket   RuleType = "TOKEN_BUCKET"
	RuleTypeShield        RuleType = "SHIELD"
	RuleTypeBot           RuleType = "BOT"
	RuleTypeEmail         RuleType = "EMAIL"
	RuleTypeFilter        RuleType = "FILTER"
)

// RuleResult is one rule's evaluation outcome (§3). Reason is present iff
// Conclusion is Deny, except ReasonError on a FAIL_OPEN Allow; Remaining is always >= 0; ResetAt is an absolute
// time, zero when the rule carries no notion of a reset (Shield, Bot,
// Email, Filter).
type RuleResult struct {
	RuleType   RuleType
	Conclusion Conclusion
	Reason     Reason
	Remaining  int64
	Limit      int64
	ResetAt    time.Time
}

// Characteristics is the string-keyed scalar bag §3 defines: request
// properties used to key rate limiters, feed the filter expression
// context, and ride along into the Decision for downstream logic.
type Characteristics map[string]interface{}

// Standard characteristic keys (§3).
const (
	CharIPSrc     = "ip.src"
	CharUserID    = "userId"
	CharTier      = "tier"
	CharUserAgent = "userAgent"
	CharEmail     = "email"
)

// DecisionReason is the reason-helper §4.10/§6 exposes on a Decision: it
// wraps the first denying RuleResult (or a zero RuleResult for an
// allowed Decision, where every Is*() predicate is false).
type DecisionReason struct {
	result RuleResult
	denied bool
}

func (r DecisionReason) IsRateLimit() bool { return r.denied && r.result.Reason.IsRateLimit() }
func (r DecisionReason) IsQuota() bool     { return r.denied && r.result.Reason.IsQuota() }
func (r DecisionReason) IsBot() bool       { return r.denied && r.result.Reason.IsBot() }
func (r DecisionReason) IsEmail() bool     { return r.denied && r.result.Reason.IsEmail() }
func (r DecisionReason) IsShield() bool    { return r.denied && r.result.Reason.IsShield() }
func (r DecisionReason) IsFilter() bool    { return r.denied && r.result.Reason.IsFilter() }

// GetRemaining returns the denying rule's remaining quota, or 0 if the
// Decision was not denied.
func (r DecisionReason) GetRemaining() int64 {
	if !r.denied {
		return 0
	}
	return r.result.Remaining
}

// Kind returns the underlying ReasonKind, or KindNone when allowed.
func (r DecisionReason) Kind() ReasonKind {
	if !r.denied {
		return KindNone
	}
	return r.result.Reason.Kind()
}

// Decision is the immutable result of one Protect call (§3). It is never
// mutated after assembly.
type Decision struct {
	ID              string
	Conclusion      Conclusion
	Results         []RuleResult
	IP              ipintel.IPInfo
	Characteristics Characteristics
	Metadata        map[string]interface{}
}

// IsAllowed reports whether the request was admitted.
func (d *Decision) IsAllowed() bool { return d.Conclusion == Allow }

// IsDenied reports whether the request was rejected.
func (d *Decision) IsDenied() bool { return d.Conclusion == Deny }

// Reason returns the reason-helper wrapping the first denying result in
// declared rule order, per §4.10 step 7 ("reason-helper wraps the first
// denying result").
func (d *Decision) Reason() DecisionReason {
	for _, res := range d.Results {
		if res.Conclusion == Deny {
			return DecisionReason{result: res, denied: true}
		}
	}
	return DecisionReason{}
}

// Explain renders a human-readable multi-line summary of the Decision:
// its conclusion, the denying reason (if any), and every rule result in
// declared order. Useful for CLI/log output by adapters (§6, SUPPLEMENTED
// FEATURES: "Decision.Explain()").
func (d *Decision) Explain() string {
	var b strings.Builder
	fmt.Fprintf(&b, "decision %s: %s", d.ID, d.Conclusion)
	if d.IsDenied() {
		fmt.Fprintf(&b, " (%s)", d.Reason().Kind())
	}
	b.WriteByte('\n')
	for _, res := range d.Results {
		fmt.Fprintf(&b, "  - %s: %s", res.RuleType, res.Conclusion)
		if res.Conclusion == Deny {
			fmt.Fprintf(&b, " reason=%s", res.Reason.Kind())
		}
		if res.Limit > 0 {
			fmt.Fprintf(&b, " remaining=%d/%d", res.Remaining, res.Limit)
		}
		if !res.ResetAt.IsZero() {
			fmt.Fprintf(&b, " resetAt=%d", res.ResetAt.UnixMilli())
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Request is the abstract request capability the core consumes from
// adapters (§1, §6). Adapters translate their framework's native request
// object into this shape; the core never parses a framework-specific
// request type directly.
type Request struct {
	Method  string
	URL     string
	Headers map[string][]string
	Body    []byte
}

// Header returns the first value of the named header, case-insensitively,
// or "" if absent.
func (r Request) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	for k, vs := range r.Headers {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// RequestOptions is the adapter-supplied options bag (§6): userId, email,
// tier, requested (token-bucket cost override), and free-form metadata
// consulted by the Dynamic Value Resolver (C8).
type RequestOptions struct {
	UserID    string
	Email     string
	Tier      string
	Requested int64
	Metadata  map[string]interface{}
}

// ListRule is one whitelist/blacklist entry (§4.10 step 3, SUPPLEMENTED
// FEATURES). Within one ListRule every populated field must match
// (AND); across a list of ListRules, any one matching ListRule is enough
// (OR) — the conventional shape for a declarative matcher list.
type ListRule struct {
	IP          []string
	UserID      []string
	Country     []string
	EmailDomain []string
}

// matches reports whether every populated field of l matches the given
// characteristics/IP/email. A field left empty imposes no constraint.
func (l ListRule) matches(characteristics Characteristics, ip ipintel.IPInfo, email string) bool {
	if len(l.IP) > 0 {
		srcIP, _ := characteristics[CharIPSrc].(string)
		if !containsString(l.IP, srcIP) {
			return false
		}
	}
	if len(l.UserID) > 0 {
		userID, _ := characteristics[CharUserID].(string)
		if !containsString(l.UserID, userID) {
			return false
		}
	}
	if len(l.Country) > 0 {
		if !containsString(l.Country, ip.Country) {
			return false
		}
	}
	if len(l.EmailDomain) > 0 {
		domain := emailDomain(email)
		if domain == "" || !containsString(l.EmailDomain, domain) {
			return false
		}
	}
	// A ListRule with every field empty matches nothing: it would
	// otherwise vacuously match every request, silently whitelisting or
	// blacklisting the entire service.
	if len(l.IP) == 0 && len(l.UserID) == 0 && len(l.Country) == 0 && len(l.EmailDomain) == 0 {
		return false
	}
	return true
}

func containsString(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func emailDomain(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}
