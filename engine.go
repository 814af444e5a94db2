// Package guardrail implements the Decision Engine (C10): the
// orchestrator that extracts request characteristics, enriches them with
// IP intelligence, runs whitelist/blacklist short-circuits, evaluates the
// configured rule pipeline under one of three strategies, and assembles
// an immutable Decision (§4.10).
package guardrail

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aliadelelroby/guardrail/content"
	"github.com/aliadelelroby/guardrail/filter"
	"github.com/aliadelelroby/guardrail/fingerprint"
	"github.com/aliadelelroby/guardrail/internal/clock"
	"github.com/aliadelelroby/guardrail/ipintel"
	"github.com/aliadelelroby/guardrail/metrics"
	"github.com/aliadelelroby/guardrail/ratelimit"
	"github.com/aliadelelroby/guardrail/resolver"
	"github.com/aliadelelroby/guardrail/storage"
)

func parseIntervalOrErr(s string) (time.Duration, error) { return fingerprint.ParseInterval(s) }

func validateExpr(expr string) (filter.Node, error) { return filter.Parse(expr) }

// Config is the pre-validated engine configuration (§6 "Configuration
// schema"). Config parsing from a file is out of scope (§1); callers
// construct this struct directly (typically an out-of-scope adapter that
// owns the file format).
type Config struct {
	Rules              []Rule
	By                 []string
	Storage            storage.Storage
	IPService          *ipintel.Lookup
	Classifier         ipintel.Dictionaries
	ErrorHandling      ErrorHandling
	EvaluationStrategy Strategy
	Whitelist          []ListRule
	Blacklist          []ListRule
	Prefix             string
	Preset             string
	Debug              bool
	Key                string
	Emitter            metrics.Emitter

	// Clock is the time source rate-limit rules read through, including
	// the storage-agnostic CAS fallback (ratelimit.SlidingWindowConfig,
	// ratelimit.TokenBucketConfig). Nil defaults to the real system clock;
	// tests that need the "fixed clock" determinism property (§8) inject
	// a clock.Mock here.
	Clock clock.Clock
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ErrorHandling == "" {
		cfg.ErrorHandling = FailOpen
	}
	if cfg.EvaluationStrategy == "" {
		cfg.EvaluationStrategy = Sequential
	}
	if cfg.Prefix == "" {
		cfg.Prefix = storage.DefaultPrefix
	}
	if cfg.Emitter == nil {
		cfg.Emitter = metrics.NopEmitter{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return cfg
}

func (c Config) validate() error {
	switch c.ErrorHandling {
	case FailOpen, FailClosed:
	default:
		return &ConfigurationError{Field: "errorHandling", Value: c.ErrorHandling, Reason: "must be FAIL_OPEN or FAIL_CLOSED"}
	}
	switch c.EvaluationStrategy {
	case Sequential, Parallel, ShortCircuit:
	default:
		return &ConfigurationError{Field: "evaluationStrategy", Value: c.EvaluationStrategy, Reason: "must be SEQUENTIAL, PARALLEL, or SHORT_CIRCUIT"}
	}
	if c.Storage == nil {
		return &ConfigurationError{Field: "storage", Value: nil, Reason: "a storage backend is required"}
	}
	if c.Preset != "" && Preset(c.Preset) == nil {
		return &ConfigurationError{Field: "preset", Value: c.Preset, Reason: "unknown preset"}
	}
	for i, r := range c.Rules {
		if r.mode() != "" && r.mode() != Live && r.mode() != DryRun {
			return &ConfigurationError{Field: fmt.Sprintf("rules[%d].mode", i), Value: r.mode(), Reason: "must be LIVE or DRY_RUN"}
		}
		if err := r.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Engine is the constructed Decision Engine: a validated Config plus the
// resolved rule list (presets composed per ResolveRules) ready to
// evaluate requests (§4.10).
type Engine struct {
	cfg   Config
	rules []Rule
}

// New validates cfg and composes the effective rule list (config.Rules,
// or cfg.Preset's rules when Rules is empty, per ResolveRules), returning a
// *ConfigurationError if anything is invalid (§7: "Raised at
// construction; fatal").
func New(cfg Config) (*Engine, error) {
	full := cfg.withDefaults()
	if err := full.validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:   full,
		rules: ResolveRules(nil, full.Rules, full.Preset),
	}, nil
}

// ResolveRules composes the effective rule list per §4.10 step 4's
// precedence: moduleRules > presetName; methodRules, when given by an
// (out-of-scope) adapter, take precedence over both (§9 "Decision
// helpers", Open Question 3: "method > class > module > preset";
// class-level is folded into module-level at the core boundary since the
// class/method distinction is an adapter-level, decorator-driven
// concept the core does not model). An explicit preset REPLACES rather
// than augments the rule list it stands in for: presets only apply when
// both methodRules and moduleRules are empty.
func ResolveRules(methodRules, moduleRules []Rule, presetName string) []Rule {
	if len(methodRules) > 0 {
		return methodRules
	}
	if len(moduleRules) > 0 {
		return moduleRules
	}
	if presetName != "" {
		return Preset(presetName)
	}
	return nil
}

// Protect runs the full Decision Engine pipeline for one request (§4.10)
// and returns an immutable Decision. It never returns a non-nil error for
// a fully-evaluated request: per-rule failures are folded into the
// Decision per the effective error-handling policy (§7 "Anything thrown
// out of protect is a programmer error").
func (e *Engine) Protect(ctx context.Context, req Request, opts RequestOptions) (*Decision, error) {
	characteristics := e.extractCharacteristics(req, opts)

	ip := e.enrichIP(ctx, characteristics[CharIPSrc].(string))
	ipFlat := ip.Flatten("ip.src")

	if matchListRules(e.cfg.Whitelist, characteristics, ip, opts.Email) {
		return e.assemble(characteristics, ip, opts, nil), nil
	}
	if matchListRules(e.cfg.Blacklist, characteristics, ip, opts.Email) {
		results := []RuleResult{{RuleType: RuleTypeFilter, Conclusion: Deny, Reason: ReasonFilter}}
		return e.assemble(characteristics, ip, opts, results), nil
	}

	filterCtx := buildFilterContext(characteristics, ipFlat)

	results, err := e.evaluateRules(ctx, req, characteristics, filterCtx, opts)
	if err != nil {
		return nil, err
	}

	decision := e.assemble(characteristics, ip, opts, results)
	e.emitDecision(decision)
	return decision, nil
}

// extractCharacteristics implements §4.10 step 1: IP from
// X-Forwarded-For[0] or X-Real-IP (else "unknown"), the User-Agent
// header, and the adapter-supplied userId/tier, merged with any
// caller-supplied metadata scalars.
func (e *Engine) extractCharacteristics(req Request, opts RequestOptions) Characteristics {
	chars := Characteristics{}

	ip := "unknown"
	if fwd := req.Header("X-Forwarded-For"); fwd != "" {
		ip = firstForwardedIP(fwd)
	} else if real := req.Header("X-Real-IP"); real != "" {
		ip = real
	}
	chars[CharIPSrc] = ip
	chars[CharUserAgent] = req.Header("User-Agent")

	if opts.UserID != "" {
		chars[CharUserID] = opts.UserID
	}
	if opts.Tier != "" {
		chars[CharTier] = opts.Tier
	}
	if opts.Email != "" {
		chars[CharEmail] = opts.Email
	}
	for k, v := range opts.Metadata {
		if _, isScalar := scalarKind(v); isScalar {
			chars[k] = v
		}
	}
	return chars
}

func scalarKind(v interface{}) (interface{}, bool) {
	switch v.(type) {
	case string, int, int64, float64, bool:
		return v, true
	default:
		return nil, false
	}
}

func firstForwardedIP(header string) string {
	for i := 0; i < len(header); i++ {
		if header[i] == ',' {
			return trimSpace(header[:i])
		}
	}
	return trimSpace(header)
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t') {
		end--
	}
	return s[start:end]
}

// enrichIP implements §4.10 step 2: IP Intelligence lookup followed by
// VPN/Proxy classification. A nil IPService (no storage/provider
// configured) yields an empty IPInfo, which is first-class per §3.
func (e *Engine) enrichIP(ctx context.Context, ip string) ipintel.IPInfo {
	if e.cfg.IPService == nil {
		return ipintel.IPInfo{}
	}
	info := e.cfg.IPService.Resolve(ctx, ip)
	return ipintel.Classify(info, e.cfg.Classifier)
}

func matchListRules(rules []ListRule, characteristics Characteristics, ip ipintel.IPInfo, email string) bool {
	for _, r := range rules {
		if r.matches(characteristics, ip, email) {
			return true
		}
	}
	return false
}

func buildFilterContext(characteristics Characteristics, ipFlat map[string]interface{}) filter.Context {
	ctx := filter.Context{}
	for k, v := range characteristics {
		ctx[k] = v
	}
	for k, v := range ipFlat {
		ctx[k] = v
	}
	return ctx
}

// evaluateRules dispatches e.rules under the configured strategy (§4.10
// step 5). Declared order is always preserved in the returned slice
// regardless of strategy (§5 "Ordering guarantees").
func (e *Engine) evaluateRules(ctx context.Context, req Request, characteristics Characteristics, filterCtx filter.Context, opts RequestOptions) ([]RuleResult, error) {
	n := len(e.rules)
	results := make([]RuleResult, n)

	switch e.cfg.EvaluationStrategy {
	case Parallel:
		var wg sync.WaitGroup
		wg.Add(n)
		for i, rule := range e.rules {
			go func(i int, rule Rule) {
				defer wg.Done()
				results[i] = e.evaluateOne(ctx, rule, req, characteristics, filterCtx, opts)
			}(i, rule)
		}
		wg.Wait()

	case ShortCircuit:
		for i, rule := range e.rules {
			results[i] = e.evaluateOne(ctx, rule, req, characteristics, filterCtx, opts)
			if results[i].Conclusion == Deny {
				return results[:i+1], nil
			}
		}

	default: // Sequential
		for i, rule := range e.rules {
			results[i] = e.evaluateOne(ctx, rule, req, characteristics, filterCtx, opts)
		}
	}

	return results, nil
}

// evaluateOne runs a single rule, folding any internal error into a
// RuleResult per the effective error-handling policy (§4.10 step 6) and
// applying DRY_RUN transparency uniformly across every rule kind (§4.2,
// §4.3, §8).
func (e *Engine) evaluateOne(ctx context.Context, rule Rule, req Request, characteristics Characteristics, filterCtx filter.Context, opts RequestOptions) RuleResult {
	e.cfg.Emitter.Emit(metrics.Event{Type: metrics.EventRuleEvaluate, Timestamp: time.Now(), Payload: map[string]interface{}{"rule": string(rule.Kind())}})

	res, err := e.runRule(ctx, rule, req, characteristics, filterCtx, opts)
	if err != nil {
		res = e.handleRuleError(rule, err)
	} else {
		res = applyDryRun(res, rule.mode())
	}

	eventType := metrics.EventRuleAllow
	if res.Conclusion == Deny {
		eventType = metrics.EventRuleDeny
	}
	e.cfg.Emitter.Emit(metrics.Event{Type: eventType, Timestamp: time.Now(), Payload: map[string]interface{}{
		"rule": string(rule.Kind()), "conclusion": string(res.Conclusion),
	}})
	return res
}

// applyDryRun rewrites a RuleResult's Conclusion to Allow when mode is
// DRY_RUN, leaving Remaining/Limit/ResetAt untouched so they still
// reflect what the LIVE rule would have produced (§8 "DRY_RUN
// transparency").
func applyDryRun(res RuleResult, mode Mode) RuleResult {
	if mode == DryRun {
		res.Conclusion = Allow
	}
	return res
}

// handleRuleError translates a rule-internal error per §4.10 step 6:
// FAIL_OPEN records an ALLOW result with reason=ERROR and continues;
// FAIL_CLOSED records a DENY.
func (e *Engine) handleRuleError(rule Rule, err error) RuleResult {
	e.cfg.Emitter.Emit(metrics.Event{Type: metrics.EventStorageError, Timestamp: time.Now(), Payload: map[string]interface{}{
		"rule": string(rule.Kind()), "error": err.Error(),
	}})

	strategy := e.cfg.ErrorHandling
	if s := rule.errorStrategy(); s != "" {
		strategy = s
	}

	if strategy == FailClosed {
		return RuleResult{RuleType: ruleTypeFromKind(rule.Kind()), Conclusion: Deny, Reason: denyReasonFor(rule.Kind())}
	}
	return RuleResult{RuleType: ruleTypeFromKind(rule.Kind()), Conclusion: Allow, Reason: ReasonError}
}

func ruleTypeFromKind(k RuleType) RuleType { return k }

func denyReasonFor(k RuleType) Reason {
	switch k {
	case RuleTypeSlidingWindow:
		return ReasonRateLimit
	case RuleTypeTokenBucket:
		return ReasonQuota
	case RuleTypeBot:
		return ReasonBot
	case RuleTypeEmail:
		return ReasonEmail
	case RuleTypeShield:
		return ReasonShield
	default:
		return ReasonFilter
	}
}

// runRule dispatches to the variant-specific evaluator (§9 "tagged
// variant ... one evaluator per variant").
func (e *Engine) runRule(ctx context.Context, rule Rule, req Request, characteristics Characteristics, filterCtx filter.Context, opts RequestOptions) (RuleResult, error) {
	rc := resolver.Context{
		Metadata:        opts.Metadata,
		Options:         map[string]interface{}{"userId": opts.UserID, "tier": opts.Tier, "email": opts.Email, "requested": opts.Requested},
		Characteristics: characteristics,
	}

	switch r := rule.(type) {
	case SlidingWindowRule:
		return e.runSlidingWindow(ctx, r, characteristics, rc)
	case TokenBucketRule:
		return e.runTokenBucket(ctx, r, characteristics, opts, rc)
	case ShieldRule:
		return e.runShield(r, req)
	case BotRule:
		return e.runBot(r, characteristics)
	case EmailRule:
		return e.runEmail(ctx, r, opts)
	case FilterRule:
		return e.runFilter(r, filterCtx)
	default:
		return RuleResult{}, &RuleEvaluationError{RuleType: string(rule.Kind()), Err: fmt.Errorf("unknown rule variant %T", rule)}
	}
}

func (e *Engine) runSlidingWindow(ctx context.Context, r SlidingWindowRule, characteristics Characteristics, rc resolver.Context) (RuleResult, error) {
	interval, err := fingerprint.ParseInterval(r.Interval)
	if err != nil {
		return RuleResult{}, &RuleEvaluationError{RuleType: string(r.Kind()), Err: err}
	}
	maxN := resolver.Resolve(ctx, r.Max, rc, int64(0))

	res, err := ratelimit.EvaluateSlidingWindow(ctx, e.cfg.Storage, characteristics, ratelimit.SlidingWindowConfig{
		Interval: interval, Max: maxN, By: r.by(), Mode: ratelimit.Live, Prefix: e.cfg.Prefix, Clock: e.cfg.Clock,
	})
	if err != nil {
		return RuleResult{}, &StorageError{Backend: "storage", Operation: "slidingWindow", Err: wrapContextError(err)}
	}
	return ratelimitResult(RuleTypeSlidingWindow, res, ReasonRateLimit), nil
}

func (e *Engine) runTokenBucket(ctx context.Context, r TokenBucketRule, characteristics Characteristics, opts RequestOptions, rc resolver.Context) (RuleResult, error) {
	interval, err := fingerprint.ParseInterval(r.Interval)
	if err != nil {
		return RuleResult{}, &RuleEvaluationError{RuleType: string(r.Kind()), Err: err}
	}
	capacity := resolver.Resolve(ctx, r.Capacity, rc, int64(0))
	refillRate := resolver.Resolve(ctx, r.RefillRate, rc, int64(0))
	requested := resolver.Resolve(ctx, r.Requested, rc, int64(1))
	if requested <= 0 && opts.Requested > 0 {
		requested = opts.Requested
	}

	res, err := ratelimit.EvaluateTokenBucket(ctx, e.cfg.Storage, characteristics, ratelimit.TokenBucketConfig{
		Interval: interval, Capacity: capacity, RefillRate: refillRate, Requested: requested,
		By: r.by(), Mode: ratelimit.Live, Prefix: e.cfg.Prefix, DynDiscriminator: r.DynDiscriminator, Clock: e.cfg.Clock,
	})
	if err != nil {
		return RuleResult{}, &StorageError{Backend: "storage", Operation: "tokenBucket", Err: wrapContextError(err)}
	}
	return ratelimitResult(RuleTypeTokenBucket, res, ReasonQuota), nil
}

func ratelimitResult(ruleType RuleType, res ratelimit.Result, reason Reason) RuleResult {
	out := RuleResult{RuleType: ruleType, Conclusion: Allow, Remaining: res.Remaining, Limit: res.Limit, ResetAt: res.ResetAt}
	if !res.Allowed {
		out.Conclusion = Deny
		out.Reason = reason
	}
	return out
}

// shieldHeaders are the "selected headers (mandatory)" Shield scans
// alongside URL and query (§4.4) — the ones most commonly abused to
// smuggle an attack payload around body scanning.
var shieldHeaders = []string{"User-Agent", "Referer", "Cookie", "X-Forwarded-For"}

func (e *Engine) runShield(r ShieldRule, req Request) (RuleResult, error) {
	rawURL, query := splitURLQuery(req.URL)

	headers := make(map[string]string, len(shieldHeaders))
	for _, h := range shieldHeaders {
		if v := req.Header(h); v != "" {
			headers[h] = v
		}
	}

	var body string
	if r.ScanBody {
		body = string(req.Body)
	}

	result := content.Scan(content.Surfaces{URL: rawURL, Query: query, Headers: headers, Body: body}, content.ShieldConfig{
		Categories: r.Categories, ScanBody: r.ScanBody,
	})
	if result.Matched {
		return RuleResult{RuleType: RuleTypeShield, Conclusion: Deny, Reason: ReasonShield}, nil
	}
	return RuleResult{RuleType: RuleTypeShield, Conclusion: Allow}, nil
}

func splitURLQuery(raw string) (path, query string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}
	return u.Path, u.RawQuery
}

func (e *Engine) runBot(r BotRule, characteristics Characteristics) (RuleResult, error) {
	ua, _ := characteristics[CharUserAgent].(string)
	denied := content.DetectBot(ua, content.BotPolicyConfig{AllowConfigured: r.AllowConfigured, Allow: r.Allow, Block: r.Block})
	if denied {
		return RuleResult{RuleType: RuleTypeBot, Conclusion: Deny, Reason: ReasonBot}, nil
	}
	return RuleResult{RuleType: RuleTypeBot, Conclusion: Allow}, nil
}

func (e *Engine) runEmail(ctx context.Context, r EmailRule, opts RequestOptions) (RuleResult, error) {
	res := content.ValidateEmail(ctx, opts.Email, content.EmailConfig{
		Reasons: r.Reasons, DisposableDomains: r.DisposableDomains, FreeDomains: r.FreeDomains,
		RoleLocalParts: r.RoleLocalParts, TypoDomains: r.TypoDomains, Resolver: r.Resolver,
	})
	if res.Denied {
		return RuleResult{RuleType: RuleTypeEmail, Conclusion: Deny, Reason: ReasonEmail}, nil
	}
	return RuleResult{RuleType: RuleTypeEmail, Conclusion: Allow}, nil
}

func (e *Engine) runFilter(r FilterRule, filterCtx filter.Context) (RuleResult, error) {
	denied, err := content.EvaluateFilter(filterCtx, content.FilterConfig{Allow: r.Allow, Deny: r.Deny})
	if err != nil {
		expr := ""
		if len(r.Deny) > 0 {
			expr = r.Deny[0]
		} else if len(r.Allow) > 0 {
			expr = r.Allow[0]
		}
		return RuleResult{}, &ExpressionEvaluationError{Expression: expr, Err: err}
	}
	if denied {
		return RuleResult{RuleType: RuleTypeFilter, Conclusion: Deny, Reason: ReasonFilter}, nil
	}
	return RuleResult{RuleType: RuleTypeFilter, Conclusion: Allow}, nil
}

// assemble builds the immutable Decision per §4.10 step 7: conclusion is
// DENY iff any recorded result is DENY, id is freshly generated.
func (e *Engine) assemble(characteristics Characteristics, ip ipintel.IPInfo, opts RequestOptions, results []RuleResult) *Decision {
	conclusion := Allow
	for _, r := range results {
		if r.Conclusion == Deny {
			conclusion = Deny
			break
		}
	}
	return &Decision{
		ID:              uuid.NewString(),
		Conclusion:      conclusion,
		Results:         results,
		IP:              ip,
		Characteristics: characteristics,
		Metadata:        opts.Metadata,
	}
}

func (e *Engine) emitDecision(d *Decision) {
	eventType := metrics.EventDecisionAllow
	if d.IsDenied() {
		eventType = metrics.EventDecisionDeny
	}
	e.cfg.Emitter.Emit(metrics.Event{
		Type: eventType, Timestamp: time.Now(), DecisionID: d.ID,
		Payload: map[string]interface{}{"conclusion": string(d.Conclusion), "reason": string(d.Reason().Kind())},
	})
}
