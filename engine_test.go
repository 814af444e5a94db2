package guardrail

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliadelelroby/guardrail/content"
	"github.com/aliadelelroby/guardrail/resolver"
	"github.com/aliadelelroby/guardrail/storage"
)

func newMemoryStorage(t *testing.T) storage.Storage {
	t.Helper()
	m, err := storage.NewMemory(0, time.Now)
	require.NoError(t, err)
	return m
}

func reqFrom(method, url string, headers map[string]string) Request {
	h := make(map[string][]string, len(headers))
	for k, v := range headers {
		h[k] = []string{v}
	}
	return Request{Method: method, URL: url, Headers: h}
}

// Scenario 1: a sliding-window rule admitting 3 requests per minute, by IP,
// denies the 4th of 4 sequential requests from the same address.
func TestProtect_SlidingWindowDeniesFourthRequest(t *testing.T) {
	engine, err := New(Config{
		Storage: newMemoryStorage(t),
		Rules: []Rule{
			SlidingWindowRule{base: base{By: []string{CharIPSrc}}, Interval: "1m", Max: resolver.Lit(int64(3))},
		},
	})
	require.NoError(t, err)

	req := reqFrom("GET", "/api/widgets", map[string]string{"X-Forwarded-For": "203.0.113.7"})

	for i := 0; i < 3; i++ {
		d, err := engine.Protect(context.Background(), req, RequestOptions{})
		require.NoError(t, err)
		assert.True(t, d.IsAllowed(), "request %d should be allowed", i+1)
	}

	d, err := engine.Protect(context.Background(), req, RequestOptions{})
	require.NoError(t, err)
	assert.True(t, d.IsDenied())
	assert.True(t, d.Reason().IsRateLimit())
}

// Scenario 2: a token-bucket rule keyed by userId, with a request costing
// more tokens than the bucket holds, is denied outright.
func TestProtect_TokenBucketDeniesOversizedRequest(t *testing.T) {
	engine, err := New(Config{
		Storage: newMemoryStorage(t),
		Rules: []Rule{
			TokenBucketRule{
				base:       base{By: []string{CharUserID}},
				Interval:   "1h",
				Capacity:   resolver.Lit(int64(1000)),
				RefillRate: resolver.Lit(int64(100)),
				Requested:  resolver.Lit(int64(0)), // driven by opts.Requested below
			},
		},
	})
	require.NoError(t, err)

	req := reqFrom("POST", "/api/jobs", nil)
	d, err := engine.Protect(context.Background(), req, RequestOptions{UserID: "user-42", Requested: 2000})
	require.NoError(t, err)
	assert.True(t, d.IsDenied())
	assert.True(t, d.Reason().IsQuota())
}

// Scenario 3: a Shield rule configured for SQL injection denies a GET
// request whose query string carries an injection payload.
func TestProtect_ShieldDeniesSQLInjectionQuery(t *testing.T) {
	engine, err := New(Config{
		Storage: newMemoryStorage(t),
		Rules: []Rule{
			ShieldRule{base: base{}, Categories: []content.Category{content.CategorySQLInjection}},
		},
	})
	require.NoError(t, err)

	req := reqFrom("GET", "/search?q=SELECT+*+FROM+users", nil)
	d, err := engine.Protect(context.Background(), req, RequestOptions{})
	require.NoError(t, err)
	assert.True(t, d.IsDenied())
	assert.True(t, d.Reason().IsShield())
}

// The bare shield() shorthand (no Categories configured) must still deny
// the same SQL-injection query as the explicit-category config above,
// since ShieldConfig.enabled() defaults an empty category list to the
// full implemented pattern set rather than to "nothing enabled".
func TestProtect_ShieldShorthandDeniesSQLInjectionQuery(t *testing.T) {
	engine, err := New(Config{
		Storage: newMemoryStorage(t),
		Rules:   []Rule{ShieldRule{}},
	})
	require.NoError(t, err)

	req := reqFrom("GET", "/search?q=SELECT+*+FROM+users", nil)
	d, err := engine.Protect(context.Background(), req, RequestOptions{})
	require.NoError(t, err)
	assert.True(t, d.IsDenied())
	assert.True(t, d.Reason().IsShield())
}

// Scenario 4: a Filter rule denying any request whose IP country is not US
// behaves differently under LIVE and DRY_RUN.
func TestProtect_FilterDeniesNonUSCountryLiveButNotDryRun(t *testing.T) {
	liveEngine, err := New(Config{
		Storage: newMemoryStorage(t),
		Rules: []Rule{
			FilterRule{base: base{}, Deny: []string{`ip.src.country ne "US"`}},
		},
	})
	require.NoError(t, err)

	req := reqFrom("GET", "/", nil)
	d, err := liveEngine.Protect(context.Background(), req, RequestOptions{})
	require.NoError(t, err)
	// With no IPService configured, ip.src.country flattens to "" which is
	// not "US", so the deny expression is truthy and the rule denies.
	assert.True(t, d.IsDenied())
	assert.True(t, d.Reason().IsFilter())

	dryRunEngine, err := New(Config{
		Storage: newMemoryStorage(t),
		Rules: []Rule{
			FilterRule{base: base{Mode: DryRun}, Deny: []string{`ip.src.country ne "US"`}},
		},
	})
	require.NoError(t, err)
	d2, err := dryRunEngine.Protect(context.Background(), req, RequestOptions{})
	require.NoError(t, err)
	assert.True(t, d2.IsAllowed(), "DRY_RUN must never deny the overall decision")
	assert.Equal(t, Deny, d2.Results[0].Conclusion, "the underlying rule result still reports its true outcome")
}

// Scenario 5: a bot rule and a sliding-window rule both configured in
// DRY_RUN allow the request even though both would individually deny it.
func TestProtect_DryRunBotAndRateLimitBothTransparent(t *testing.T) {
	engine, err := New(Config{
		Storage: newMemoryStorage(t),
		Rules: []Rule{
			BotRule{base: base{Mode: DryRun}, Block: []string{"googlebot"}},
			SlidingWindowRule{base: base{Mode: DryRun}, Interval: "1m", Max: resolver.Lit(int64(0))},
		},
	})
	require.NoError(t, err)

	req := reqFrom("GET", "/", map[string]string{"User-Agent": "Googlebot/2.1"})
	d, err := engine.Protect(context.Background(), req, RequestOptions{})
	require.NoError(t, err)
	assert.True(t, d.IsAllowed())
	assert.Len(t, d.Results, 2)
	assert.Equal(t, Deny, d.Results[0].Conclusion)
	assert.Equal(t, Deny, d.Results[1].Conclusion)
}

// Scenario 6: an email rule configured for disposable-domain detection
// denies a request whose email belongs to a known disposable domain.
func TestProtect_EmailRuleDeniesDisposableDomain(t *testing.T) {
	engine, err := New(Config{
		Storage: newMemoryStorage(t),
		Rules: []Rule{
			EmailRule{
				base:              base{},
				Reasons:           []content.EmailReason{content.ReasonDisposable},
				DisposableDomains: map[string]bool{"mailinator.com": true},
			},
		},
	})
	require.NoError(t, err)

	req := reqFrom("POST", "/signup", nil)
	d, err := engine.Protect(context.Background(), req, RequestOptions{Email: "throwaway@mailinator.com"})
	require.NoError(t, err)
	assert.True(t, d.IsDenied())
	assert.True(t, d.Reason().IsEmail())
}

func TestNew_RejectsMissingStorage(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	var cfgErr *ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNew_RejectsInvalidInterval(t *testing.T) {
	_, err := New(Config{
		Storage: newMemoryStorage(t),
		Rules:   []Rule{SlidingWindowRule{Interval: "not-an-interval", Max: resolver.Lit(int64(1))}},
	})
	require.Error(t, err)
}

func TestResolveRules_MethodBeatsModuleBeatsPreset(t *testing.T) {
	methodRules := []Rule{BotRule{}}
	moduleRules := []Rule{ShieldRule{}}

	assert.Equal(t, methodRules, ResolveRules(methodRules, moduleRules, PresetAPI))
	assert.Equal(t, moduleRules, ResolveRules(nil, moduleRules, PresetAPI))
	assert.Equal(t, Preset(PresetAPI), ResolveRules(nil, nil, PresetAPI))
	assert.Nil(t, ResolveRules(nil, nil, ""))
}

func TestProtect_WhitelistShortCircuitsRuleEvaluation(t *testing.T) {
	engine, err := New(Config{
		Storage:   newMemoryStorage(t),
		Rules:     []Rule{SlidingWindowRule{Interval: "1m", Max: resolver.Lit(int64(0))}},
		Whitelist: []ListRule{{IP: []string{"203.0.113.9"}}},
	})
	require.NoError(t, err)

	req := reqFrom("GET", "/", map[string]string{"X-Forwarded-For": "203.0.113.9"})
	d, err := engine.Protect(context.Background(), req, RequestOptions{})
	require.NoError(t, err)
	assert.True(t, d.IsAllowed())
	assert.Empty(t, d.Results, "whitelisted requests skip rule evaluation entirely")
}

func TestProtect_BlacklistDeniesWithoutRunningRules(t *testing.T) {
	engine, err := New(Config{
		Storage:   newMemoryStorage(t),
		Rules:     []Rule{SlidingWindowRule{Interval: "1m", Max: resolver.Lit(int64(1000))}},
		Blacklist: []ListRule{{IP: []string{"198.51.100.1"}}},
	})
	require.NoError(t, err)

	req := reqFrom("GET", "/", map[string]string{"X-Forwarded-For": "198.51.100.1"})
	d, err := engine.Protect(context.Background(), req, RequestOptions{})
	require.NoError(t, err)
	assert.True(t, d.IsDenied())
}

func TestProtect_ShortCircuitStopsAtFirstDeny(t *testing.T) {
	engine, err := New(Config{
		Storage:            newMemoryStorage(t),
		EvaluationStrategy: ShortCircuit,
		Rules: []Rule{
			SlidingWindowRule{base: base{By: []string{CharIPSrc}}, Interval: "1m", Max: resolver.Lit(int64(0))},
			BotRule{Block: []string{"whatever"}},
		},
	})
	require.NoError(t, err)

	req := reqFrom("GET", "/", map[string]string{"X-Forwarded-For": "1.2.3.4"})
	d, err := engine.Protect(context.Background(), req, RequestOptions{})
	require.NoError(t, err)
	assert.True(t, d.IsDenied())
	assert.Len(t, d.Results, 1, "evaluation must stop at the first denying rule")
}

func TestDecision_Explain(t *testing.T) {
	engine, err := New(Config{
		Storage: newMemoryStorage(t),
		Rules:   []Rule{SlidingWindowRule{Interval: "1m", Max: resolver.Lit(int64(0))}},
	})
	require.NoError(t, err)

	req := reqFrom("GET", "/", nil)
	d, err := engine.Protect(context.Background(), req, RequestOptions{})
	require.NoError(t, err)

	explain := d.Explain()
	assert.Contains(t, explain, "DENY")
	assert.Contains(t, explain, "RATE_LIMIT")
}
