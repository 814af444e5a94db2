package guardrail

import (
	"time"

	"github.com/aliadelelroby/guardrail/content"
	"github.com/aliadelelroby/guardrail/resolver"
)

// Preset names (§2 GLOSSARY: "a named, pre-built list of rules
// representing a policy"). spec.md names the set without enumerating
// contents; SPEC_FULL.md fixes concrete defaults here since an engine
// that references presets by name must ship them.
const (
	PresetAPI         = "api"
	PresetWeb         = "web"
	PresetStrict      = "strict"
	PresetAI          = "ai"
	PresetPayment     = "payment"
	PresetAuth        = "auth"
	PresetDevelopment = "development"
)

// Preset returns the rule list a named preset expands to, or nil for an
// unrecognized name (callers should treat that as a configuration
// error — New does, in Config.validate).
func Preset(name string) []Rule {
	switch name {
	case PresetAPI:
		return []Rule{
			SlidingWindowRule{base: base{By: []string{CharIPSrc}}, Interval: "1m", Max: resolver.Lit(int64(300))},
			SlidingWindowRule{base: base{By: []string{CharUserID}}, Interval: "1m", Max: resolver.Lit(int64(600))},
		}

	case PresetWeb:
		return []Rule{
			SlidingWindowRule{base: base{By: []string{CharIPSrc}}, Interval: "1m", Max: resolver.Lit(int64(120))},
			BotRule{base: base{}, Block: defaultBlockedBots},
		}

	case PresetStrict:
		return []Rule{
			SlidingWindowRule{base: base{By: []string{CharIPSrc}}, Interval: "1m", Max: resolver.Lit(int64(30))},
			ShieldRule{base: base{}, Categories: []content.Category{
				content.CategorySQLInjection, content.CategoryXSS, content.CategoryCommandInjection,
				content.CategoryPathTraversal, content.CategoryLDAPInjection, content.CategoryXXE,
				content.CategoryHeaderInjection, content.CategoryLogInjection,
			}},
			BotRule{base: base{}, Block: defaultBlockedBots},
		}

	case PresetAI:
		return []Rule{
			TokenBucketRule{base: base{By: []string{CharUserID}}, Interval: "1h", Capacity: resolver.Lit(int64(100000)), RefillRate: resolver.Lit(int64(20000))},
			SlidingWindowRule{base: base{By: []string{CharIPSrc}}, Interval: "1m", Max: resolver.Lit(int64(20))},
		}

	case PresetPayment:
		return []Rule{
			SlidingWindowRule{base: base{By: []string{CharIPSrc}}, Interval: "1m", Max: resolver.Lit(int64(10))},
			SlidingWindowRule{base: base{By: []string{CharUserID}}, Interval: "1h", Max: resolver.Lit(int64(50))},
			ShieldRule{base: base{}, Categories: []content.Category{content.CategorySQLInjection, content.CategoryXSS, content.CategoryCommandInjection}},
		}

	case PresetAuth:
		return []Rule{
			SlidingWindowRule{base: base{By: []string{CharIPSrc}}, Interval: "15m", Max: resolver.Lit(int64(10))},
			SlidingWindowRule{base: base{By: []string{CharUserID}}, Interval: "15m", Max: resolver.Lit(int64(5))},
			EmailRule{base: base{}, Reasons: []content.EmailReason{content.ReasonDisposable, content.ReasonInvalid}},
		}

	case PresetDevelopment:
		return []Rule{
			SlidingWindowRule{base: base{By: []string{CharIPSrc}, Mode: DryRun}, Interval: "1m", Max: resolver.Lit(int64(1000))},
		}

	default:
		return nil
	}
}

// defaultBlockedBots is a small curated list of known scraper/bot user
// agents blocked by the web/strict presets (§4.5).
var defaultBlockedBots = []string{
	"ahrefsbot", "semrushbot", "mj12bot", "dotbot", "petalbot",
}

// DefaultFreeEmailDomains, DefaultDisposableEmailDomains, and
// DefaultRoleLocalParts are small curated seed dictionaries a caller can
// pass to EmailRule; they are not exhaustive and are meant as a starting
// point, consistent with the spec's "curated dictionaries" language for
// the analogous VPN/Proxy classifier (§4.5/§4.10 step 2).
var (
	DefaultFreeEmailDomains = map[string]bool{
		"gmail.com": true, "yahoo.com": true, "hotmail.com": true, "outlook.com": true,
	}
	DefaultDisposableEmailDomains = map[string]bool{
		"10minutemail.com": true, "mailinator.com": true, "guerrillamail.com": true, "tempmail.com": true,
	}
	DefaultRoleLocalParts = map[string]bool{
		"admin": true, "support": true, "info": true, "noreply": true, "no-reply": true, "sales": true,
	}
)

// defaultResolverTimeout matches content.NewResolver's own default but is
// named here for presets that want to build a Resolver without importing
// content directly.
const defaultResolverTimeout = 3 * time.Second
