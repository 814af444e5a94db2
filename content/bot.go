package content

import "strings"

// BotPolicyConfig configures bot detection (§4.5). AllowConfigured
// records whether Allow was present in the rule config at all: an
// explicitly empty Allow list blocks every UA outright, which is not
// the same as Allow being unset.
type BotPolicyConfig struct {
	AllowConfigured bool
	Allow           []string
	Block           []string
}

// DetectBot reports whether userAgent should be denied under cfg's
// policy (§4.5): an explicitly empty Allow list denies everything;
// otherwise a Block match denies, and anything else — including an
// unrecognized UA — is allowed.
func DetectBot(userAgent string, cfg BotPolicyConfig) bool {
	if cfg.AllowConfigured && len(cfg.Allow) == 0 {
		return true
	}

	ua := strings.ToLower(strings.TrimSpace(userAgent))
	for _, blocked := range cfg.Block {
		if matchesUA(ua, blocked) {
			return true
		}
	}
	return false
}

func matchesUA(ua, pattern string) bool {
	return strings.Contains(ua, strings.ToLower(strings.TrimSpace(pattern)))
}
