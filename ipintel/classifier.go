package ipintel

import "strings"

// Dictionaries holds curated ASN/organization-name lookups the
// classifier consults alongside whatever the provider itself already
// flagged (§4.5 "VPN/Proxy Classifier": "curated provider dictionaries
// plus weak heuristics").
type Dictionaries struct {
	// VPNOrgs/ProxyOrgs/RelayOrgs/HostingOrgs are matched
	// case-insensitively as substrings of the provider's ASN org name;
	// TorExitASNs is keyed by ASN number.
	VPNOrgs     []string
	ProxyOrgs   []string
	TorExitASNs map[int]bool
	RelayOrgs   []string
	HostingOrgs []string
}

func containsAny(haystack string, needles []string) bool {
	h := strings.ToLower(haystack)
	for _, n := range needles {
		if n == "" {
			continue
		}
		if strings.Contains(h, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

// Classify merges a provider's own flags with Dictionaries matches and
// recomputes Confidence per the conservative model §4.10 step 2 and the
// resolved Open Question adopt: hosting alone never exceeds confidence
// 50 and is, by itself, insufficient for a VPN/proxy verdict.
func Classify(info IPInfo, dict Dictionaries) IPInfo {
	out := info

	if dict.TorExitASNs[info.ASN] {
		out.IsTor = true
	}
	if containsAny(info.ASNName, dict.VPNOrgs) {
		out.IsVPN = true
	}
	if containsAny(info.ASNName, dict.ProxyOrgs) {
		out.IsProxy = true
	}
	if containsAny(info.ASNName, dict.RelayOrgs) {
		out.IsRelay = true
	}
	if info.ASNType == "hosting" || containsAny(info.ASNName, dict.HostingOrgs) {
		out.IsHosting = true
	}

	out.Confidence = computeConfidence(out)
	return out
}

func computeConfidence(info IPInfo) int {
	switch {
	case info.IsTor:
		return 100
	case info.IsVPN, info.IsProxy, info.IsRelay:
		return 90
	case info.IsHosting:
		// Hosting-alone caps at 50: not sufficient, by itself, for a
		// VPN/proxy verdict (§4.10 step 2, resolved Open Question).
		return 50
	default:
		return 0
	}
}

// IsAnonymizing reports whether info's classification crosses the
// threshold a VPN/proxy-blocking policy would act on: any of
// vpn/proxy/tor/relay. Hosting alone never counts.
func IsAnonymizing(info IPInfo) bool {
	return info.IsVPN || info.IsProxy || info.IsTor || info.IsRelay
}
