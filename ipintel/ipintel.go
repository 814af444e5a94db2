// Package ipintel implements IP Intelligence (C4) and the VPN/Proxy
// Classifier (C5): SSRF-safe address validation, multi-provider
// geolocation lookup with health tracking and layered caching, and
// confidence-scored network classification.
package ipintel

// IPInfo is the geolocation and network classification record §3
// defines. Every field is optional; absence is first-class (a zero
// IPInfo is a valid "nothing known" result, not an error).
type IPInfo struct {
	Country     string
	CountryName string
	Region      string
	City        string
	Continent   string
	Lat         float64
	Lon         float64
	Timezone    string
	Postal      string

	ASN       int
	ASNName   string
	ASNDomain string
	ASNType   string // isp | hosting | business | education

	IsVPN     bool
	IsProxy   bool
	IsHosting bool
	IsRelay   bool
	IsTor     bool

	// Confidence is the classifier's 0-100 confidence in the VPN/Proxy
	// verdict (§4.10 step 2: "hosting alone caps at confidence 50").
	Confidence int
}

// Flatten produces the dotted-name namespace the filter expression
// language binds IP fields under (§4.7: "ip.src.country",
// "ip.src.vpn", ...), rooted at the given prefix (typically "ip.src").
func (info IPInfo) Flatten(prefix string) map[string]interface{} {
	return map[string]interface{}{
		prefix + ".country":    info.Country,
		prefix + ".region":     info.Region,
		prefix + ".city":       info.City,
		prefix + ".continent":  info.Continent,
		prefix + ".timezone":   info.Timezone,
		prefix + ".postal":     info.Postal,
		prefix + ".asn":        info.ASN,
		prefix + ".asnName":    info.ASNName,
		prefix + ".asnType":    info.ASNType,
		prefix + ".vpn":        info.IsVPN,
		prefix + ".proxy":      info.IsProxy,
		prefix + ".hosting":    info.IsHosting,
		prefix + ".relay":      info.IsRelay,
		prefix + ".tor":        info.IsTor,
		prefix + ".confidence": info.Confidence,
	}
}
