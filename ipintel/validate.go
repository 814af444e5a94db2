package ipintel

import "net"

// IsLookupable reports whether ip is eligible for a provider lookup at
// all. Private, reserved, loopback, multicast, link-local, ULA, and
// IPv4-mapped-private-IPv6 addresses are rejected up front and never
// leave the process (§4.9 step 1, §7 "IP validation").
func IsLookupable(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		return isPublicV4(v4)
	}
	return isPublicV6(ip)
}

func isPublicV4(ip net.IP) bool {
	switch {
	case ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsMulticast(),
		ip.IsUnspecified():
		return false
	}
	// 100.64.0.0/10 carrier-grade NAT, 192.0.0.0/24 IETF protocol
	// assignments, 198.18.0.0/15 benchmarking — reserved ranges not
	// covered by the stdlib predicates above.
	for _, cidr := range reservedV4 {
		if cidr.Contains(ip) {
			return false
		}
	}
	return true
}

func isPublicV6(ip net.IP) bool {
	switch {
	case ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsMulticast(),
		ip.IsUnspecified():
		return false
	}
	if v4 := ip.To4(); v4 != nil {
		// IPv4-mapped IPv6 (::ffff:a.b.c.d): apply the v4 policy.
		return isPublicV4(v4)
	}
	return true
}

var reservedV4 = mustParseCIDRs(
	"100.64.0.0/10",
	"192.0.0.0/24",
	"198.18.0.0/15",
	"192.0.2.0/24",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"240.0.0.0/4",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}
