package auth

import (
	"net/netip"
	"strings"
)

// ipAllowed reports whether caller matches any literal or CIDR entry.
// Entries that do not parse are skipped. CIDRs are non-strict: host bits
// in the entry are masked off.
func ipAllowed(allowed []string, caller string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(caller))
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			if prefix.Masked().Contains(addr) {
				return true
			}
			continue
		}
		lit, err := netip.ParseAddr(entry)
		if err != nil {
			continue
		}
		if lit.Unmap() == addr {
			return true
		}
	}
	return false
}

// ValidIPOrCIDR reports whether s is a literal IP or a CIDR prefix.
func ValidIPOrCIDR(s string) bool {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, err := netip.ParsePrefix(s)
		return err == nil
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}
