// Package netutil holds the address and prefix predicates used to scope
// handler responsibility to a set of links.
package netutil

import (
	"fmt"
	"net"

	"inet.af/netaddr"
)

// AddressInPrefixes reports whether addr lies inside any of the prefixes.
// The zero IP is never contained.
func AddressInPrefixes(addr netaddr.IP, prefixes []netaddr.IPPrefix) bool {
	if addr.IsZero() {
		return false
	}
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// PrefixOverlapsPrefixes reports whether prefix shares at least one address
// with any of the prefixes. The zero prefix overlaps nothing.
func PrefixOverlapsPrefixes(prefix netaddr.IPPrefix, prefixes []netaddr.IPPrefix) bool {
	if prefix.IsZero() {
		return false
	}
	for _, p := range prefixes {
		if prefix.Overlaps(p) {
			return true
		}
	}
	return false
}

// FromStdIP converts a net.IP, returning the zero IP for nil or invalid input.
func FromStdIP(ip net.IP) netaddr.IP {
	addr, ok := netaddr.FromStdIP(ip)
	if !ok {
		return netaddr.IP{}
	}
	return addr
}

// FromStdIPNet converts a *net.IPNet, returning the zero prefix for nil or
// invalid input.
func FromStdIPNet(n *net.IPNet) netaddr.IPPrefix {
	if n == nil {
		return netaddr.IPPrefix{}
	}
	p, ok := netaddr.FromStdIPNet(n)
	if !ok {
		return netaddr.IPPrefix{}
	}
	return p
}

// ParsePrefixes parses a list of CIDR strings, e.g. from configuration.
func ParsePrefixes(values []string) ([]netaddr.IPPrefix, error) {
	prefixes := make([]netaddr.IPPrefix, 0, len(values))
	for _, v := range values {
		p, err := netaddr.ParseIPPrefix(v)
		if err != nil {
			return nil, fmt.Errorf("invalid prefix %q: %w", v, err)
		}
		if !p.IP().Is6() {
			return nil, fmt.Errorf("%s is not an IPv6 prefix", p)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}
