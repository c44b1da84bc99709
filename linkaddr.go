package caddydhcp6

import (
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/vishvananda/netlink"
	"inet.af/netaddr"
)

// linkAddresses identifies the link of clients that talk to a server
// directly, per interface the request arrived on.
type linkAddresses struct {
	// configured applies to every request; only allowed with at most one
	// interface.
	configured net.IP
	byIndex    map[int]net.IP
}

// forInterface returns the link address for requests received on the
// interface with index ifIndex, or nil when the link is unknown. An unknown
// arrival interface (0) maps to the only interface when there is just one.
func (l linkAddresses) forInterface(ifIndex int) net.IP {
	if l.configured != nil {
		return l.configured
	}
	if ifIndex == 0 && len(l.byIndex) == 1 {
		for _, ip := range l.byIndex {
			return ip
		}
	}
	return l.byIndex[ifIndex]
}

func (l linkAddresses) String() string {
	if l.configured != nil {
		return l.configured.String()
	}
	indexes := make([]int, 0, len(l.byIndex))
	for index := range l.byIndex {
		indexes = append(indexes, index)
	}
	slices.Sort(indexes)
	parts := make([]string, 0, len(indexes))
	for _, index := range indexes {
		parts = append(parts, fmt.Sprintf("%d=%s", index, l.byIndex[index]))
	}
	return strings.Join(parts, " ")
}

// interfaceAddrs are the IPv6 addresses found on one interface.
type interfaceAddrs struct {
	name  string
	index int
	addrs []netlink.Addr
}

// resolveLinkAddresses determines the link address of every interface. A
// configured address wins; otherwise each listed interface must carry a
// global unicast address. Servers not bound to specific interfaces only
// serve relayed clients link-scoped answers, so they get no link addresses.
func resolveLinkAddresses(configured string, interfaces []string) (linkAddresses, error) {
	var names []string
	for _, name := range interfaces {
		if name != "" {
			names = append(names, name)
		}
	}

	if configured != "" {
		if len(names) > 1 {
			return linkAddresses{}, fmt.Errorf("a link address cannot be shared by interfaces %v", names)
		}
		ip, err := netaddr.ParseIP(configured)
		if err != nil {
			return linkAddresses{}, fmt.Errorf("invalid link address: %w", err)
		}
		if !isGlobalUnicast(ip) {
			return linkAddresses{}, fmt.Errorf("link address %s is not a global unicast IPv6 address", ip)
		}
		return linkAddresses{configured: ip.IPAddr().IP}, nil
	}

	var found []interfaceAddrs
	for _, name := range names {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return linkAddresses{}, fmt.Errorf("failed to find interface %s: %w", name, err)
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_V6)
		if err != nil {
			return linkAddresses{}, fmt.Errorf("failed to list addresses of %s: %w", name, err)
		}
		found = append(found, interfaceAddrs{name: name, index: link.Attrs().Index, addrs: addrs})
	}
	byIndex, err := linkTable(found)
	if err != nil {
		return linkAddresses{}, err
	}
	return linkAddresses{byIndex: byIndex}, nil
}

// linkTable picks the first global unicast address of every interface.
func linkTable(interfaces []interfaceAddrs) (map[int]net.IP, error) {
	table := make(map[int]net.IP, len(interfaces))
	for _, ifi := range interfaces {
		ip := firstGlobalUnicast(ifi.addrs)
		if ip == nil {
			return nil, fmt.Errorf("no global unicast address found on interface %s", ifi.name)
		}
		table[ifi.index] = ip
	}
	return table, nil
}

func firstGlobalUnicast(addrs []netlink.Addr) net.IP {
	for _, addr := range addrs {
		if addr.IPNet == nil {
			continue
		}
		ip, ok := netaddr.FromStdIP(addr.IP)
		if ok && isGlobalUnicast(ip) {
			return addr.IP
		}
	}
	return nil
}

// isGlobalUnicast follows RFC 4291 §2.4: everything that is not unspecified,
// loopback, multicast or link-local.
func isGlobalUnicast(ip netaddr.IP) bool {
	return ip.Is6() && !ip.Is4in6() &&
		!ip.IsUnspecified() &&
		!ip.IsLoopback() &&
		!ip.IsMulticast() &&
		!ip.IsLinkLocalUnicast()
}
