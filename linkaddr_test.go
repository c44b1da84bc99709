package caddydhcp6

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"inet.af/netaddr"
)

func TestIsGlobalUnicast(t *testing.T) {
	tests := []struct {
		ip   string
		want bool
	}{
		{"2001:db8::1", true},
		{"fd00::1", true},
		{"::", false},
		{"::1", false},
		{"fe80::1", false},
		{"ff02::1:2", false},
		{"::ffff:192.0.2.1", false},
		{"192.0.2.1", false},
	}
	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.want, isGlobalUnicast(netaddr.MustParseIP(tt.ip)))
		})
	}
}

func addr(t *testing.T, cidr string) netlink.Addr {
	ip, ipnet, err := net.ParseCIDR(cidr)
	require.NoError(t, err)
	ipnet.IP = ip
	return netlink.Addr{IPNet: ipnet}
}

func TestFirstGlobalUnicast(t *testing.T) {
	addrs := []netlink.Addr{
		{},
		addr(t, "fe80::1/64"),
		addr(t, "2001:db8::1/64"),
		addr(t, "2001:db8::2/64"),
	}
	assert.Equal(t, net.ParseIP("2001:db8::1"), firstGlobalUnicast(addrs))
	assert.Nil(t, firstGlobalUnicast(addrs[:2]))
}

func TestLinkTable(t *testing.T) {
	table, err := linkTable([]interfaceAddrs{
		{name: "eth0", index: 2, addrs: []netlink.Addr{addr(t, "fe80::1/64"), addr(t, "2001:db8::1/64")}},
		{name: "eth1", index: 3, addrs: []netlink.Addr{addr(t, "2001:db8:ffff::1/64")}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[int]net.IP{
		2: net.ParseIP("2001:db8::1"),
		3: net.ParseIP("2001:db8:ffff::1"),
	}, table)

	_, err = linkTable([]interfaceAddrs{
		{name: "eth0", index: 2, addrs: []netlink.Addr{addr(t, "2001:db8::1/64")}},
		{name: "lo", index: 1, addrs: []netlink.Addr{addr(t, "::1/128")}},
	})
	assert.ErrorContains(t, err, "no global unicast address found on interface lo")
}

func TestLinkAddressesForInterface(t *testing.T) {
	links := linkAddresses{byIndex: map[int]net.IP{
		2: net.ParseIP("2001:db8::1"),
		3: net.ParseIP("2001:db8:ffff::1"),
	}}
	assert.Equal(t, net.ParseIP("2001:db8::1"), links.forInterface(2))
	assert.Equal(t, net.ParseIP("2001:db8:ffff::1"), links.forInterface(3))
	assert.Nil(t, links.forInterface(4))
	// ambiguous without the arrival interface
	assert.Nil(t, links.forInterface(0))
	assert.Equal(t, "2=2001:db8::1 3=2001:db8:ffff::1", links.String())

	single := linkAddresses{byIndex: map[int]net.IP{2: net.ParseIP("2001:db8::1")}}
	assert.Equal(t, net.ParseIP("2001:db8::1"), single.forInterface(0))

	configured := linkAddresses{configured: net.ParseIP("2001:db8::9")}
	assert.Equal(t, net.ParseIP("2001:db8::9"), configured.forInterface(7))
}

func TestResolveLinkAddresses(t *testing.T) {
	links, err := resolveLinkAddresses("2001:db8::1", []string{"does-not-exist"})
	require.NoError(t, err)
	assert.True(t, links.forInterface(0).Equal(net.ParseIP("2001:db8::1")))

	for _, bad := range []string{"nope", "fe80::1", "192.0.2.1", "ff05::1:3"} {
		_, err := resolveLinkAddresses(bad, nil)
		assert.Error(t, err, bad)
	}

	_, err = resolveLinkAddresses("2001:db8::1", []string{"eth0", "eth1"})
	assert.Error(t, err)

	links, err = resolveLinkAddresses("", []string{""})
	require.NoError(t, err)
	assert.Nil(t, links.forInterface(0))

	_, err = resolveLinkAddresses("", []string{"does-not-exist"})
	assert.Error(t, err)
}
