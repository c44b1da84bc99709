// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package fixedduid

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"inet.af/netaddr"
)

// Assignment is the static address and prefix of one client.
// Both are optional and independent of each other: the zero IP means no
// address is assigned, the zero prefix means no prefix is delegated.
type Assignment struct {
	Address netaddr.IP
	Prefix  netaddr.IPPrefix
}

// HasAddress reports whether the client is assigned an address.
func (a Assignment) HasAddress() bool {
	return !a.Address.IsZero()
}

// HasPrefix reports whether the client is delegated a prefix.
func (a Assignment) HasPrefix() bool {
	return !a.Prefix.IsZero()
}

// AssignmentConfig is the JSON form of an Assignment.
type AssignmentConfig struct {
	Address string `json:"address,omitempty"`
	Prefix  string `json:"prefix,omitempty"`
}

// Table maps hex encoded DUIDs to assignments.
// A Table is never modified once it is in use; refreshes build a new one.
type Table map[string]Assignment

// Lookup returns the assignment for duid. Unknown clients get the empty
// assignment, which grants nothing.
func (t Table) Lookup(duid dhcpv6.DUID) Assignment {
	if duid == nil {
		return Assignment{}
	}
	return t[DUIDKey(duid)]
}

// DUIDKey is the table key of a DUID: its wire format in lowercase hex.
func DUIDKey(duid dhcpv6.DUID) string {
	return hex.EncodeToString(duid.ToBytes())
}

// normalizeDUID accepts hex with or without ':' or '-' separators.
func normalizeDUID(s string) (string, error) {
	s = strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s)))
	if s == "" {
		return "", fmt.Errorf("empty DUID")
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("malformed DUID %q: %w", s, err)
	}
	return s, nil
}

// parseAssignment parses an address and a prefix, either of which may be
// empty or "-" to leave it out.
func parseAssignment(address, prefix string) (Assignment, error) {
	var a Assignment
	if address = strings.TrimSpace(address); address != "" && address != "-" {
		ip, err := netaddr.ParseIP(address)
		if err != nil {
			return a, fmt.Errorf("invalid address %q: %w", address, err)
		}
		if !ip.Is6() || ip.Is4in6() {
			return a, fmt.Errorf("%s is not an IPv6 address", ip)
		}
		a.Address = ip
	}
	if prefix = strings.TrimSpace(prefix); prefix != "" && prefix != "-" {
		p, err := netaddr.ParseIPPrefix(prefix)
		if err != nil {
			return a, fmt.Errorf("invalid prefix %q: %w", prefix, err)
		}
		if !p.IP().Is6() {
			return a, fmt.Errorf("%s is not an IPv6 prefix", p)
		}
		a.Prefix = p.Masked()
	}
	return a, nil
}

// parseAssignments converts the inline JSON assignments into a Table.
func parseAssignments(configs map[string]AssignmentConfig) (Table, error) {
	table := make(Table, len(configs))
	for duid, c := range configs {
		key, err := normalizeDUID(duid)
		if err != nil {
			return nil, err
		}
		a, err := parseAssignment(c.Address, c.Prefix)
		if err != nil {
			return nil, fmt.Errorf("assignment for %s: %w", key, err)
		}
		table[key] = a
	}
	return table, nil
}

// merge returns a new table with the entries of all tables, later ones
// taking precedence.
func merge(tables ...Table) Table {
	merged := make(Table)
	for _, t := range tables {
		for k, v := range t {
			merged[k] = v
		}
	}
	return merged
}
