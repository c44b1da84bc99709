// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package fixedduid

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
	"go.uber.org/zap"
	"inet.af/netaddr"

	"github.com/lion7/caddydhcp6/bundle"
	"github.com/lion7/caddydhcp6/handlers"
	"github.com/lion7/caddydhcp6/netutil"
)

const (
	defaultPreferredLifetime = time.Hour
	defaultValidLifetime     = 2 * time.Hour
)

// CaddyModule returns the Caddy module information.
func (Module) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "dhcp6.handlers.fixedduid",
		New: func() caddy.Module { return new(Module) },
	}
}

// Module hands out a fixed address and/or delegated prefix per client DUID.
//
// Assignments come from up to three sources, merged in this order with later
// sources overriding earlier ones: the inline 'assignments', the SQLite
// 'database' and the 'filename'. The file is either YAML or plain text:
//
//	$ cat assignments.txt
//	00030001001122334455 2001:db8::5 2001:db8:1:100::/56
//	00030001aabbccddeeff 2001:db8::6 -
//	000100012a2b2c2d001122334466 - 2001:db8:1:200::/56
//
// When 'autoRefresh' is true the file is reloaded whenever it changes.
//
// Addresses are only handed out on links listed in 'responsibleFor'; prefixes
// are delegated regardless of the link.
type Module struct {
	Assignments    map[string]AssignmentConfig `json:"assignments,omitempty"`
	Filename       string                      `json:"filename,omitempty"`
	Database       string                      `json:"database,omitempty"`
	AutoRefresh    bool                        `json:"autoRefresh,omitempty"`
	ResponsibleFor []string                    `json:"responsibleFor,omitempty"`

	AddressPreferredLifetime caddy.Duration `json:"addressPreferredLifetime,omitempty"`
	AddressValidLifetime     caddy.Duration `json:"addressValidLifetime,omitempty"`
	PrefixPreferredLifetime  caddy.Duration `json:"prefixPreferredLifetime,omitempty"`
	PrefixValidLifetime      caddy.Duration `json:"prefixValidLifetime,omitempty"`

	logger    *zap.Logger
	links     []netaddr.IPPrefix
	lifetimes Lifetimes
	base      Table
	table     *atomic.Pointer[Table]
	watcher   *fsnotify.Watcher
}

// Lifetimes are the lifetimes put into assigned addresses and prefixes.
type Lifetimes struct {
	AddressPreferred time.Duration
	AddressValid     time.Duration
	PrefixPreferred  time.Duration
	PrefixValid      time.Duration
}

// New returns a ready to use handler serving table on the given links.
func New(table Table, links []netaddr.IPPrefix, lifetimes Lifetimes, logger *zap.Logger) *Module {
	m := &Module{
		logger:    logger,
		links:     links,
		lifetimes: lifetimes,
		base:      table,
		table:     &atomic.Pointer[Table]{},
	}
	m.table.Store(&table)
	return m
}

func (m *Module) Provision(ctx caddy.Context) error {
	var err error
	m.logger = ctx.Logger()
	m.table = &atomic.Pointer[Table]{}

	if m.links, err = netutil.ParsePrefixes(m.ResponsibleFor); err != nil {
		return fmt.Errorf("invalid responsibleFor: %w", err)
	}
	m.lifetimes = Lifetimes{
		AddressPreferred: durationOr(m.AddressPreferredLifetime, defaultPreferredLifetime),
		AddressValid:     durationOr(m.AddressValidLifetime, defaultValidLifetime),
		PrefixPreferred:  durationOr(m.PrefixPreferredLifetime, defaultPreferredLifetime),
		PrefixValid:      durationOr(m.PrefixValidLifetime, defaultValidLifetime),
	}
	if m.lifetimes.AddressPreferred > m.lifetimes.AddressValid || m.lifetimes.PrefixPreferred > m.lifetimes.PrefixValid {
		return fmt.Errorf("preferred lifetime must not exceed valid lifetime")
	}

	inline, err := parseAssignments(m.Assignments)
	if err != nil {
		return err
	}
	m.base = inline
	if m.Database != "" {
		fromDB, err := loadDatabase(m.Database)
		if err != nil {
			return fmt.Errorf("failed to load assignments database %s: %w", m.Database, err)
		}
		m.base = merge(inline, fromDB)
	}

	switch {
	case m.Filename != "" && m.AutoRefresh:
		return m.watch()
	case m.Filename != "":
		return m.reload()
	default:
		m.table.Store(&m.base)
		m.logger.Info(fmt.Sprintf("loaded %d assignments", len(m.base)))
		return nil
	}
}

// Cleanup stops watching the assignments file.
func (m *Module) Cleanup() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func durationOr(d caddy.Duration, def time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

func (m *Module) Handle6(b *bundle.Bundle) error {
	switch b.Kind() {
	case bundle.Solicit, bundle.Request:
		return m.handleRequest(b)
	case bundle.Confirm:
		return m.handleConfirm(b)
	case bundle.Renew, bundle.Rebind:
		m.handleRenew(b)
	case bundle.Release, bundle.Decline:
		m.handleRelease(b)
	case bundle.InformationRequest:
		// carries no IAs
	}
	return nil
}

func (m *Module) lookup(duid dhcpv6.DUID) Assignment {
	return (*m.table.Load()).Lookup(duid)
}

// responsibleForLink reports whether the link the request came from is one
// of ours. Without any link information the handler cannot decide and fails.
func (m *Module) responsibleForLink(b *bundle.Bundle) (bool, error) {
	linkAddr, err := b.LinkAddress()
	if err != nil {
		return false, fmt.Errorf("cannot determine link of %s: %w", b.Kind(), err)
	}
	if !netutil.AddressInPrefixes(netutil.FromStdIP(linkAddr), m.links) {
		m.logger.Debug("not responsible for link", zap.Stringer("link", linkAddr))
		return false, nil
	}
	return true, nil
}

// handleRequest assigns to Solicit and Request messages. The delegated prefix
// does not depend on the link the client is on, the address does.
func (m *Module) handleRequest(b *bundle.Bundle) error {
	duid := b.ClientID()
	assignment := m.lookup(duid)

	if assignment.HasPrefix() {
		if pd := findIAPD(b.UnansweredIAPD(), assignment.Prefix); pd != nil {
			m.logger.Info("delegating prefix", zap.Stringer("duid", duid), zap.Stringer("prefix", assignment.Prefix))
			b.AppendReplyOption(&dhcpv6.OptIAPD{
				IaId:    pd.IaId,
				Options: dhcpv6.PDOptions{Options: dhcpv6.Options{m.prefixOption(assignment.Prefix)}},
			})
			b.MarkHandled(pd)
		}
	}

	responsible, err := m.responsibleForLink(b)
	if err != nil || !responsible {
		return err
	}

	if assignment.HasAddress() {
		if na := findIANA(b.UnansweredIANA(), assignment.Address); na != nil {
			m.logger.Info("assigning address", zap.Stringer("duid", duid), zap.Stringer("ip", assignment.Address))
			b.AppendReplyOption(&dhcpv6.OptIANA{
				IaId:    na.IaId,
				Options: dhcpv6.IdentityOptions{Options: dhcpv6.Options{m.addressOption(assignment.Address)}},
			})
			b.MarkHandled(na)
		}
	}
	return nil
}

// handleConfirm checks the addresses a client believes it may still use.
// Confirming the assigned address marks its IA_NA. Any other address on one
// of our links is refused for the whole message, and the first refusal ends
// the check.
func (m *Module) handleConfirm(b *bundle.Bundle) error {
	responsible, err := m.responsibleForLink(b)
	if err != nil || !responsible {
		return err
	}

	duid := b.ClientID()
	assignment := m.lookup(duid)
	for _, na := range b.UnansweredIANA() {
		for _, sub := range na.Options.Addresses() {
			addr := netutil.FromStdIP(sub.IPv6Addr)
			if assignment.HasAddress() && addr == assignment.Address {
				m.logger.Debug("address confirmed", zap.Stringer("duid", duid), zap.Stringer("ip", addr))
				b.MarkHandled(na)
				continue
			}
			if netutil.AddressInPrefixes(addr, m.links) {
				m.logger.Info("address not assigned to client", zap.Stringer("duid", duid), zap.Stringer("ip", addr))
				b.ForceStatus(iana.StatusNotOnLink, fmt.Sprintf("%s is not assigned to you", addr))
				b.MarkHandled(na)
				return nil
			}
		}
	}
	return nil
}

// handleRenew extends what the client still has from us and withdraws
// everything else it holds within our responsibility.
func (m *Module) handleRenew(b *bundle.Bundle) {
	duid := b.ClientID()
	assignment := m.lookup(duid)

	if assignment.HasPrefix() {
		for _, pd := range b.UnansweredIAPD() {
			if !netutil.PrefixOverlapsPrefixes(assignment.Prefix, prefixesOf(pd)) {
				continue
			}
			reply := &dhcpv6.OptIAPD{IaId: pd.IaId}
			for _, sub := range pd.Options.Prefixes() {
				if sub.Prefix != nil && netutil.FromStdIPNet(sub.Prefix).Masked() == assignment.Prefix {
					reply.Options.Add(m.prefixOption(assignment.Prefix))
					continue
				}
				reply.Options.Add(&dhcpv6.OptIAPrefix{Prefix: dup(sub.Prefix)})
			}
			m.logger.Info("renewing prefix", zap.Stringer("duid", duid), zap.Stringer("prefix", assignment.Prefix))
			b.AppendReplyOption(reply)
			b.MarkHandled(pd)
		}
	}

	for _, na := range b.UnansweredIANA() {
		if !anyAddressIn(na, m.links) {
			continue
		}
		reply := &dhcpv6.OptIANA{IaId: na.IaId}
		for _, sub := range na.Options.Addresses() {
			addr := netutil.FromStdIP(sub.IPv6Addr)
			if assignment.HasAddress() && addr == assignment.Address {
				reply.Options.Add(m.addressOption(assignment.Address))
				continue
			}
			m.logger.Info("withdrawing address", zap.Stringer("duid", duid), zap.Stringer("ip", addr))
			reply.Options.Add(&dhcpv6.OptIAAddress{IPv6Addr: addr.IPAddr().IP})
		}
		b.AppendReplyOption(reply)
		b.MarkHandled(na)
	}
}

// handleRelease marks what the client gives back within our responsibility.
// Fixed assignments keep no state, so there is nothing to free and they are
// handed out again on the next Request.
func (m *Module) handleRelease(b *bundle.Bundle) {
	duid := b.ClientID()
	assignment := m.lookup(duid)

	for _, pd := range b.UnansweredIAPD() {
		if netutil.PrefixOverlapsPrefixes(assignment.Prefix, prefixesOf(pd)) {
			m.logger.Info("prefix released", zap.Stringer("duid", duid), zap.Stringer("kind", b.Kind()))
			b.MarkHandled(pd)
		}
	}
	for _, na := range b.UnansweredIANA() {
		if anyAddressIn(na, m.links) {
			m.logger.Info("address released", zap.Stringer("duid", duid), zap.Stringer("kind", b.Kind()))
			b.MarkHandled(na)
		}
	}
}

func (m *Module) addressOption(addr netaddr.IP) *dhcpv6.OptIAAddress {
	return &dhcpv6.OptIAAddress{
		IPv6Addr:          addr.IPAddr().IP,
		PreferredLifetime: m.lifetimes.AddressPreferred,
		ValidLifetime:     m.lifetimes.AddressValid,
	}
}

func (m *Module) prefixOption(prefix netaddr.IPPrefix) *dhcpv6.OptIAPrefix {
	return &dhcpv6.OptIAPrefix{
		Prefix:            prefix.IPNet(),
		PreferredLifetime: m.lifetimes.PrefixPreferred,
		ValidLifetime:     m.lifetimes.PrefixValid,
	}
}

// findIAPD returns the IA_PD already holding prefix, or else the first one.
func findIAPD(options []*dhcpv6.OptIAPD, prefix netaddr.IPPrefix) *dhcpv6.OptIAPD {
	for _, pd := range options {
		for _, p := range prefixesOf(pd) {
			if p.Masked() == prefix {
				return pd
			}
		}
	}
	if len(options) > 0 {
		return options[0]
	}
	return nil
}

// findIANA returns the IA_NA already holding addr, or else the first one.
func findIANA(options []*dhcpv6.OptIANA, addr netaddr.IP) *dhcpv6.OptIANA {
	for _, na := range options {
		if hasAddress(na, addr) {
			return na
		}
	}
	if len(options) > 0 {
		return options[0]
	}
	return nil
}

func prefixesOf(pd *dhcpv6.OptIAPD) []netaddr.IPPrefix {
	var prefixes []netaddr.IPPrefix
	for _, sub := range pd.Options.Prefixes() {
		if sub.Prefix != nil {
			prefixes = append(prefixes, netutil.FromStdIPNet(sub.Prefix))
		}
	}
	return prefixes
}

func hasAddress(na *dhcpv6.OptIANA, addr netaddr.IP) bool {
	for _, sub := range na.Options.Addresses() {
		if netutil.FromStdIP(sub.IPv6Addr) == addr {
			return true
		}
	}
	return false
}

func anyAddressIn(na *dhcpv6.OptIANA, links []netaddr.IPPrefix) bool {
	for _, sub := range na.Options.Addresses() {
		if netutil.AddressInPrefixes(netutil.FromStdIP(sub.IPv6Addr), links) {
			return true
		}
	}
	return false
}

// dup makes a deep copy of a prefix, the request stays untouched.
func dup(src *net.IPNet) *net.IPNet {
	if src == nil {
		return nil
	}
	dst := net.IPNet{
		IP:   make(net.IP, net.IPv6len),
		Mask: make(net.IPMask, len(src.Mask)),
	}
	copy(dst.IP, src.IP)
	copy(dst.Mask, src.Mask)
	return &dst
}

// Interfaces guards
var (
	_ handlers.HandlerModule = (*Module)(nil)
	_ caddy.CleanerUpper     = (*Module)(nil)
)
