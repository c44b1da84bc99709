// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package unanswered

import (
	"github.com/caddyserver/caddy/v2"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
	"go.uber.org/zap"

	"github.com/lion7/caddydhcp6/bundle"
	"github.com/lion7/caddydhcp6/handlers"
)

// Module answers every IA that no earlier handler took care of with the
// status code RFC 8415 prescribes, and settles the top-level status of
// Confirm, Release and Decline replies. It belongs at the end of the chain.
type Module struct {
	logger *zap.Logger
}

// CaddyModule returns the Caddy module information.
func (Module) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "dhcp6.handlers.unanswered",
		New: func() caddy.Module { return new(Module) },
	}
}

// New returns a ready to use handler.
func New(logger *zap.Logger) *Module {
	return &Module{logger: logger}
}

// Provision is run immediately after this handler is being loaded.
func (m *Module) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()
	return nil
}

func (m *Module) Handle6(b *bundle.Bundle) error {
	switch b.Kind() {
	case bundle.Solicit:
		if b.HandledCount() == 0 && len(b.UnansweredIANA())+len(b.UnansweredIAPD()) > 0 {
			m.refuseAll(b)
			return nil
		}
		m.rejectAll(b, iana.StatusNoAddrsAvail, "no addresses available", iana.StatusNoPrefixAvail, "no prefixes available")
	case bundle.Request:
		m.rejectAll(b, iana.StatusNoAddrsAvail, "no addresses available", iana.StatusNoPrefixAvail, "no prefixes available")
	case bundle.Renew, bundle.Rebind:
		m.rejectAll(b, iana.StatusNoBinding, "no binding", iana.StatusNoBinding, "no binding")
	case bundle.Release, bundle.Decline:
		m.rejectAll(b, iana.StatusNoBinding, "no binding", iana.StatusNoBinding, "no binding")
		b.ForceStatus(iana.StatusSuccess, b.Kind().String()+" received")
	case bundle.Confirm:
		if b.Response().Options.Status() != nil {
			return nil
		}
		if b.HandledCount() == 0 {
			// RFC8415 §18.3.3: no reply when no address could be checked
			m.logger.Debug("nothing to confirm, dropping")
			b.Discard()
			return nil
		}
		b.ForceStatus(iana.StatusSuccess, "all addresses still on link")
	case bundle.InformationRequest:
		// carries no IAs
	}
	return nil
}

// refuseAll answers a Solicit that gets nothing at all with a top-level
// NoAddrsAvail status and no IAs (RFC 8415 §18.3.9).
func (m *Module) refuseAll(b *bundle.Bundle) {
	m.logger.Debug("nothing to offer", zap.Stringer("duid", b.ClientID()))
	for _, na := range b.UnansweredIANA() {
		b.MarkHandled(na)
	}
	for _, pd := range b.UnansweredIAPD() {
		b.MarkHandled(pd)
	}
	b.ForceStatus(iana.StatusNoAddrsAvail, "no addresses or prefixes available")
}

func (m *Module) rejectAll(b *bundle.Bundle, naCode iana.StatusCode, naMessage string, pdCode iana.StatusCode, pdMessage string) {
	for _, na := range b.UnansweredIANA() {
		m.logger.Debug("rejecting IA_NA", zap.Stringer("kind", b.Kind()), zap.Binary("iaid", na.IaId[:]), zap.Stringer("status", naCode))
		b.AppendReplyOption(&dhcpv6.OptIANA{
			IaId:    na.IaId,
			Options: dhcpv6.IdentityOptions{Options: dhcpv6.Options{status(naCode, naMessage)}},
		})
		b.MarkHandled(na)
	}
	for _, pd := range b.UnansweredIAPD() {
		m.logger.Debug("rejecting IA_PD", zap.Stringer("kind", b.Kind()), zap.Binary("iaid", pd.IaId[:]), zap.Stringer("status", pdCode))
		b.AppendReplyOption(&dhcpv6.OptIAPD{
			IaId:    pd.IaId,
			Options: dhcpv6.PDOptions{Options: dhcpv6.Options{status(pdCode, pdMessage)}},
		})
		b.MarkHandled(pd)
	}
}

func status(code iana.StatusCode, message string) *dhcpv6.OptStatusCode {
	return &dhcpv6.OptStatusCode{StatusCode: code, StatusMessage: message}
}

// Interfaces guards
var (
	_ handlers.HandlerModule = (*Module)(nil)
)
