// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package maxrt

import (
	"fmt"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"go.uber.org/zap"

	"github.com/lion7/caddydhcp6/bundle"
	"github.com/lion7/caddydhcp6/handlers"
)

// Module tells clients to back off longer between retransmissions by
// sending the SOL_MAX_RT and INF_MAX_RT options of RFC 7083 to clients that
// request them. Either value may be left out.
type Module struct {
	SolMaxRT caddy.Duration `json:"solMaxRT,omitempty"`
	InfMaxRT caddy.Duration `json:"infMaxRT,omitempty"`

	logger *zap.Logger
}

// CaddyModule returns the Caddy module information.
func (Module) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "dhcp6.handlers.maxrt",
		New: func() caddy.Module { return new(Module) },
	}
}

// Provision is run immediately after this handler is being loaded.
func (m *Module) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()
	return m.validate()
}

func (m *Module) validate() error {
	if m.SolMaxRT == 0 && m.InfMaxRT == 0 {
		return fmt.Errorf("at least one of solMaxRT and infMaxRT is required")
	}
	if m.SolMaxRT != 0 {
		if err := validate(time.Duration(m.SolMaxRT)); err != nil {
			return fmt.Errorf("invalid solMaxRT: %w", err)
		}
	}
	if m.InfMaxRT != 0 {
		if err := validate(time.Duration(m.InfMaxRT)); err != nil {
			return fmt.Errorf("invalid infMaxRT: %w", err)
		}
	}
	return nil
}

// Handle6 handles DHCPv6 packets for this plugin.
func (m *Module) Handle6(b *bundle.Bundle) error {
	req := b.Request()
	if b.Kind() == bundle.InformationRequest {
		if m.InfMaxRT != 0 && req.IsOptionRequested(dhcpv6.OptionInfMaxRT) {
			b.AppendReplyOption(OptInfMaxRT(time.Duration(m.InfMaxRT)))
		}
		return nil
	}
	if m.SolMaxRT != 0 && req.IsOptionRequested(dhcpv6.OptionSolMaxRT) {
		b.AppendReplyOption(OptSolMaxRT(time.Duration(m.SolMaxRT)))
	}
	return nil
}

// Interfaces guards
var (
	_ handlers.HandlerModule = (*Module)(nil)
)
