// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package serverid

import (
	"fmt"
	"net"
	"strings"

	"github.com/caddyserver/caddy/v2"
	"github.com/google/uuid"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
	"go.uber.org/zap"

	"github.com/lion7/caddydhcp6/bundle"
	"github.com/lion7/caddydhcp6/handlers"
)

// Module identifies this server to clients and drops messages that are
// meant for another server. It belongs at the head of the chain so that
// discarded transactions never reach the assigning handlers.
//
// The DUID is configured as "<type> <value>", e.g. "ll 00:11:22:33:44:55",
// "llt 00:11:22:33:44:55" or "uuid 6ba7b810-9dad-11d1-80b4-00c04fd430c8".
type Module struct {
	Duid string `json:"duid,omitempty"`

	duid   dhcpv6.DUID
	logger *zap.Logger
}

// CaddyModule returns the Caddy module information.
func (Module) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "dhcp6.handlers.serverid",
		New: func() caddy.Module { return new(Module) },
	}
}

// Provision is run immediately after this handler is being loaded.
func (m *Module) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()
	if m.Duid == "" {
		return fmt.Errorf("a server DUID is required")
	}
	duid, err := parseDUID(m.Duid)
	if err != nil {
		return fmt.Errorf("invalid server DUID %q: %w", m.Duid, err)
	}
	m.duid = duid
	return nil
}

func parseDUID(s string) (dhcpv6.DUID, error) {
	split := strings.SplitN(strings.TrimSpace(s), " ", 2)
	if len(split) < 2 {
		return nil, fmt.Errorf("need a DUID type and value")
	}
	duidType := strings.ToLower(split[0])
	if duidType == "" {
		return nil, fmt.Errorf("got empty DUID type")
	}
	duidValue := strings.TrimSpace(split[1])
	if duidValue == "" {
		return nil, fmt.Errorf("got empty DUID value")
	}
	switch duidType {
	case "ll", "duid-ll", "duid_ll":
		hwaddr, err := net.ParseMAC(duidValue)
		if err != nil {
			return nil, err
		}
		return &dhcpv6.DUIDLL{
			// sorry, only ethernet for now
			HWType:        iana.HWTypeEthernet,
			LinkLayerAddr: hwaddr,
		}, nil
	case "llt", "duid-llt", "duid_llt":
		hwaddr, err := net.ParseMAC(duidValue)
		if err != nil {
			return nil, err
		}
		return &dhcpv6.DUIDLLT{
			// sorry, only ethernet for now
			HWType:        iana.HWTypeEthernet,
			Time:          dhcpv6.GetTime(),
			LinkLayerAddr: hwaddr,
		}, nil
	case "uuid":
		parsedUuid, err := uuid.Parse(duidValue)
		if err != nil {
			return nil, err
		}
		return &dhcpv6.DUIDUUID{UUID: parsedUuid}, nil
	default:
		return nil, fmt.Errorf("DUID type %q not supported", duidType)
	}
}

// Handle6 applies the RFC 8415 §16 server identifier rules.
func (m *Module) Handle6(b *bundle.Bundle) error {
	req := b.Request()
	if sid := req.Options.ServerID(); sid != nil {
		// RFC8415 §16.{2,5,7}
		// These message types MUST be discarded if they contain *any* ServerID option
		switch b.Kind() {
		case bundle.Solicit, bundle.Confirm, bundle.Rebind:
			m.logger.Debug("discarding message carrying a server ID", zap.Stringer("kind", b.Kind()))
			b.Discard()
			return nil
		}

		// Approximately all others MUST be discarded if the ServerID doesn't match
		if !sid.Equal(m.duid) {
			m.logger.Info("requested server ID does not match this server's ID",
				zap.Stringer("got", sid),
				zap.Stringer("want", m.duid),
			)
			b.Discard()
			return nil
		}
	} else {
		// RFC8415 §16.{6,8,10,11}
		// These message types MUST be discarded if they *don't* contain a ServerID option
		switch b.Kind() {
		case bundle.Request, bundle.Renew, bundle.Decline, bundle.Release:
			m.logger.Debug("discarding message without server ID", zap.Stringer("kind", b.Kind()))
			b.Discard()
			return nil
		}
	}
	dhcpv6.WithServerID(m.duid)(b.Response())
	return nil
}

// Interfaces guards
var (
	_ handlers.HandlerModule = (*Module)(nil)
)
