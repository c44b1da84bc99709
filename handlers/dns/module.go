// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package dns

import (
	"fmt"
	"net"

	"github.com/caddyserver/caddy/v2"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"go.uber.org/zap"

	"github.com/lion7/caddydhcp6/bundle"
	"github.com/lion7/caddydhcp6/handlers"
)

// Module announces recursive DNS servers to clients that ask for them.
type Module struct {
	Servers []string `json:"servers,omitempty"`

	servers []net.IP
	logger  *zap.Logger
}

// CaddyModule returns the Caddy module information.
func (Module) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "dhcp6.handlers.dns",
		New: func() caddy.Module { return new(Module) },
	}
}

// Provision is run immediately after this handler is being loaded.
func (m *Module) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()
	servers, err := parseServers(m.Servers)
	if err != nil {
		return err
	}
	m.servers = servers
	return nil
}

func parseServers(values []string) ([]net.IP, error) {
	var servers []net.IP
	for _, server := range values {
		ip := net.ParseIP(server)
		if ip == nil || ip.To4() != nil {
			return nil, fmt.Errorf("%s is not a valid IPv6 address", server)
		}
		servers = append(servers, ip)
	}
	return servers, nil
}

// Handle6 handles DHCPv6 packets for this plugin.
func (m *Module) Handle6(b *bundle.Bundle) error {
	if len(m.servers) > 0 && b.Request().IsOptionRequested(dhcpv6.OptionDNSRecursiveNameServer) {
		b.AppendReplyOption(dhcpv6.OptDNS(m.servers...))
	}
	return nil
}

// Interfaces guards
var (
	_ handlers.HandlerModule = (*Module)(nil)
)
