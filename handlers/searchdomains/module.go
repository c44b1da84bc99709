// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package searchdomains

import (
	"fmt"
	"slices"
	"strings"

	"github.com/caddyserver/caddy/v2"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/rfc1035label"
	"go.uber.org/zap"

	"github.com/lion7/caddydhcp6/bundle"
	"github.com/lion7/caddydhcp6/handlers"
)

// Module answers requests for the domain search list (option 24).
type Module struct {
	Domains []string `json:"domains,omitempty"`

	domains []string
	logger  *zap.Logger
}

// CaddyModule returns the Caddy module information.
func (Module) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "dhcp6.handlers.searchdomains",
		New: func() caddy.Module { return new(Module) },
	}
}

func (m *Module) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()
	domains, err := normalize(m.Domains)
	if err != nil {
		return err
	}
	m.domains = domains
	return nil
}

// normalize lowercases the domains and strips the root label.
func normalize(raw []string) ([]string, error) {
	domains := make([]string, 0, len(raw))
	for _, d := range raw {
		d = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(d), "."))
		if d == "" || len(d) > 253 {
			return nil, fmt.Errorf("invalid search domain %q", d)
		}
		for _, label := range strings.Split(d, ".") {
			if label == "" || len(label) > 63 {
				return nil, fmt.Errorf("invalid label %q in search domain %s", label, d)
			}
		}
		domains = append(domains, d)
	}
	return domains, nil
}

func (m *Module) Handle6(b *bundle.Bundle) error {
	if len(m.domains) == 0 || !b.Request().IsOptionRequested(dhcpv6.OptionDomainSearchList) {
		return nil
	}
	m.logger.Debug("adding search domains", zap.Strings("domains", m.domains))
	// replies get their own backing array
	b.AppendReplyOption(dhcpv6.OptDomainSearchList(&rfc1035label.Labels{Labels: slices.Clone(m.domains)}))
	return nil
}

// Interfaces guards
var (
	_ handlers.HandlerModule = (*Module)(nil)
)
