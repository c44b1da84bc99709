// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package nbp

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"

	"github.com/caddyserver/caddy/v2"
	"github.com/insomniacslk/dhcp/dhcpv6"
	"go.uber.org/zap"

	"github.com/lion7/caddydhcp6/bundle"
	"github.com/lion7/caddydhcp6/handlers"
)

// Module points network booting clients at their boot program (NBP).
// Clients that did not ask for OPT_BOOTFILE_URL (option 59) get nothing.
//
// Keys of Urls are tried in this order: the client DUID in hex, the data
// of every vendor class the client sent, and the decimal client
// architecture types. A "param" query value on the chosen URL is also sent
// as OPT_BOOTFILE_PARAM (option 60) when the client requested it.
type Module struct {
	Urls map[string]string `json:"urls"`

	urls   map[string]*url.URL
	logger *zap.Logger
}

// CaddyModule returns the Caddy module information.
func (Module) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "dhcp6.handlers.nbp",
		New: func() caddy.Module { return new(Module) },
	}
}

func (m *Module) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()
	urls, err := parseURLs(m.Urls)
	if err != nil {
		return err
	}
	m.urls = urls
	return nil
}

func parseURLs(raw map[string]string) (map[string]*url.URL, error) {
	parsed := make(map[string]*url.URL, len(raw))
	for key, value := range raw {
		u, err := url.Parse(value)
		if err != nil {
			return nil, fmt.Errorf("invalid boot url for %s: %w", key, err)
		}
		switch u.Scheme {
		case "http", "https", "tftp":
		default:
			return nil, fmt.Errorf("boot url for %s: unsupported scheme %q", key, u.Scheme)
		}
		parsed[key] = u
	}
	return parsed, nil
}

// lookupKeys lists the keys a client can be matched by, most specific first.
func lookupKeys(msg *dhcpv6.Message) []string {
	var keys []string
	if duid := msg.Options.ClientID(); duid != nil {
		keys = append(keys, hex.EncodeToString(duid.ToBytes()))
	}
	for _, class := range msg.Options.VendorClasses() {
		for _, data := range class.Data {
			keys = append(keys, string(data))
		}
	}
	for _, arch := range msg.Options.ArchTypes() {
		keys = append(keys, strconv.Itoa(int(arch)))
	}
	return keys
}

func (m *Module) bootURL(msg *dhcpv6.Message) (string, *url.URL) {
	for _, key := range lookupKeys(msg) {
		if u, ok := m.urls[key]; ok {
			return key, u
		}
	}
	return "", nil
}

func (m *Module) Handle6(b *bundle.Bundle) error {
	req := b.Request()
	if !req.IsOptionRequested(dhcpv6.OptionBootfileURL) {
		return nil
	}

	key, u := m.bootURL(req)
	if u == nil {
		m.logger.Debug("client has no boot url", zap.Any("duid", b.ClientID()))
		return nil
	}
	m.logger.Info("offering boot url",
		zap.Any("duid", b.ClientID()),
		zap.String("matched", key),
		zap.Stringer("url", u),
	)

	b.AppendReplyOption(dhcpv6.OptBootFileURL(u.String()))
	if !req.IsOptionRequested(dhcpv6.OptionBootfileParam) {
		return nil
	}
	if param := u.Query().Get("param"); param != "" {
		b.AppendReplyOption(dhcpv6.OptBootFileParam(param))
	}
	return nil
}

// Interfaces guards
var (
	_ handlers.HandlerModule = (*Module)(nil)
)
