// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package messagelog

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/caddyserver/caddy/v2"
	"go.uber.org/zap"

	"github.com/lion7/caddydhcp6/bundle"
	"github.com/lion7/caddydhcp6/handlers"
)

// Module appends the request and the reply built so far to <prefix>.log.
// Place it last in the chain to see complete replies.
type Module struct {
	Prefix string `json:"prefix"`

	logger *zap.Logger
	mu     *sync.Mutex
	file   *os.File
}

// CaddyModule returns the Caddy module information.
func (Module) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "dhcp6.handlers.messagelog",
		New: func() caddy.Module { return new(Module) },
	}
}

// Provision is run immediately after this handler is being loaded.
func (m *Module) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()
	return m.open()
}

func (m *Module) open() error {
	if m.Prefix == "" {
		return fmt.Errorf("prefix is required")
	}
	f, err := os.OpenFile(m.Prefix+".log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open message log: %w", err)
	}
	m.mu = &sync.Mutex{}
	m.file = f
	m.logger.Debug("logging messages", zap.String("filename", f.Name()))
	return nil
}

// Cleanup closes the log file.
func (m *Module) Cleanup() error {
	if m.file == nil {
		return nil
	}
	return m.file.Close()
}

func (m *Module) Handle6(b *bundle.Bundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := fmt.Fprintf(m.file, "Request:\n%s\nResponse:\n%s\n%s\n", b.Request().Summary(), b.Response().Summary(), strings.Repeat("-", 16))
	return err
}

// Interfaces guards
var (
	_ handlers.HandlerModule = (*Module)(nil)
	_ caddy.CleanerUpper     = (*Module)(nil)
)
