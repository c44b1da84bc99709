package handlers

import (
	"github.com/caddyserver/caddy/v2"

	"github.com/lion7/caddydhcp6/bundle"
)

// A Handler takes part in answering DHCPv6 transactions.
// Handlers are invoked in configuration order, once per transaction, and act
// only through the bundle: they append reply options and mark the request
// options they answered. A handler must never assume it is the only one
// looking at a transaction; earlier handlers may already have claimed some
// options, so it must ask the bundle for the unanswered options every time.
//
// A returned error aborts this handler for the current transaction only.
// The server logs it and continues with the next handler. Handlers that
// want the transaction dropped altogether call Discard on the bundle.
type Handler interface {
	Handle6(b *bundle.Bundle) error
}

// A HandlerModule is a Handler that also implements
// the caddy.Module and caddy.Provisioner interfaces.
type HandlerModule interface {
	caddy.Module
	caddy.Provisioner
	Handler
}
