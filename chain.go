package caddydhcp6

import (
	"errors"
	"fmt"

	"github.com/caddyserver/caddy/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lion7/caddydhcp6/bundle"
	"github.com/lion7/caddydhcp6/handlers"
)

// compileHandlerChain sets up all the handlers by loading the handler modules and compiling them in a chain.
func compileHandlerChain(ctx caddy.Context, s *Server, failures prometheus.Counter) (handlers.Handler, error) {
	handlersRaw, err := ctx.LoadModule(s, "HandlersRaw")
	if err != nil {
		return nil, fmt.Errorf("loading handler modules: %v", err)
	}

	// type-cast the handlers
	var handlersTyped []handlers.Handler
	for _, handler := range handlersRaw.([]any) {
		handlersTyped = append(handlersTyped, handler.(handlers.Handler))
	}

	return handlerChain{handlers: handlersTyped, failures: failures}, nil
}

// handlerChain calls a chain of handlers in order, sharing one bundle.
// A failing handler does not stop the chain; its error is collected and
// the next handler runs. Discarding the bundle stops the chain.
type handlerChain struct {
	handlers []handlers.Handler
	failures prometheus.Counter
}

func (c handlerChain) Handle6(b *bundle.Bundle) error {
	var errs []error
	for _, h := range c.handlers {
		if err := h.Handle6(b); err != nil {
			if c.failures != nil {
				c.failures.Inc()
			}
			errs = append(errs, fmt.Errorf("%s: %w", handlerName(h), err))
		}
		if b.Discarded() {
			break
		}
	}
	return errors.Join(errs...)
}

func handlerName(h handlers.Handler) string {
	if m, ok := h.(caddy.Module); ok {
		return string(m.CaddyModule().ID)
	}
	return fmt.Sprintf("%T", h)
}

// Interfaces guards
var (
	_ handlers.Handler = (*handlerChain)(nil)
)
