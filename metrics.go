package caddydhcp6

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "caddy"
const metricsSubsystem = "dhcp6"

type metrics struct {
	transactions  *prometheus.CounterVec
	handlerErrors *prometheus.CounterVec
	replies       *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "transactions_total",
			Help:      "Counter of client transactions by message kind.",
		}, []string{"server", "kind"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "handler_errors_total",
			Help:      "Counter of handler invocations that failed.",
		}, []string{"server"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "replies_total",
			Help:      "Counter of replies sent.",
		}, []string{"server"}),
	}
	var err error
	if m.transactions, err = register(reg, m.transactions); err != nil {
		return nil, err
	}
	if m.handlerErrors, err = register(reg, m.handlerErrors); err != nil {
		return nil, err
	}
	if m.replies, err = register(reg, m.replies); err != nil {
		return nil, err
	}
	return m, nil
}

// register adds c to reg, or returns the identical collector registered by
// an earlier config load.
func register(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}
