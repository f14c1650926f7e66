package focus

import (
	"errors"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	browses       *prometheus.CounterVec
	resolves      *prometheus.CounterVec
	notifications *prometheus.CounterVec
	servers       prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		browses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "focusd",
			Name:      "browse_total",
			Help:      "Browse attempts by transport and result.",
		}, []string{"transport", "result"}),
		resolves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "focusd",
			Name:      "resolve_total",
			Help:      "Resolve outcomes by result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "focusd",
			Name:      "notifications_total",
			Help:      "Notifications published by the discovery engine.",
		}, []string{"name"}),
		servers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "focusd",
			Name:      "servers",
			Help:      "Conference servers currently registered.",
		}),
	}
	if reg == nil {
		return m
	}

	m.browses = register(reg, m.browses)
	m.resolves = register(reg, m.resolves)
	m.notifications = register(reg, m.notifications)
	m.servers = register(reg, m.servers)
	return m
}

// register adds c to reg, reusing an identical collector registered by an
// earlier engine.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
		slog.Warn("Failed to register metric", "error", err)
	}
	return c
}
