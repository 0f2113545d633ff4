package syncgroup

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coachpo/mprview/internal/domain/protocol"
)

// Metrics tracks propagation activity of the coordinator.
type Metrics struct {
	propagations *prometheus.CounterVec
	origins      *prometheus.CounterVec
	groups       prometheus.Gauge
}

// NewMetrics constructs and registers coordinator metrics with the provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		propagations: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "mprview",
				Subsystem: "sync",
				Name:      "propagations_total",
				Help:      "Synced updates applied to group members.",
			},
			[]string{"mode"},
		),
		origins: prometheus.NewCounterVec(
			prometheus.CounterOpts{ //nolint:exhaustruct
				Namespace: "mprview",
				Subsystem: "sync",
				Name:      "origin_changes_total",
				Help:      "User-originated changes that started a propagation.",
			},
			[]string{"mode"},
		),
		groups: prometheus.NewGauge(
			prometheus.GaugeOpts{ //nolint:exhaustruct
				Namespace: "mprview",
				Subsystem: "sync",
				Name:      "groups",
				Help:      "Sync groups currently registered.",
			},
		),
	}
	reg.MustRegister(m.propagations, m.origins, m.groups)
	return m
}

// PropagationCounter exposes the per-mode propagation counter.
func (m *Metrics) PropagationCounter(mode protocol.SyncMode) prometheus.Counter {
	return m.propagations.WithLabelValues(string(mode))
}

// OriginCounter exposes the per-mode origin counter.
func (m *Metrics) OriginCounter(mode protocol.SyncMode) prometheus.Counter {
	return m.origins.WithLabelValues(string(mode))
}

// GroupGauge exposes the registered group gauge.
func (m *Metrics) GroupGauge() prometheus.Gauge {
	return m.groups
}

func (m *Metrics) observe(mode protocol.SyncMode, targets int) {
	if m == nil {
		return
	}
	m.origins.WithLabelValues(string(mode)).Inc()
	if targets > 0 {
		m.propagations.WithLabelValues(string(mode)).Add(float64(targets))
	}
}

func (m *Metrics) setGroups(n int) {
	if m == nil {
		return
	}
	m.groups.Set(float64(n))
}
