// Package metrics exposes activity ledger transitions as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonathan/price-tracker/internal/activitylog"
	"github.com/jonathan/price-tracker/internal/types"
)

const (
	// Namespace is the namespace for all price tracker metrics.
	Namespace = "price_tracker"

	// Subsystem is the subsystem for ledger metrics.
	Subsystem = "activity"
)

// Metrics holds the ledger metrics.
type Metrics struct {
	TransitionsTotal *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	InProgress       *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New creates and registers the metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the metrics on reg and serves them from gatherer.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "transitions_total",
				Help:      "Activity log state changes by activity type and new state",
			},
			[]string{"activity_type", "state"},
		),
		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "errors_total",
				Help:      "Activity log transitions that recorded an error message",
			},
			[]string{"activity_type"},
		),
		InProgress: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "in_progress",
				Help:      "Units of work currently IN_PROGRESS",
			},
			[]string{"activity_type"},
		),
		gatherer: gatherer,
	}
}

// Observer returns a ledger observer that records every transition.
func (m *Metrics) Observer() activitylog.Observer {
	return func(e activitylog.Event) {
		m.TransitionsTotal.WithLabelValues(e.ActivityType, string(e.To)).Inc()
		if e.ErrorMsg != "" {
			m.ErrorsTotal.WithLabelValues(e.ActivityType).Inc()
		}
		if e.To == types.StateInProgress {
			m.InProgress.WithLabelValues(e.ActivityType).Inc()
		}
		if e.From == types.StateInProgress {
			m.InProgress.WithLabelValues(e.ActivityType).Dec()
		}
	}
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
