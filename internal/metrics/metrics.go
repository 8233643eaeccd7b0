// Package metrics exposes engine activity as prometheus collectors.
// Collectors are fed by lifecycle hooks and the event bus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aretw0/storyguard/pkg/domain"
)

const namespace = "storyguard"

// Metrics holds the engine collectors.
type Metrics struct {
	registry *prometheus.Registry

	StateEnters  *prometheus.CounterVec
	Transactions *prometheus.CounterVec
	Repairs      *prometheus.CounterVec
	Events       *prometheus.CounterVec
	FlowScores   prometheus.Histogram
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		StateEnters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_enters_total",
				Help:      "Dialogue states entered, by flow and state kind.",
			},
			[]string{"flow_id", "kind"},
		),
		Transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Ledger status changes, by transaction type and new status.",
			},
			[]string{"type", "status"},
		),
		Repairs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "repairs_total",
				Help:      "Repairs that mutated state, by source.",
			},
			[]string{"source"},
		),
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Events published on the bus, by type.",
			},
			[]string{"type"},
		),
		FlowScores: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flow_score",
			Help:      "Final relationship score of completed conversations.",
			Buckets:   []float64{-3, -1, 0, 1, 2, 3, 5, 8},
		}),
	}
	m.registry.MustRegister(m.StateEnters, m.Transactions, m.Repairs, m.Events, m.FlowScores)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Hooks returns lifecycle hooks that record into the collectors.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnStateEnter: func(_ context.Context, e *domain.StateEvent) {
			m.StateEnters.WithLabelValues(e.FlowID, string(e.Kind)).Inc()
		},
		OnTransaction: func(_ context.Context, e *domain.TransactionEvent) {
			m.Transactions.WithLabelValues(string(e.Transaction.Type), string(e.Transaction.Status)).Inc()
		},
		OnRepair: func(_ context.Context, e *domain.RepairEvent) {
			m.Repairs.WithLabelValues(e.Source).Inc()
		},
	}
}

// Observe is an event bus handler counting every event.
func (m *Metrics) Observe(_ context.Context, evt domain.Event) error {
	m.Events.WithLabelValues(string(evt.Type)).Inc()
	if evt.Type == domain.EventDialogueCompleted && evt.Completed {
		m.FlowScores.Observe(float64(evt.Score))
	}
	return nil
}
