package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts ledger outcomes for operator dashboards.
type Metrics struct {
	Appends             *prometheus.CounterVec
	Conflicts           prometheus.Counter
	InvariantRejections prometheus.Counter
	ReconcileWarnings   prometheus.Counter
}

// NewMetrics registers the engine counters on a registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Appends: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "inventory_transactions_appended_total",
			Help: "Committed ledger transactions by type.",
		}, []string{"type"}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "inventory_append_conflicts_total",
			Help: "Commits rejected by the optimistic version check.",
		}),
		InvariantRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "inventory_invariant_rejections_total",
			Help: "Intents rejected for violating a stock invariant.",
		}),
		ReconcileWarnings: factory.NewCounter(prometheus.CounterOpts{
			Name: "inventory_reconcile_warnings_total",
			Help: "Usage reports whose remaining quantity drifted from the ledger.",
		}),
	}
}
