package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger service.
type Metrics struct {
	SessionsOpened    prometheus.Counter
	SessionsSettled   prometheus.Counter
	SessionsCancelled prometheus.Counter
	SessionsExpired   prometheus.Counter

	SpendAccepted prometheus.Counter
	SpendRejected *prometheus.CounterVec

	CASConflicts       prometheus.Counter
	IdempotentReplays  prometheus.Counter
	SettlementOutcomes *prometheus.CounterVec
	DispatchSeconds    prometheus.Histogram
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		SessionsOpened: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spendvault_sessions_opened_total",
			Help: "Sessions opened.",
		}),
		SessionsSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spendvault_sessions_settled_total",
			Help: "Sessions finalized as settled.",
		}),
		SessionsCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spendvault_sessions_cancelled_total",
			Help: "Sessions cancelled by callers or rejected settlements.",
		}),
		SessionsExpired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spendvault_sessions_expired_total",
			Help: "Sessions expired by the TTL sweep.",
		}),
		SpendAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spendvault_spend_accepted_total",
			Help: "Spend reports applied to a session.",
		}),
		SpendRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spendvault_spend_rejected_total",
			Help: "Spend reports rejected, by error code.",
		}, []string{"code"}),
		CASConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spendvault_cas_conflicts_total",
			Help: "Compare-and-swap attempts lost to a concurrent writer.",
		}),
		IdempotentReplays: promauto.NewCounter(prometheus.CounterOpts{
			Name: "spendvault_idempotent_replays_total",
			Help: "Mutating requests answered from the replay cache.",
		}),
		SettlementOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "spendvault_settlement_outcomes_total",
			Help: "Settlement dispatch outcomes, by class.",
		}, []string{"outcome"}),
		DispatchSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "spendvault_settlement_dispatch_seconds",
			Help:    "Latency of payment rail dispatches.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
