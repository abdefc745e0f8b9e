package metrics

import (
	"spiko-billing/internal/domain/model"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		subscriptionsExpiredTotal,
		subscriptionsTotal,
		reconciliationsTotal,
		reconciliationJobs,
	)
}

var (
	subscriptionsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subscriptions_expired_total",
			Help: "Total number of subscriptions reverted to free by the expiry job.",
		},
	)

	subscriptionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "subscriptions_total",
			Help: "Current number of users by subscription tier.",
		},
		[]string{"tier"},
	)

	reconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconciliations_total",
			Help: "Subscription reconciliation attempts by result.",
		},
		[]string{"result"}, // applied|noop|retry|dead
	)

	reconciliationJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "reconciliation_jobs",
			Help: "Current reconciliation jobs by status.",
		},
		[]string{"status"},
	)
)

func IncSubscriptionsExpired(count int) {
	subscriptionsExpiredTotal.Add(float64(count))
}

func SetSubscriptionsTotal(counts map[string]int) {
	for tier, count := range counts {
		subscriptionsTotal.WithLabelValues(norm(tier)).Set(float64(count))
	}
}

func IncReconciliation(result string) {
	reconciliationsTotal.WithLabelValues(norm(result)).Inc()
}

func SetReconciliationJobs(counts map[model.ReconcileStatus]int) {
	statuses := []model.ReconcileStatus{
		model.ReconcilePending,
		model.ReconcileDone,
		model.ReconcileDead,
	}
	for _, status := range statuses {
		reconciliationJobs.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
