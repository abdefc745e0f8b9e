package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		paymentsTotal,
		paymentsRevenueTotal,
		ledgerTransitionsTotal,
		ledgerReplaysTotal,
		ledgerRejectionsTotal,
	)
}

var (
	paymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_total",
			Help: "Payments by provider and status (initiated/completed/cancelled/failed).",
		},
		[]string{"provider", "status"},
	)

	paymentsRevenueTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payments_revenue_total",
			Help: "The total monetary value of completed payments in minor units, labeled by currency.",
		},
		[]string{"currency"},
	)

	ledgerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transitions_total",
			Help: "Accepted ledger state transitions.",
		},
		[]string{"provider", "from", "to"},
	)

	ledgerReplaysTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_replays_total",
			Help: "Inbound calls answered by replaying a stored decision.",
		},
		[]string{"provider", "action"},
	)

	ledgerRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_rejections_total",
			Help: "Events rejected by the ledger, labeled by error kind.",
		},
		[]string{"provider", "kind"},
	)
)

func IncPayment(provider, status string) {
	paymentsTotal.WithLabelValues(norm(provider), norm(status)).Inc()
}

func AddPaymentRevenue(currency string, amount int64) {
	paymentsRevenueTotal.WithLabelValues(norm(currency)).Add(float64(amount))
}

func IncLedgerTransition(provider, from, to string) {
	ledgerTransitionsTotal.WithLabelValues(norm(provider), norm(from), norm(to)).Inc()
}

func IncLedgerReplay(provider, action string) {
	ledgerReplaysTotal.WithLabelValues(norm(provider), norm(action)).Inc()
}

func IncLedgerRejection(provider, kind string) {
	ledgerRejectionsTotal.WithLabelValues(norm(provider), norm(kind)).Inc()
}
