package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(adminRequestTotal, rateLimitTriggeredTotal) }

var (
	adminRequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admin_request_total",
			Help: "Tracks calls to the admin API.",
		},
		[]string{"route", "status"}, // status: 'authorized', 'unauthorized'
	)

	rateLimitTriggeredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_triggered_total",
			Help: "Total number of times callers have been rate-limited.",
		},
		[]string{"scope"},
	)
)

func IncAdminRequest(route, status string) {
	adminRequestTotal.WithLabelValues(route, norm(status)).Inc()
}

func IncRateLimitTriggered(scope string) {
	rateLimitTriggeredTotal.WithLabelValues(norm(scope)).Inc()
}
