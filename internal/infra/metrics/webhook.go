package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(webhookCallsTotal, signatureChecksTotal, relayForwardTotal)
}

var (
	webhookCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_calls_total",
			Help: "Inbound provider webhook calls by provider, action and answered wire code.",
		},
		[]string{"provider", "action", "code"},
	)

	signatureChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signature_checks_total",
			Help: "Signature verification outcomes per provider.",
		},
		[]string{"provider", "result"}, // result: ok|fail
	)

	relayForwardTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_forward_total",
			Help: "Edge relay forwards by backend status class.",
		},
		[]string{"status"},
	)
)

func IncWebhookCall(provider, action string, code int) {
	webhookCallsTotal.WithLabelValues(norm(provider), norm(action), strconv.Itoa(code)).Inc()
}

func IncSignatureCheck(provider string, ok bool) {
	result := "fail"
	if ok {
		result = "ok"
	}
	signatureChecksTotal.WithLabelValues(norm(provider), result).Inc()
}

func IncRelayForward(status string) {
	relayForwardTotal.WithLabelValues(norm(status)).Inc()
}
