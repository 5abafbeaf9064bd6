package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	GatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netvalve",
			Name:      "gateway_calls_total",
			Help:      "Gateway operations by outcome",
		},
		[]string{"operation", "outcome"},
	)

	GatewayCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "netvalve",
			Name:      "gateway_call_duration_seconds",
			Help:      "Duration of gateway HTTP calls",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"operation"},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netvalve",
			Name:      "webhook_events_total",
			Help:      "Inbound webhook deliveries by processing status",
		},
		[]string{"status"},
	)

	SessionInitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "netvalve",
			Name:      "session_waterfall_total",
			Help:      "Session waterfall runs by result",
		},
		[]string{"result"},
	)

	SessionInitSteps = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "netvalve",
			Name:      "session_waterfall_steps",
			Help:      "Waterfall steps tried per session init",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
	)
)

func init() {
	prometheus.MustRegister(
		GatewayCallsTotal,
		GatewayCallDuration,
		WebhookEventsTotal,
		SessionInitTotal,
		SessionInitSteps,
	)
}

func ObserveGatewayCall(operation, outcome string, seconds float64) {
	GatewayCallsTotal.WithLabelValues(operation, outcome).Inc()
	GatewayCallDuration.WithLabelValues(operation).Observe(seconds)
}

func IncWebhook(status string) {
	WebhookEventsTotal.WithLabelValues(status).Inc()
}

func ObserveSessionInit(result string, steps int) {
	SessionInitTotal.WithLabelValues(result).Inc()
	SessionInitSteps.Observe(float64(steps))
}
