// Package metrics provides Prometheus instrumentation for the settlement service.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "escrow_service"

var (
	// WebhookOutcomes counts ingested webhooks by provider and disposition.
	WebhookOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_outcomes_total",
			Help:      "Provider webhooks by provider and disposition.",
		},
		[]string{"provider", "disposition"},
	)

	// EscrowTransitions counts escrow state changes.
	EscrowTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escrow_transitions_total",
			Help:      "Escrow status transitions by from and to state.",
		},
		[]string{"from", "to"},
	)

	// TransactionsSettled counts transactions reaching a terminal status.
	TransactionsSettled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_settled_total",
			Help:      "Transactions reaching a terminal status by kind and status.",
		},
		[]string{"kind", "status"},
	)

	// SweepResults counts per-escrow scheduler outcomes.
	SweepResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_results_total",
			Help:      "Scheduler sweep outcomes by sweep and result.",
		},
		[]string{"sweep", "result"},
	)

	// ProviderRequestDuration observes outbound provider calls.
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Outbound payment provider call latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "operation", "result"},
	)

	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status code.",
		},
		[]string{"method", "path", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		WebhookOutcomes,
		EscrowTransitions,
		TransactionsSettled,
		SweepResults,
		ProviderRequestDuration,
		HTTPRequestsTotal,
	)
}

// ObserveProvider records one outbound provider call started at start.
func ObserveProvider(provider, operation string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ProviderRequestDuration.WithLabelValues(provider, operation, result).Observe(time.Since(start).Seconds())
}

// Middleware counts requests by route pattern rather than raw path.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

// Handler exposes the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
