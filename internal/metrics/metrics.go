// Package metrics provides Prometheus instrumentation for the transfer platform.
package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path pattern, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fubapay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fubapay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsTotal counts transfer transactions by final status.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fubapay",
			Name:      "transactions_total",
			Help:      "Total transactions recorded by status.",
		},
		[]string{"status"},
	)

	// RiskDecisionsTotal counts fused risk verdicts by decision and source.
	RiskDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fubapay",
			Name:      "risk_decisions_total",
			Help:      "Total risk engine verdicts by decision and deciding source.",
		},
		[]string{"decision", "source"},
	)

	// AdvisorFailuresTotal counts external advisor soft-failures by cause.
	AdvisorFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fubapay",
			Name:      "advisor_failures_total",
			Help:      "External risk advisor failures recovered as REVIEW, by cause.",
		},
		[]string{"cause"},
	)

	// SettlementsTotal counts settlement attempts by outcome.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fubapay",
			Name:      "settlements_total",
			Help:      "Total settlement attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// SettlementDuration observes broadcast-to-confirmation latency.
	SettlementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fubapay",
			Name:      "settlement_duration_seconds",
			Help:      "Time from broadcast to terminal settlement state.",
			Buckets:   []float64{1, 5, 10, 30, 60, 90, 120, 180},
		},
	)

	// ActiveWebSocketClients tracks currently connected event stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fubapay",
			Name:      "websocket_clients",
			Help:      "Currently connected WebSocket clients.",
		},
	)

	// RPCFailoversTotal counts endpoint failovers by network.
	RPCFailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fubapay",
			Name:      "rpc_failovers_total",
			Help:      "RPC endpoints skipped during connection failover, by network.",
		},
		[]string{"network"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsTotal,
		RiskDecisionsTotal,
		AdvisorFailuresTotal,
		SettlementsTotal,
		SettlementDuration,
		ActiveWebSocketClients,
		RPCFailoversTotal,
	)
}

// Handler returns the Prometheus scrape handler for gin.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// Middleware instruments HTTP requests with count and duration metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := statusLabel(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func statusLabel(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
