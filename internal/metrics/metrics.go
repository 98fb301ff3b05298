// Package metrics provides Prometheus instrumentation for peervault.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path pattern, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "peervault",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransitionsTotal counts escrow state transitions by event and outcome.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow state transitions by event name and outcome.",
		},
		[]string{"event", "outcome"},
	)

	// IngestDuplicatesTotal counts duplicate on-chain event deliveries skipped.
	IngestDuplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "ingest_duplicates_total",
			Help:      "Total on-chain events skipped as already applied.",
		},
	)

	// IngestStaleTotal counts on-chain events rejected as older than the last
	// applied log position.
	IngestStaleTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "ingest_stale_total",
			Help:      "Total on-chain events rejected for stale log position.",
		},
	)

	// DisputesTotal counts dispute workflow operations by action.
	DisputesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "disputes_total",
			Help:      "Total dispute workflow operations by action.",
		},
		[]string{"action"},
	)

	// NotificationsTotal counts notification dispatches by step and result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "notifications_total",
			Help:      "Total notification dispatch steps by step and result.",
		},
		[]string{"step", "result"},
	)

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook delivery attempts by result.",
		},
		[]string{"result"},
	)

	// ChainLagBlocks tracks how far the watcher trails the chain head.
	ChainLagBlocks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "peervault",
			Name:      "chain_lag_blocks",
			Help:      "Blocks between the chain head and the last synced block.",
		},
		[]string{"chain_id"},
	)

	// RealtimeClients tracks active websocket notification feed connections.
	RealtimeClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "peervault",
			Name:      "realtime_clients",
			Help:      "Active websocket notification feed connections.",
		},
	)

	// AuditWritesTotal counts audit log writes by result.
	AuditWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "peervault",
			Name:      "audit_writes_total",
			Help:      "Total audit log writes by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransitionsTotal,
		IngestDuplicatesTotal,
		IngestStaleTotal,
		DisputesTotal,
		NotificationsTotal,
		WebhookDeliveriesTotal,
		ChainLagBlocks,
		RealtimeClients,
		AuditWritesTotal,
	)
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).
			Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
