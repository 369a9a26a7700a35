// Package metrics provides Prometheus instrumentation for the ezp2p ramp.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ezp2p",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ezp2p",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ValidationsTotal counts payment validations by outcome.
	ValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ezp2p",
			Name:      "validations_total",
			Help:      "Total payment validations by outcome.",
		},
		[]string{"outcome"},
	)

	// SettlementDuration observes settlement collaborator latency.
	SettlementDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ezp2p",
			Name:      "settlement_duration_seconds",
			Help:      "Settlement call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// RateFetchesTotal counts exchange rate fetches by result.
	RateFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ezp2p",
			Name:      "rate_fetches_total",
			Help:      "Total exchange rate fetches by result.",
		},
		[]string{"result"},
	)

	// RateFetchDuration observes exchange rate fetch latency.
	RateFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ezp2p",
			Name:      "rate_fetch_duration_seconds",
			Help:      "Exchange rate fetch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// PurchaseRequestsTotal counts purchase requests produced by the
	// conversation flow.
	PurchaseRequestsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ezp2p",
			Name:      "purchase_requests_total",
			Help:      "Total purchase requests rendered to users.",
		},
	)

	// ActiveSessions tracks conversation sessions currently held in the store.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ezp2p",
			Name:      "active_sessions",
			Help:      "Number of conversation sessions currently stored.",
		},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ezp2p",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ezp2p", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ezp2p", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ezp2p", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ezp2p", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ValidationsTotal,
		SettlementDuration,
		RateFetchesTotal,
		RateFetchDuration,
		PurchaseRequestsTotal,
		ActiveSessions,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Validation outcome labels.
const (
	OutcomeSettled           = "settled"
	OutcomeDuplicate         = "duplicate"
	OutcomePendingDuplicate  = "pending_duplicate"
	OutcomeRateUnavailable   = "rate_unavailable"
	OutcomeSettlementFailure = "settlement_failed"
)

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
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
