// Package metrics provides Prometheus instrumentation for the sentinel.
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
			Namespace: "sentinel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RunsTotal counts scheduler runs by terminal status.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "runs_total",
			Help:      "Total scheduler runs by terminal status.",
		},
		[]string{"status"},
	)

	// RunDuration observes run wall time from start to completion.
	RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Name:      "run_duration_seconds",
		Help:      "Run duration from start to completion in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
	})

	// TransitionsTotal counts state-machine transition attempts by outcome.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "transitions_total",
			Help:      "Escalation transition attempts by from-level, to-level, and result.",
		},
		[]string{"from", "to", "result"},
	)

	// PaymentsTotal counts payment pipeline outcomes.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "payments_total",
			Help:      "Payment pipeline outcomes by endpoint and status.",
		},
		[]string{"endpoint", "status"},
	)

	// SettlementWaitDuration observes time spent waiting for on-chain settlement.
	SettlementWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sentinel",
		Name:      "settlement_wait_duration_seconds",
		Help:      "Time waiting for invoice settlement in seconds.",
		Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 900},
	})

	// BudgetSpent tracks committed spend in micro-USDC.
	BudgetSpent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "budget_spent_micro_usdc",
		Help: "Committed budget spend in micro-USDC.",
	})
	// BudgetReserved tracks outstanding reservations in micro-USDC.
	BudgetReserved = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "budget_reserved_micro_usdc",
		Help: "Outstanding budget reservations in micro-USDC.",
	})
	// BudgetRemaining tracks unspent budget in micro-USDC.
	BudgetRemaining = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "budget_remaining_micro_usdc",
		Help: "Remaining budget in micro-USDC.",
	})

	// BudgetEventsTotal counts budget threshold crossings.
	BudgetEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "budget_events_total",
			Help:      "Budget threshold events (warning, blocked).",
		},
		[]string{"event"},
	)

	// EscalationLevel tracks the current level ordinal (L0=0..L5=5, blocked=-1).
	EscalationLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "escalation_level",
		Help: "Current escalation level ordinal; -1 when budget-blocked.",
	})

	// ChainRPCErrorsTotal counts chain RPC failures after retry exhaustion.
	ChainRPCErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "chain_rpc_errors_total",
			Help:      "Chain RPC failures after retry exhaustion, by chain id.",
		},
		[]string{"chain_id"},
	)

	// MarketDataCacheTotal counts gateway cache lookups by endpoint and result.
	MarketDataCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "marketdata_cache_total",
			Help:      "Market-data cache lookups by endpoint and result (hit/miss).",
		},
		[]string{"endpoint", "result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sentinel", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		RunsTotal,
		RunDuration,
		TransitionsTotal,
		PaymentsTotal,
		SettlementWaitDuration,
		BudgetSpent,
		BudgetReserved,
		BudgetRemaining,
		BudgetEventsTotal,
		EscalationLevel,
		ChainRPCErrorsTotal,
		MarketDataCacheTotal,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

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
