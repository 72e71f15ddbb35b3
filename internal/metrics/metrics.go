// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediagw",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mediagw",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// JobsTotal counts job transitions by final status.
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediagw",
			Name:      "jobs_total",
			Help:      "Total job status transitions by status.",
		},
		[]string{"status"},
	)

	// CallbacksTotal counts upstream callbacks by outcome.
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediagw",
			Name:      "callbacks_total",
			Help:      "Total upstream callbacks by outcome (applied, orphaned, ignored).",
		},
		[]string{"outcome"},
	)

	// DeliveriesTotal counts result deliveries by result.
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediagw",
			Name:      "deliveries_total",
			Help:      "Total delivery attempts by result (delivered, lost_race, failed).",
		},
		[]string{"result"},
	)

	// LedgerOpsTotal counts wallet ledger operations by kind and result.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediagw",
			Name:      "ledger_ops_total",
			Help:      "Total wallet ledger operations by kind and result (applied, replayed, rejected).",
		},
		[]string{"kind", "result"},
	)

	// IngressUpdatesTotal counts ingress updates by outcome.
	IngressUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediagw",
			Name:      "ingress_updates_total",
			Help:      "Total ingress updates by outcome (handled, duplicate, dropped, unhandled, failed).",
		},
		[]string{"outcome"},
	)

	// SweeperRunsTotal counts sweeper iterations by sweeper name.
	SweeperRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mediagw",
			Name:      "sweeper_runs_total",
			Help:      "Total sweeper iterations by sweeper name.",
		},
		[]string{"sweeper"},
	)

	// SingletonActive reports whether this instance holds the advisory lock.
	SingletonActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediagw", Name: "singleton_active",
		Help: "1 when this instance is the active singleton, else 0.",
	})

	// DispatchQueueDepth tracks the in-memory ingress buffer depth.
	DispatchQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediagw", Name: "dispatch_queue_depth",
		Help: "Current depth of the in-memory ingress dispatch buffer.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediagw", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediagw", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediagw", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mediagw", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		JobsTotal,
		CallbacksTotal,
		DeliveriesTotal,
		LedgerOpsTotal,
		IngressUpdatesTotal,
		SweeperRunsTotal,
		SingletonActive,
		DispatchQueueDepth,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method

		HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the /metrics endpoint handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// StartDBStatsCollector samples db pool and runtime stats until ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if db != nil {
				stats := db.Stats()
				DBOpenConnections.Set(float64(stats.OpenConnections))
				DBIdleConnections.Set(float64(stats.Idle))
				DBInUseConnections.Set(float64(stats.InUse))
			}
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}
