// Package metrics provides Prometheus instrumentation for the anti-spam engine.
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
			Namespace: "silenttrust",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "silenttrust",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SubmissionsTotal counts decided submissions by action.
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "silenttrust",
			Name:      "submissions_total",
			Help:      "Total decided submissions by action.",
		},
		[]string{"action"},
	)

	// RiskScore observes the distribution of final risk scores.
	RiskScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "silenttrust",
		Name:      "risk_score",
		Help:      "Final risk score distribution.",
		Buckets:   []float64{10, 20, 30, 50, 65, 70, 85, 100},
	})

	// PenaltiesTotal counts penalties issued by type and target.
	PenaltiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "silenttrust",
			Name:      "penalties_total",
			Help:      "Total penalties issued by type and target kind.",
		},
		[]string{"type", "target"},
	)

	// QuickBlocksTotal counts quick-tier instant blocks by reason.
	QuickBlocksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "silenttrust",
			Name:      "quick_blocks_total",
			Help:      "Total quick-tier instant blocks by reason.",
		},
		[]string{"reason"},
	)

	// QueuePending tracks the analysis queue backlog.
	QueuePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "silenttrust",
			Name:      "queue_pending",
			Help:      "Analysis queue items awaiting processing.",
		},
	)

	// QueueProcessing tracks leased analysis queue items.
	QueueProcessing = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "silenttrust",
			Name:      "queue_processing",
			Help:      "Analysis queue items currently being processed.",
		},
	)

	// DelayedMailPending tracks mail held by the delay tier.
	DelayedMailPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "silenttrust",
			Name:      "delayed_mail_pending",
			Help:      "Delayed submissions whose mail has not been sent yet.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "silenttrust", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "silenttrust", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "silenttrust", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "silenttrust", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "silenttrust", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "silenttrust", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// TrainingRunsTotal counts weight-training runs by result.
	TrainingRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "silenttrust",
		Name:      "training_runs_total",
		Help:      "Total weight training runs by result.",
	},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SubmissionsTotal,
		RiskScore,
		PenaltiesTotal,
		QuickBlocksTotal,
		QueuePending,
		QueueProcessing,
		DelayedMailPending,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		TrainingRunsTotal,
	)
}

// ObserveDecision records the metrics for one decided submission.
func ObserveDecision(action string, score int) {
	SubmissionsTotal.WithLabelValues(action).Inc()
	RiskScore.Observe(float64(score))
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
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
