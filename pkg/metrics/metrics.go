package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector provides application metrics collection for the processing engine
type Collector struct {
	// Work unit metrics
	UnitsProcessedTotal *prometheus.CounterVec
	UnitDuration        *prometheus.HistogramVec
	BuildErrorsTotal    *prometheus.CounterVec

	// Pending queue metrics
	QueueDepth           prometheus.Gauge
	QueueOperationsTotal *prometheus.CounterVec
	DrainPassesTotal     prometheus.Counter

	// Run metrics
	RunDuration   prometheus.Histogram
	RunUnitsTotal prometheus.Histogram

	// Database metrics
	DBQueryDuration  *prometheus.HistogramVec
	DBConnectionPool *prometheus.GaugeVec
	DBErrorsTotal    *prometheus.CounterVec
}

// NewCollector creates a new metrics collector
func NewCollector(namespace string) *Collector {
	return &Collector{
		UnitsProcessedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_processed_total",
				Help:      "Total number of work units processed by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),

		UnitDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_duration_seconds",
				Help:      "Work unit processing duration in seconds by mode",
				Buckets:   []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1.0, 2.0, 5.0},
			},
			[]string{"mode"},
		),

		BuildErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "build_errors_total",
				Help:      "Total number of aggregation build errors by kind",
			},
			[]string{"kind"},
		),

		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "monthly_update_queue_depth",
				Help:      "Number of undrained monthly update queue entries",
			},
		),

		QueueOperationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "monthly_update_queue_operations_total",
				Help:      "Total queue operations by type (enqueue, claim, ack, release)",
			},
			[]string{"operation"},
		),

		DrainPassesTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drain_passes_total",
				Help:      "Total number of pending queue drain passes executed",
			},
		),

		RunDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of full processing runs in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
		),

		RunUnitsTotal: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_units",
				Help:      "Number of work units dispatched per run",
				Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000, 10000},
			},
		),

		DBQueryDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "db_query_duration_seconds",
				Help:      "Database query duration in seconds by query type",
				Buckets:   []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
			},
			[]string{"query_type"},
		),

		DBConnectionPool: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connection_pool",
				Help:      "Database connection pool statistics",
			},
			[]string{"state"}, // "in_use", "idle", "total"
		),

		DBErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "db_errors_total",
				Help:      "Total number of database errors by type",
			},
			[]string{"error_type"},
		),
	}
}

// RecordUnitOutcome increments the unit outcome counter and observes duration
func (c *Collector) RecordUnitOutcome(mode, outcome string, duration time.Duration) {
	c.UnitsProcessedTotal.WithLabelValues(mode, outcome).Inc()
	c.UnitDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordBuildError increments the build error counter
func (c *Collector) RecordBuildError(kind string) {
	c.BuildErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordQueueOperation increments the queue operation counter
func (c *Collector) RecordQueueOperation(operation string) {
	c.QueueOperationsTotal.WithLabelValues(operation).Inc()
}

// RecordDBError increments database error counter
func (c *Collector) RecordDBError(errorType string) {
	c.DBErrorsTotal.WithLabelValues(errorType).Inc()
}

// UpdateDBConnectionPool updates database connection pool metrics
func (c *Collector) UpdateDBConnectionPool(inUse, idle, total int) {
	c.DBConnectionPool.WithLabelValues("in_use").Set(float64(inUse))
	c.DBConnectionPool.WithLabelValues("idle").Set(float64(idle))
	c.DBConnectionPool.WithLabelValues("total").Set(float64(total))
}

// SetQueueDepth records the current number of undrained queue entries
func (c *Collector) SetQueueDepth(depth int) {
	c.QueueDepth.Set(float64(depth))
}
