// Package telemetry exposes the daemon's prometheus metrics and its
// trigger-confidence ledger: the two forms of "how is this daemon doing"
// observability the ambient stack carries regardless of which domain
// features are in scope.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "winterd"

// Registry is the daemon's own prometheus registry, separate from the
// global default so tests can construct an isolated Metrics without
// colliding with other packages' registrations.
var Registry = prometheus.NewRegistry()

// Metrics bundles every counter/gauge the daemon records. A single
// instance is built at startup and threaded into whichever component
// needs to observe.
type Metrics struct {
	FirehoseEvents   *prometheus.CounterVec
	SnapshotRecords  prometheus.Counter
	DatalogFlushes   *prometheus.CounterVec
	DatalogQueries   *prometheus.CounterVec
	QueryLatency     prometheus.Histogram
	TriggerCycles    prometheus.Counter
	TriggerActions   *prometheus.CounterVec
	SchedulerRuns    *prometheus.CounterVec
	DirtyPredicates  prometheus.Gauge
}

// Handler serves Registry's metrics for a "/metrics" scrape endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// NewMetrics registers every metric against reg. Pass Registry for the
// process-wide set, or a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FirehoseEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "firehose_events_total",
			Help:      "firehose events applied to the repo cache, by collection and operation",
		}, []string{"collection", "op"}),

		SnapshotRecords: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_records_loaded_total",
			Help:      "records loaded from a com.atproto.sync.getRepo snapshot",
		}),

		DatalogFlushes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datalog_flushes_total",
			Help:      "fact extraction flushes, by kind (full/incremental) and result",
		}, []string{"kind", "status"}),

		DatalogQueries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datalog_queries_total",
			Help:      "solver invocations, by result",
		}, []string{"status"}),

		QueryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "datalog_query_seconds",
			Help:      "wall-clock time of one flush+solve+parse query cycle",
			Buckets:   prometheus.DefBuckets,
		}),

		TriggerCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_cycles_total",
			Help:      "trigger evaluation cycles run",
		}),

		TriggerActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trigger_actions_total",
			Help:      "dispatched trigger actions, by trigger name and result",
		}, []string{"trigger", "status"}),

		SchedulerRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_job_runs_total",
			Help:      "job executions, by schedule kind and result",
		}, []string{"schedule", "status"}),

		DirtyPredicates: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "datalog_dirty_predicates",
			Help:      "predicates currently pending extraction",
		}),
	}
}
