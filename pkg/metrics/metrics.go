package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	StreamsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ezstream_streams_total",
			Help: "Total number of streams by status",
		},
		[]string{"status"},
	)

	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ezstream_nodes_total",
			Help: "Total number of nodes by status",
		},
		[]string{"status"},
	)

	NodeStreams = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ezstream_node_streams",
			Help: "Cached running stream count per node",
		},
		[]string{"node"},
	)

	NodeCapacity = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ezstream_node_capacity_ceiling",
			Help: "Predicted stream ceiling per node",
		},
		[]string{"node"},
	)

	// Transport metrics
	CommandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_commands_sent_total",
			Help: "Commands published to agents by command and whether anyone received them",
		},
		[]string{"command", "delivered"},
	)

	ReportsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_reports_received_total",
			Help: "Agent reports decoded by type",
		},
		[]string{"type"},
	)

	ReportsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_reports_dropped_total",
			Help: "Agent reports dropped by reason",
		},
		[]string{"reason"},
	)

	ListenerReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ezstream_listener_reconnects_total",
			Help: "Report channel resubscriptions after a failure",
		},
	)

	// Lifecycle metrics
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_stream_transitions_total",
			Help: "Stream status transitions by source and target status",
		},
		[]string{"from", "to"},
	)

	Conflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ezstream_stream_conflicts_total",
			Help: "Streams reported running on a node other than the assigned one",
		},
	)

	// Reconciler metrics
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ezstream_reconcile_duration_seconds",
			Help:    "Time taken to reconcile one node in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_reconcile_actions_total",
			Help: "Corrective actions taken by the reconciler",
		},
		[]string{"action"},
	)

	CounterCorrections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ezstream_counter_corrections_total",
			Help: "Node stream counters rewritten by recomputation",
		},
	)

	// Health monitor metrics
	HealthIssues = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ezstream_health_issues",
			Help: "Issues found by the last health sweep by kind",
		},
		[]string{"kind"},
	)

	AutoFixes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_health_autofix_total",
			Help: "Fixes applied by the health monitor by kind and outcome",
		},
		[]string{"kind", "result"},
	)

	// Worker pool metrics
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ezstream_queue_depth",
			Help: "Jobs waiting in the report worker pool",
		},
	)

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ezstream_job_duration_seconds",
			Help:    "Report job duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	JobFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_job_failures_total",
			Help: "Report jobs that failed by reason (error, timeout, panic)",
		},
		[]string{"reason"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ezstream_scheduling_latency_seconds",
			Help:    "Time taken by one scheduler pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	StreamsScheduled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_streams_scheduled_total",
			Help: "Scheduler start and stop decisions",
		},
		[]string{"action"},
	)

	TelemetrySamples = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ezstream_telemetry_samples_total",
			Help: "Telemetry samples ingested",
		},
	)

	Provisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_provisions_total",
			Help: "Node provisioning attempts by result",
		},
		[]string{"result"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ezstream_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ezstream_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(StreamsTotal)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodeStreams)
	prometheus.MustRegister(NodeCapacity)
	prometheus.MustRegister(CommandsSent)
	prometheus.MustRegister(ReportsReceived)
	prometheus.MustRegister(ReportsDropped)
	prometheus.MustRegister(ListenerReconnects)
	prometheus.MustRegister(Transitions)
	prometheus.MustRegister(Conflicts)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReconcileActions)
	prometheus.MustRegister(CounterCorrections)
	prometheus.MustRegister(HealthIssues)
	prometheus.MustRegister(AutoFixes)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(JobFailures)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(StreamsScheduled)
	prometheus.MustRegister(TelemetrySamples)
	prometheus.MustRegister(Provisions)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
