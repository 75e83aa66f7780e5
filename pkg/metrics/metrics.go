package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Storage metrics.
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hierarchidb_nodes_total",
			Help: "Total number of committed nodes by tree and lifecycle state",
		},
		[]string{"tree_id", "state"},
	)

	WorkingCopiesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hierarchidb_working_copies_total",
			Help: "Total number of open working copies in EphemeralDB",
		},
	)

	// Command processor metrics.
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hierarchidb_commands_total",
			Help: "Total number of commands processed by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hierarchidb_command_duration_seconds",
			Help:    "Command execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	UndoRedoTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hierarchidb_undo_redo_total",
			Help: "Total number of undo/redo operations by direction and outcome",
		},
		[]string{"direction", "outcome"},
	)

	RingBufferDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hierarchidb_ring_buffer_depth",
			Help: "Current number of command groups held in the undo/redo ring buffer",
		},
	)

	// Mutation service operation latency metrics, one histogram per
	// operation.
	MutationCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hierarchidb_mutation_create_duration_seconds",
			Help:    "Time taken by createNode in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MutationUpdateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hierarchidb_mutation_update_duration_seconds",
			Help:    "Time taken by updateNode in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MutationMoveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hierarchidb_mutation_move_duration_seconds",
			Help:    "Time taken by moveNodes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MutationTrashDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hierarchidb_mutation_trash_duration_seconds",
			Help:    "Time taken by moveNodesToTrash in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MutationRecoverDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hierarchidb_mutation_recover_duration_seconds",
			Help:    "Time taken by recoverNodesFromTrash in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MutationRemoveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hierarchidb_mutation_remove_duration_seconds",
			Help:    "Time taken by removeNodes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MutationDuplicateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hierarchidb_mutation_duplicate_duration_seconds",
			Help:    "Time taken by duplicateNodes in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Query service metrics.
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hierarchidb_query_duration_seconds",
			Help:    "Query operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// Subscription service metrics.
	ActiveSubscriptions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hierarchidb_active_subscriptions",
			Help: "Current number of active subscriptions by kind",
		},
		[]string{"kind"},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hierarchidb_events_published_total",
			Help: "Total number of change events published to subscribers",
		},
		[]string{"type"},
	)

	EventsCoalescedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hierarchidb_events_coalesced_total",
			Help: "Total number of node-updated events collapsed by within-group coalescing",
		},
	)

	// Plugin registry metrics.
	RegisteredNodeTypes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hierarchidb_registered_node_types",
			Help: "Current number of node types registered in the plugin registry",
		},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(WorkingCopiesTotal)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(UndoRedoTotal)
	prometheus.MustRegister(RingBufferDepth)
	prometheus.MustRegister(MutationCreateDuration)
	prometheus.MustRegister(MutationUpdateDuration)
	prometheus.MustRegister(MutationMoveDuration)
	prometheus.MustRegister(MutationTrashDuration)
	prometheus.MustRegister(MutationRecoverDuration)
	prometheus.MustRegister(MutationRemoveDuration)
	prometheus.MustRegister(MutationDuplicateDuration)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(ActiveSubscriptions)
	prometheus.MustRegister(EventsPublishedTotal)
	prometheus.MustRegister(EventsCoalescedTotal)
	prometheus.MustRegister(RegisteredNodeTypes)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
