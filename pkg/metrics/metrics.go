package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Container inventory
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devbench_containers_total",
			Help: "Total number of containers by status",
		},
		[]string{"status"},
	)

	WarmPoolReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devbench_warm_pool_ready",
			Help: "Whether the warm pool currently holds a claimable container (1 = ready, 0 = empty)",
		},
	)

	// Container lifecycle operation durations
	ContainerSpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devbench_container_spawn_duration_seconds",
			Help:    "Time taken to spawn (create+start) a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devbench_container_start_duration_seconds",
			Help:    "Time taken to start an existing container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devbench_container_stop_duration_seconds",
			Help:    "Time taken to stop a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerRemoveDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devbench_container_remove_duration_seconds",
			Help:    "Time taken to remove a container and its transient volume in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Exec manager
	ExecsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devbench_execs_active",
			Help: "Number of exec commands currently running",
		},
	)

	ExecDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devbench_exec_duration_seconds",
			Help:    "Wall-clock duration of a completed exec in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ExecsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devbench_execs_total",
			Help: "Total number of execs submitted by outcome",
		},
		[]string{"outcome"},
	)

	// Filesystem manager
	FilesystemOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devbench_filesystem_op_duration_seconds",
			Help:    "Duration of a filesystem operation in seconds by op name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	FilesystemBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devbench_filesystem_batch_size",
			Help:    "Number of sub-operations in a filesystem batch call",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		},
	)

	// Reconciliation engine
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devbench_reconciliation_duration_seconds",
			Help:    "Time taken for a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devbench_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ReconciliationAdoptedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devbench_reconciliation_adopted_total",
			Help: "Total number of runtime containers adopted into the durable store",
		},
	)

	ReconciliationGCTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devbench_reconciliation_gc_total",
			Help: "Total number of transient containers garbage collected",
		},
	)

	// Warm pool
	WarmPoolClaimDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "devbench_warm_pool_claim_duration_seconds",
			Help:    "Time taken to claim a warm pool container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WarmPoolRefillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "devbench_warm_pool_refills_total",
			Help: "Total number of warm pool refill operations completed",
		},
	)
)

func init() {
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(WarmPoolReady)

	prometheus.MustRegister(ContainerSpawnDuration)
	prometheus.MustRegister(ContainerStartDuration)
	prometheus.MustRegister(ContainerStopDuration)
	prometheus.MustRegister(ContainerRemoveDuration)

	prometheus.MustRegister(ExecsActive)
	prometheus.MustRegister(ExecDuration)
	prometheus.MustRegister(ExecsTotal)

	prometheus.MustRegister(FilesystemOpDuration)
	prometheus.MustRegister(FilesystemBatchSize)

	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ReconciliationAdoptedTotal)
	prometheus.MustRegister(ReconciliationGCTotal)

	prometheus.MustRegister(WarmPoolClaimDuration)
	prometheus.MustRegister(WarmPoolRefillsTotal)
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
