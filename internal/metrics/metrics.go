package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EntriesWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flare_entries_written_total",
			Help: "Total number of entries persisted to the queue.",
		},
	)

	EntriesEvictedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flare_entries_evicted_total",
			Help: "Total number of entries discarded to stay under the capacity limit.",
		},
	)

	EntriesCancelledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flare_entries_cancelled_total",
			Help: "Total number of entries excluded from a launch flush and removed.",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flare_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"outcome"}, // delivered, retryable, failed
	)

	DeliveryLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flare_delivery_latency_seconds",
			Help:    "Time spent delivering a single entry, including payload read.",
			Buckets: prometheus.DefBuckets,
		},
	)

	HTTPDeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flare_http_delivery_duration_seconds",
			Help:    "HTTP round trip duration by response status class.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"status"}, // 2xx, 4xx, 5xx, error
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flare_retries_total",
			Help: "Total number of entries kept for a later attempt, by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, http_429, timeout, network, other
	)

	LocalFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flare_local_failures_total",
			Help: "Total number of entries dropped after an unrecoverable failure, by reason.",
		},
		[]string{"reason"},
	)

	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flare_tasks_submitted_total",
			Help: "Total number of tasks accepted by the runner, by kind.",
		},
		[]string{"kind"},
	)

	TasksRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flare_tasks_rejected_total",
			Help: "Total number of tasks rejected because a lane was full or closed, by kind.",
		},
		[]string{"kind"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flare_queue_depth",
			Help: "Number of entries currently persisted.",
		},
	)

	LaunchWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flare_launch_wait_seconds",
			Help:    "Time the caller was blocked waiting for the launch flush.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5},
		},
	)

	StoreIOFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flare_store_io_failures_total",
			Help: "Total number of store file operations that failed, by operation.",
		},
		[]string{"op"}, // write, delete, read, list
	)

	DiagnosticsReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flare_diagnostics_reports_total",
			Help: "Total number of local failure reports handled, by sink and result.",
		},
		[]string{"sink", "result"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		EntriesWrittenTotal,
		EntriesEvictedTotal,
		EntriesCancelledTotal,
		DeliveriesTotal,
		DeliveryLatency,
		HTTPDeliveryDuration,
		RetriesTotal,
		LocalFailuresTotal,
		TasksSubmittedTotal,
		TasksRejectedTotal,
		QueueDepth,
		LaunchWaitSeconds,
		StoreIOFailuresTotal,
		DiagnosticsReportsTotal,
	)
}

func RecordWrite() {
	EntriesWrittenTotal.Inc()
}

func RecordEviction() {
	EntriesEvictedTotal.Inc()
}

func RecordCancel() {
	EntriesCancelledTotal.Inc()
}

// RecordDelivery counts one delivery attempt and observes its latency.
func RecordDelivery(outcome string, took time.Duration) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
	DeliveryLatency.Observe(took.Seconds())
}

func RecordHTTPDelivery(status string, took time.Duration) {
	HTTPDeliveryDuration.WithLabelValues(status).Observe(took.Seconds())
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordLocalFailure(reason string) {
	LocalFailuresTotal.WithLabelValues(reason).Inc()
}

func RecordTaskSubmitted(kind string) {
	TasksSubmittedTotal.WithLabelValues(kind).Inc()
}

func RecordTaskRejected(kind string) {
	TasksRejectedTotal.WithLabelValues(kind).Inc()
}

func SetQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}

func RecordLaunchWait(took time.Duration) {
	LaunchWaitSeconds.Observe(took.Seconds())
}

func RecordStoreIOFailure(op string) {
	StoreIOFailuresTotal.WithLabelValues(op).Inc()
}

func RecordDiagnosticsReport(sink, result string) {
	DiagnosticsReportsTotal.WithLabelValues(sink, result).Inc()
}
