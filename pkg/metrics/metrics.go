package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_nodes_total",
			Help: "Total number of nodes by availability",
		},
		[]string{"available"},
	)

	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	FileLocksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_file_locks_active",
			Help: "Number of live advisory file locks",
		},
	)

	FolderItemsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foreman_folder_items_total",
			Help: "Total number of folder work items by status",
		},
		[]string{"status"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_api_requests_total",
			Help: "Total API requests by method, route and status code",
		},
		[]string{"method", "route", "code"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foreman_api_request_duration_seconds",
			Help:    "API request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Sweeper metrics
	SweepCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foreman_sweep_cycles_total",
			Help: "Completed sweep cycles by kind",
		},
		[]string{"kind"},
	)

	SweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foreman_sweep_duration_seconds",
			Help:    "Sweep cycle duration by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	LocksExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_locks_expired_total",
			Help: "File locks removed by the sweeper",
		},
	)

	NodesSweptOfflineTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foreman_nodes_swept_offline_total",
			Help: "Nodes marked offline by the sweeper",
		},
	)

	// EventBus metrics
	EventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foreman_event_subscribers",
			Help: "Currently connected push-channel subscribers",
		},
	)
)

// Register registers all collectors with the default registry. Call once at
// startup.
func Register() {
	prometheus.MustRegister(
		NodesTotal,
		TasksTotal,
		FileLocksActive,
		FolderItemsTotal,
		APIRequestsTotal,
		APIRequestDuration,
		SweepCyclesTotal,
		SweepDuration,
		LocksExpiredTotal,
		NodesSweptOfflineTotal,
		EventSubscribers,
	)
}

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration for a histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on the given observer.
func (t *Timer) ObserveDuration(obs prometheus.Observer) {
	obs.Observe(time.Since(t.start).Seconds())
}
