// Package metrics exposes the prebuild agent's Prometheus metrics on the
// ops-only sidecar.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for task status.
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Metric label values for activity name.
const (
	ActivityFetchRepository   = "fetch_repository"
	ActivityBuildFs           = "build_fs"
	ActivityCheckoutAndInspect = "checkout_and_inspect"
	ActivityPrebuild          = "prebuild"
	ActivityStartWorkspace    = "start_workspace"
	ActivityStopWorkspace     = "stop_workspace"
)

var allActivities = []string{
	ActivityFetchRepository,
	ActivityBuildFs,
	ActivityCheckoutAndInspect,
	ActivityPrebuild,
	ActivityStartWorkspace,
	ActivityStopWorkspace,
}

var allTaskStatuses = []string{StatusSuccess, StatusError, StatusCancelled}

var (
	VMBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prebuild_agent_vm_boot_seconds",
			Help:    "Duration from VM start to SSH readiness, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	VMCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prebuild_agent_vm_cleanup_seconds",
			Help:    "Duration of VM shutdown and resource release, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActiveVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "prebuild_agent_active_vms",
			Help: "Number of currently running Firecracker microVMs.",
		},
	)

	IPBlocksBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "prebuild_agent_ip_blocks_busy",
			Help: "Number of IP blocks currently allocated from the pool.",
		},
	)

	ActivitiesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prebuild_agent_activities_total",
			Help: "Total number of activity invocations by name and outcome.",
		},
		[]string{"activity", "outcome"},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prebuild_agent_task_duration_seconds",
			Help:    "Duration of an individual prebuild/workspace task, in seconds, by final status.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	LogChunksWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "prebuild_agent_log_chunks_written_total",
			Help: "Total number of log chunks persisted by task log-sync loops.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		VMBootDuration,
		VMCleanupDuration,
		ActiveVMs,
		IPBlocksBusy,
		ActivitiesTotal,
		TaskDuration,
		LogChunksWritten,
	)

	for _, activity := range allActivities {
		ActivitiesTotal.WithLabelValues(activity, "success")
		ActivitiesTotal.WithLabelValues(activity, "error")
	}
	for _, status := range allTaskStatuses {
		TaskDuration.WithLabelValues(status)
	}
}
