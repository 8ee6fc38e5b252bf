package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts total HTTP requests passing through the gateway.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of HTTP requests processed, including proxy and loading pages.",
		},
		[]string{"container", "status_code"},
	)

	// RequestDuration tracking the time spent processing proxy requests.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Duration of HTTP requests to container in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"container"},
	)

	// StartsTotal traces container awakenings.
	StartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_starts_total",
			Help: "Total container start attempts.",
		},
		[]string{"container", "result"}, // result: "success" or "error"
	)

	// StartDuration tracks how long the awakening process takes (docker start + TCP probe).
	StartDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_start_duration_seconds",
			Help:    "Time taken for an awakening to successfully complete.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 15, 30, 60, 120},
		},
		[]string{"container"},
	)

	// IdleStopsTotal tracks the idle shutdown watcher.
	IdleStopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_idle_stops_total",
			Help: "Total times a container was stopped due to idle timeout.",
		},
		[]string{"container"},
	)

	// GroupStopsTotal tracks group-level idle/scheduled shutdowns.
	GroupStopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_group_stops_total",
			Help: "Total times a group was stopped, by reason (idle or schedule).",
		},
		[]string{"group", "reason"},
	)

	// ScheduleActionsTotal tracks scheduler-driven start/stop actions.
	ScheduleActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_schedule_actions_total",
			Help: "Total scheduler-driven start/stop actions, by target and action.",
		},
		[]string{"target", "action", "result"},
	)

	// ReaperTickDuration tracks how long each idle-reaper sweep takes.
	ReaperTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_reaper_tick_duration_seconds",
			Help:    "Duration of a single idle-reaper sweep across all backends.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// RecordRequest is a thread-safe helper to bump request metrics.
func RecordRequest(containerName string, statusCode string, durationSec float64) {
	RequestsTotal.WithLabelValues(containerName, statusCode).Inc()
	RequestDuration.WithLabelValues(containerName).Observe(durationSec)
}

// RecordStart is a helper to bump start attempts metrics.
func RecordStart(containerName string, success bool, durationSec float64) {
	result := "error"
	if success {
		result = "success"
		StartDuration.WithLabelValues(containerName).Observe(durationSec)
	}
	StartsTotal.WithLabelValues(containerName, result).Inc()
}

// RecordIdleStop bumps the idle stop counter.
func RecordIdleStop(containerName string) {
	IdleStopsTotal.WithLabelValues(containerName).Inc()
}

// RecordGroupStop bumps the group-stop counter for the given reason
// ("idle" or "schedule").
func RecordGroupStop(groupName, reason string) {
	GroupStopsTotal.WithLabelValues(groupName, reason).Inc()
}

// RecordScheduleAction bumps the scheduler action counter.
func RecordScheduleAction(target, action string, success bool) {
	result := "error"
	if success {
		result = "success"
	}
	ScheduleActionsTotal.WithLabelValues(target, action, result).Inc()
}
