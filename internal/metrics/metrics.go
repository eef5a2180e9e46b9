// Package metrics exposes the Prometheus collectors of the collaboration server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Actor metrics
	ActiveActors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_active_actors",
			Help: "Number of live document actors",
		},
	)

	ActorEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_actor_evictions_total",
			Help: "Document actors stopped by reason",
		},
		[]string{"reason"},
	)

	UpdatesApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_updates_applied_total",
			Help: "Merged updates by collab type and outcome",
		},
		[]string{"collab_type", "outcome"},
	)

	ActorPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "collab_actor_panics_total",
			Help: "Panics recovered at the actor boundary",
		},
	)

	// Admission metrics
	BusyRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_busy_rejections_total",
			Help: "Requests rejected by admission control",
		},
		[]string{"stage"},
	)

	// Storage metrics
	PersistDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collab_persist_duration_seconds",
			Help:    "Duration of snapshot persistence by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	BatchFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_batch_frames_total",
			Help: "Batch ingestion frames by outcome",
		},
		[]string{"outcome"},
	)

	IndexTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_index_tasks_total",
			Help: "Pending index tasks by outcome",
		},
		[]string{"outcome"},
	)

	// Realtime metrics
	PresenceSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "collab_presence_sessions",
			Help: "Number of registered realtime sessions",
		},
	)

	RealtimeMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collab_realtime_messages_total",
			Help: "Realtime messages by direction and type",
		},
		[]string{"direction", "type"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collab_http_request_duration_seconds",
			Help:    "HTTP request duration by route and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)
)

func init() {
	prometheus.MustRegister(ActiveActors)
	prometheus.MustRegister(ActorEvictions)
	prometheus.MustRegister(UpdatesApplied)
	prometheus.MustRegister(ActorPanics)
	prometheus.MustRegister(BusyRejections)
	prometheus.MustRegister(PersistDuration)
	prometheus.MustRegister(BatchFrames)
	prometheus.MustRegister(IndexTasks)
	prometheus.MustRegister(PresenceSessions)
	prometheus.MustRegister(RealtimeMessages)
	prometheus.MustRegister(HTTPRequestDuration)
}

// ObserveSince records the elapsed time since start on a histogram child.
func ObserveSince(observer prometheus.Observer, start time.Time) {
	observer.Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
