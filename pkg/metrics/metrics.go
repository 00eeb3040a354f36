// Package metrics declares the prometheus collectors of the sync hub, the
// take registry and the generation worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HubRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyflow_hub_rooms",
		Help: "Number of project rooms loaded in the sync hub",
	})

	HubSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyflow_hub_sessions",
		Help: "Number of collaboration sessions connected to the sync hub",
	})

	HubMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyflow_hub_messages_total",
		Help: "Client messages processed by the sync hub",
	}, []string{"type"})

	HubRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyflow_hub_rejections_total",
		Help: "Client messages rejected by the sync hub",
	}, []string{"code"})

	HubCheckpointsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyflow_hub_checkpoints_total",
		Help: "Project state checkpoints written by the sync hub",
	}, []string{"result"})

	TransportDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storyflow_transport_slow_consumers_total",
		Help: "Connections closed because their outbound queue was full",
	})

	TakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyflow_takes_total",
		Help: "Take lifecycle transitions",
	}, []string{"transition"})

	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyflow_jobs_total",
		Help: "Generation jobs finished by the worker",
	}, []string{"result"})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "storyflow_job_duration_seconds",
		Help:    "Duration of generation jobs",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
	})

	JobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyflow_jobs_running",
		Help: "Generation jobs currently running in the worker",
	})
)
