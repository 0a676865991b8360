package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

type collectors struct {
	activeSessions     prometheus.Gauge
	participantEvents  *prometheus.CounterVec
	operations         *prometheus.CounterVec
	conflictsResolved  *prometheus.CounterVec
	broadcasts         *prometheus.CounterVec
	broadcastFailures  *prometheus.CounterVec
	heartbeats         prometheus.Counter
	apiLatency         *prometheus.HistogramVec
	maintenanceRuns    *prometheus.CounterVec
	sequencerWaitTime  prometheus.Histogram
	commentsRecorded   prometheus.Counter
	controlCommands    *prometheus.CounterVec
}

func newCollectors(namespace string) *collectors {
	return &collectors{
		activeSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of collaboration sessions currently active",
			},
		),
		participantEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "participant_events_total",
				Help:      "Participant lifecycle events (joined, left, kicked, reactivated)",
			},
			[]string{"event"},
		),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Edit operations processed by final status",
			},
			[]string{"status"},
		),
		conflictsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conflicts_resolved_total",
				Help:      "Conflicted operations resolved by strategy",
			},
			[]string{"strategy"},
		),
		broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcasts_total",
				Help:      "Events published to session streams",
			},
			[]string{"event"},
		),
		broadcastFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcast_failures_total",
				Help:      "Broadcast deliveries that failed or were dropped",
			},
			[]string{"event"},
		),
		heartbeats: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_total",
				Help:      "Participant heartbeats processed",
			},
		),
		apiLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_latency_seconds",
				Help:      "API endpoint latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		maintenanceRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "maintenance_runs_total",
				Help:      "Background maintenance runs by job and result",
			},
			[]string{"job", "result"},
		),
		sequencerWaitTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sequencer_wait_seconds",
				Help:      "Time submissions spent waiting for the per-session serialization lock",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
			},
		),
		commentsRecorded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "comments_total",
				Help:      "Comment events appended to session logs",
			},
		),
		controlCommands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "control_commands_total",
				Help:      "Session control commands by command and result",
			},
			[]string{"command", "result"},
		),
	}
}

func (c *collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.activeSessions,
		c.participantEvents,
		c.operations,
		c.conflictsResolved,
		c.broadcasts,
		c.broadcastFailures,
		c.heartbeats,
		c.apiLatency,
		c.maintenanceRuns,
		c.sequencerWaitTime,
		c.commentsRecorded,
		c.controlCommands,
	}
}
