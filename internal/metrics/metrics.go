// Package metrics exposes the orchestrator's Prometheus instrumentation.
// All collectors are registered on the default registry via promauto and
// served on /metrics by the API router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksCreated counts tasks accepted through the REST API, by priority.
	TasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hydra_tasks_created_total",
		Help: "Total number of tasks created",
	}, []string{"priority"})

	// TasksCompleted counts tasks reaching a terminal state, by outcome
	// (completed, failed, cancelled).
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hydra_tasks_finished_total",
		Help: "Total number of tasks that reached a terminal state",
	}, []string{"outcome"})

	// Assignments counts scheduler dispatch attempts by result (dispatched,
	// lost_race, rolled_back).
	Assignments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hydra_assignments_total",
		Help: "Total number of task assignment attempts",
	}, []string{"result"})

	// PendingTasks tracks the current scheduling queue depth.
	PendingTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hydra_pending_tasks",
		Help: "Current number of PENDING tasks",
	})

	// ConnectedAgents tracks the number of live agent control channels.
	ConnectedAgents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hydra_connected_agents",
		Help: "Current number of connected agents",
	})

	// AgentsExpired counts agents expired by the heartbeat monitor.
	AgentsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hydra_agents_expired_total",
		Help: "Total number of agents expired after missing heartbeats",
	})

	// ProtocolViolations counts agent connections closed with code 1003.
	ProtocolViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hydra_protocol_violations_total",
		Help: "Total number of malformed agent frames that closed a connection",
	})

	// TaskDuration observes wall-clock execution time of completed tasks.
	TaskDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hydra_task_duration_seconds",
		Help:    "Execution time of completed tasks",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})
)
