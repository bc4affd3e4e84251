// Package monitor enforces the heartbeat contract. Agents report every 30
// seconds; an agent silent past the deadline is demoted to ERROR and its
// in-flight task is failed, and an agent silent for a further deadline is
// demoted to OFFLINE. The sweep runs on a gocron scheduler.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/metrics"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/store"
)

const (
	// sweepInterval is how often the registry is scanned.
	sweepInterval = 30 * time.Second

	// DefaultDeadline is how long an agent may stay silent before it is
	// expired. Three missed heartbeats at the 30 second reporting interval.
	DefaultDeadline = 90 * time.Second

	// lostAgentMessage is recorded on tasks failed because their agent
	// stopped heartbeating.
	lostAgentMessage = "agent lost"
)

// Broadcaster fans observer updates out to dashboard clients.
type Broadcaster interface {
	Broadcast(msg any)
}

// Waker pokes the scheduler when agent capacity changes.
type Waker interface {
	Wake()
}

// Monitor owns the periodic heartbeat sweep.
// The zero value is not usable, create instances with New.
type Monitor struct {
	cron     gocron.Scheduler
	tasks    store.TaskStore
	agents   *registry.Registry
	hub      Broadcaster
	sched    Waker
	deadline time.Duration
	logger   *zap.Logger
}

// New creates a Monitor with the given heartbeat deadline. A deadline of 0
// selects DefaultDeadline. Call Start to begin sweeping.
func New(tasks store.TaskStore, agents *registry.Registry, hub Broadcaster, sched Waker, deadline time.Duration, logger *zap.Logger) (*Monitor, error) {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("monitor: failed to create gocron scheduler: %w", err)
	}
	return &Monitor{
		cron:     cron,
		tasks:    tasks,
		agents:   agents,
		hub:      hub,
		sched:    sched,
		deadline: deadline,
		logger:   logger.Named("monitor"),
	}, nil
}

// Start schedules the sweep and starts the underlying gocron scheduler.
func (m *Monitor) Start() error {
	_, err := m.cron.NewJob(
		gocron.DurationJob(sweepInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			m.Sweep(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("monitor: gocron.NewJob failed: %w", err)
	}
	m.cron.Start()
	return nil
}

// Stop shuts the sweep down. Safe to call during graceful shutdown.
func (m *Monitor) Stop() error {
	return m.cron.Shutdown()
}

// Sweep is one pass of heartbeat enforcement. Exported so tests can drive
// it without waiting for the gocron tick.
func (m *Monitor) Sweep(ctx context.Context) {
	changed := false

	// Expire agents demoted to ERROR on an earlier sweep first, so an agent
	// always spends at least one sweep in ERROR before going OFFLINE. An
	// agent that disconnected mid-task keeps its binding through ERROR;
	// once it expires, its task has no owner left and must be failed.
	for _, agent := range m.agents.ExpireErrored(m.deadline) {
		changed = true
		if agent.CurrentTaskID != nil {
			m.failLostTask(ctx, *agent.CurrentTaskID)
		}
	}

	for _, agent := range m.agents.Stale(m.deadline) {
		changed = true
		metrics.AgentsExpired.Inc()
		m.logger.Warn("agent missed heartbeat deadline",
			zap.String("agent_id", agent.ID),
			zap.Duration("deadline", m.deadline),
		)

		if agent.CurrentTaskID != nil {
			m.failLostTask(ctx, *agent.CurrentTaskID)
			m.agents.Unbind(agent.ID)
		}
		m.agents.MarkError(agent.ID)
	}

	if changed {
		m.hub.Broadcast(protocol.NewAgentsUpdate(m.agents.Snapshot()))
		m.sched.Wake()
	}
}

// failLostTask settles the in-flight task of an agent that missed the
// heartbeat deadline.
func (m *Monitor) failLostTask(ctx context.Context, taskID string) {
	task, err := m.tasks.Fail(ctx, taskID, lostAgentMessage)
	if err == nil {
		metrics.TasksCompleted.WithLabelValues("failed").Inc()
		m.hub.Broadcast(protocol.NewTaskUpdate(task))
		return
	}
	// The task settled through another path (duplicate report,
	// cancellation). Nothing left to do here.
	m.logger.Debug("in-flight task of lost agent already settled",
		zap.String("task_id", taskID),
		zap.Error(err),
	)
}
