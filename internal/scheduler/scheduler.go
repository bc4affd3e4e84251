// Package scheduler matches PENDING tasks with idle agents.
//
// The scheduler is event-driven: task creation, task completion, agent
// connection, and agent expiry all call Wake, and a slow safety tick covers
// anything missed. Each pass drains the queue until either no task or no
// idle agent remains.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/metrics"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/store"
)

// tickInterval is the safety net between wakes. A missed Wake only delays an
// assignment by one tick, it never loses it.
const tickInterval = 5 * time.Second

// AgentRegistry is the slice of the registry the scheduler needs.
type AgentRegistry interface {
	PickIdle() string
	Bind(agentID, taskID string) bool
	Unbind(agentID string)
	MarkOffline(agentID string)
	Snapshot() map[string]protocol.Agent
}

// Sender delivers a frame to an agent's control channel. A false return
// means the agent has no usable connection and the dispatch must be rolled
// back.
type Sender interface {
	Send(agentID string, msg any) bool
}

// Broadcaster fans observer updates out to dashboard clients.
type Broadcaster interface {
	Broadcast(msg any)
}

// Scheduler assigns queued tasks to idle agents. A single mutex serializes
// assignment passes, so two concurrent wakes cannot double-book an agent;
// the store's compare-and-swap guards the task side of the same race.
//
// The zero value is not usable, create instances with New.
type Scheduler struct {
	mu     sync.Mutex
	tasks  store.TaskStore
	agents AgentRegistry
	conns  Sender
	hub    Broadcaster
	logger *zap.Logger

	// wake has capacity 1: a signal while a pass is pending collapses into
	// the already queued one.
	wake chan struct{}
}

// New creates a Scheduler. Call Run in a goroutine to start it.
func New(tasks store.TaskStore, agents AgentRegistry, conns Sender, hub Broadcaster, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		tasks:  tasks,
		agents: agents,
		conns:  conns,
		hub:    hub,
		logger: logger.Named("scheduler"),
		wake:   make(chan struct{}, 1),
	}
}

// Wake requests an assignment pass. Safe to call from any goroutine; it
// never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run executes assignment passes until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}
		s.Pass(ctx)
	}
}

// Pass drains the queue: it keeps assigning until no PENDING task or no
// idle agent is left.
func (s *Scheduler) Pass(ctx context.Context) {
	for {
		again, err := s.tryAssign(ctx)
		if err != nil {
			s.logger.Error("assignment pass aborted", zap.Error(err))
			return
		}
		if !again {
			break
		}
	}
	s.updateQueueDepth(ctx)
}

// tryAssign performs one assignment attempt. It returns true when the pass
// should continue, either because a task was dispatched or because a lost
// race warrants another look at the queue. A dispatch failure ends the
// pass: retrying the same dead agent in a loop helps nobody, the next wake
// covers it.
func (s *Scheduler) tryAssign(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agentID := s.agents.PickIdle()
	if agentID == "" {
		return false, nil
	}

	task, err := s.tasks.NextPending(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	assigned, err := s.tasks.Assign(ctx, task.ID, agentID)
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			// The task was claimed, cancelled, or deleted between the read
			// and the claim. The queue may still hold work.
			metrics.Assignments.WithLabelValues("lost_race").Inc()
			return true, nil
		}
		return false, err
	}

	if !s.agents.Bind(agentID, assigned.ID) {
		// The agent stopped being idle between PickIdle and Bind.
		s.logger.Warn("agent no longer idle, requeueing task",
			zap.String("task_id", assigned.ID),
			zap.String("agent_id", agentID),
		)
		s.rollback(ctx, assigned.ID)
		return true, nil
	}

	if !s.conns.Send(agentID, protocol.NewAssignFrame(assigned)) {
		// The control channel died between the registry check and the send.
		// The agent goes OFFLINE so it cannot be picked again, the task
		// goes back to the front of its priority band (created_at is
		// unchanged), and the pass stops. The next wake retries with
		// whatever capacity is left.
		s.logger.Warn("dispatch failed, requeueing task",
			zap.String("task_id", assigned.ID),
			zap.String("agent_id", agentID),
		)
		s.agents.Unbind(agentID)
		s.agents.MarkOffline(agentID)
		s.rollback(ctx, assigned.ID)
		return false, nil
	}

	metrics.Assignments.WithLabelValues("dispatched").Inc()
	s.logger.Info("task dispatched",
		zap.String("task_id", assigned.ID),
		zap.String("agent_id", agentID),
		zap.String("priority", string(assigned.Priority)),
	)

	s.hub.Broadcast(protocol.NewTaskUpdate(assigned))
	s.hub.Broadcast(protocol.NewAgentsUpdate(s.agents.Snapshot()))
	return true, nil
}

// rollback returns a half-dispatched task to PENDING. The caller has
// already settled the agent side.
func (s *Scheduler) rollback(ctx context.Context, taskID string) {
	metrics.Assignments.WithLabelValues("rolled_back").Inc()
	task, err := s.tasks.Unassign(ctx, taskID)
	if err != nil {
		s.logger.Error("failed to roll back assignment",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		return
	}
	s.hub.Broadcast(protocol.NewTaskUpdate(task))
}

func (s *Scheduler) updateQueueDepth(ctx context.Context) {
	_, total, err := s.tasks.List(ctx, store.ListFilter{Status: protocol.StatusPending, Limit: 1})
	if err != nil {
		return
	}
	metrics.PendingTasks.Set(float64(total))
}
