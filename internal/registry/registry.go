// Package registry maintains the in-memory registry of known agents.
//
// When an agent connects over WebSocket the dispatcher registers it here;
// the scheduler consults the registry to pick an idle agent, and the
// heartbeat monitor walks it to expire agents that stopped reporting.
//
// All state is in-memory and intentionally non-persistent: if the
// orchestrator restarts, agents reconnect and re-register automatically via
// their reconnection loop. Tasks, the durable half of the system, live in
// the database.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
)

// entry is the registry's mutable record for one agent.
type entry struct {
	id            string
	status        protocol.AgentStatus
	currentTaskID *string
	lastHeartbeat *time.Time
	capabilities  protocol.Capabilities
}

// Registry tracks agent status, heartbeats, and task bindings. It is safe
// for concurrent use: the dispatcher, the scheduler, and the heartbeat
// monitor all run in separate goroutines.
//
// The zero value is not usable, create instances with New.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
	logger *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*entry),
		logger: logger.Named("registry"),
	}
}

// UpsertOnline registers an agent as ONLINE with the advertised
// capabilities. A returning agent keeps its identity; its previous session
// state (task binding, stale heartbeat) is discarded.
func (r *Registry) UpsertOnline(agentID string, caps protocol.Capabilities) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	e, known := r.agents[agentID]
	if !known {
		e = &entry{id: agentID}
		r.agents[agentID] = e
	}
	e.status = protocol.AgentOnline
	e.currentTaskID = nil
	e.lastHeartbeat = &now
	e.capabilities = caps

	r.logger.Info("agent online",
		zap.String("agent_id", agentID),
		zap.Bool("returning", known),
		zap.Strings("codecs", caps.Codecs),
	)
}

// Refresh updates an agent's capabilities and heartbeat without touching
// its status or task binding. Used for a connect frame that follows a
// reconnect on the same session, where a full upsert would discard the
// binding the reconnect just restored. Unknown agents fall back to a full
// registration.
func (r *Registry) Refresh(agentID string, caps protocol.Capabilities) {
	r.mu.Lock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		r.UpsertOnline(agentID, caps)
		return
	}
	now := time.Now().UTC()
	e.capabilities = caps
	e.lastHeartbeat = &now
	r.mu.Unlock()

	r.logger.Debug("agent capabilities refreshed", zap.String("agent_id", agentID))
}

// MarkOffline transitions an agent to OFFLINE, clearing its task binding
// and its heartbeat. Unknown agents are ignored.
func (r *Registry) MarkOffline(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return
	}
	e.status = protocol.AgentOffline
	e.currentTaskID = nil
	e.lastHeartbeat = nil

	r.logger.Info("agent offline", zap.String("agent_id", agentID))
}

// MarkError transitions an agent to ERROR. Its task binding is kept: the
// caller decides separately what happens to the in-flight task.
func (r *Registry) MarkError(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return
	}
	e.status = protocol.AgentError

	r.logger.Warn("agent in error state", zap.String("agent_id", agentID))
}

// TouchHeartbeat records a heartbeat. An agent that had decayed to ERROR
// recovers to ONLINE (or BUSY if it still holds a task). Returns false for
// unknown agents, which the dispatcher treats as a connect-less session.
func (r *Registry) TouchHeartbeat(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return false
	}
	now := time.Now().UTC()
	e.lastHeartbeat = &now
	if e.status == protocol.AgentError {
		if e.currentTaskID != nil {
			e.status = protocol.AgentBusy
		} else {
			e.status = protocol.AgentOnline
		}
		r.logger.Info("agent recovered from error state", zap.String("agent_id", agentID))
	}
	return true
}

// Bind marks an agent BUSY with the given task. Returns false when the
// agent is unknown or not ONLINE, in which case nothing changes.
func (r *Registry) Bind(agentID, taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok || e.status != protocol.AgentOnline {
		return false
	}
	e.status = protocol.AgentBusy
	e.currentTaskID = &taskID
	return true
}

// BindRunning force-binds an agent to a task it reports as still running,
// regardless of the agent's current status. Used when an agent reconnects
// mid-execution: the task never stopped, so the registry must reflect BUSY.
func (r *Registry) BindRunning(agentID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return
	}
	e.status = protocol.AgentBusy
	e.currentTaskID = &taskID
}

// Unbind clears an agent's task binding and returns it to ONLINE unless the
// agent is OFFLINE or in ERROR.
func (r *Registry) Unbind(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return
	}
	e.currentTaskID = nil
	if e.status == protocol.AgentBusy {
		e.status = protocol.AgentOnline
	}
}

// CurrentTask returns the task bound to the agent, or "" when idle.
func (r *Registry) CurrentTask(agentID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.agents[agentID]
	if !ok || e.currentTaskID == nil {
		return ""
	}
	return *e.currentTaskID
}

// PickIdle returns the ONLINE agent with the smallest id, so repeated
// scheduler passes over an unchanged registry pick deterministically.
// Returns "" when no agent is idle.
func (r *Registry) PickIdle() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, e := range r.agents {
		if e.status == protocol.AgentOnline {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}

// Snapshot returns a copy of every registry entry keyed by agent id, in the
// wire representation used by agents_update broadcasts and the REST API.
func (r *Registry) Snapshot() map[string]protocol.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]protocol.Agent, len(r.agents))
	for id, e := range r.agents {
		out[id] = e.toWire()
	}
	return out
}

// Stale returns the agents whose status is ONLINE or BUSY but whose last
// heartbeat is older than deadline. The heartbeat monitor expires them.
func (r *Registry) Stale(deadline time.Duration) []protocol.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-deadline)
	var stale []protocol.Agent
	for _, e := range r.agents {
		if e.status != protocol.AgentOnline && e.status != protocol.AgentBusy {
			continue
		}
		if e.lastHeartbeat != nil && e.lastHeartbeat.Before(cutoff) {
			stale = append(stale, e.toWire())
		}
	}
	return stale
}

// ExpireErrored moves ERROR agents whose heartbeat is older than deadline to
// OFFLINE and returns them as they stood before the transition, bindings
// included, so the heartbeat monitor can fail the tasks they still held. It
// runs as the second stage of expiry, after Stale demoted the agents to
// ERROR on an earlier sweep.
func (r *Registry) ExpireErrored(deadline time.Duration) []protocol.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-deadline)
	var expired []protocol.Agent
	for id, e := range r.agents {
		if e.status != protocol.AgentError {
			continue
		}
		if e.lastHeartbeat == nil || e.lastHeartbeat.Before(cutoff) {
			expired = append(expired, e.toWire())
			e.status = protocol.AgentOffline
			e.currentTaskID = nil
			e.lastHeartbeat = nil
			r.logger.Info("agent expired to offline", zap.String("agent_id", id))
		}
	}
	return expired
}

func (e *entry) toWire() protocol.Agent {
	a := protocol.Agent{
		ID:           e.id,
		Status:       e.status,
		Capabilities: e.capabilities,
	}
	if e.currentTaskID != nil {
		v := *e.currentTaskID
		a.CurrentTaskID = &v
	}
	if e.lastHeartbeat != nil {
		v := *e.lastHeartbeat
		a.LastHeartbeat = &v
	}
	return a
}
