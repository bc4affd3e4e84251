// Package dispatcher handles the agent side of the control plane: it owns
// the read loop of every agent WebSocket connection, validates incoming
// frames, and applies them to the task store and the agent registry.
package dispatcher

import (
	"context"
	"errors"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/metrics"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/store"
	ws "github.com/ProductionsAutrementDit/HydraTranscode/internal/websocket"
)

// Broadcaster fans observer updates out to dashboard clients.
type Broadcaster interface {
	Broadcast(msg any)
}

// Waker pokes the scheduler when capacity or work appears.
type Waker interface {
	Wake()
}

// Dispatcher applies agent frames to the cluster state. One ServeAgent call
// runs per connection; all shared state lives in the store, the registry,
// and the connection manager, which are individually safe for concurrent
// use.
//
// The zero value is not usable, create instances with New.
type Dispatcher struct {
	tasks  store.TaskStore
	agents *registry.Registry
	conns  *ws.Manager
	hub    Broadcaster
	sched  Waker
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(tasks store.TaskStore, agents *registry.Registry, conns *ws.Manager, hub Broadcaster, sched Waker, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		tasks:  tasks,
		agents: agents,
		conns:  conns,
		hub:    hub,
		sched:  sched,
		logger: logger.Named("dispatcher"),
	}
}

// Session tracks what the dispatcher knows about one connection. The agent
// id is learned from the first connect or reconnect frame; every later frame
// must carry the same id.
type Session struct {
	conn    ws.ControlConn
	agentID string
}

// NewSession wraps a freshly upgraded control channel.
func NewSession(conn ws.ControlConn) *Session {
	return &Session{conn: conn}
}

// ServeAgent runs the read loop for one agent connection. It blocks until
// the connection closes, then updates the registry so the scheduler stops
// targeting the agent.
func (d *Dispatcher) ServeAgent(ctx context.Context, conn *ws.AgentConn) {
	sess := NewSession(conn)
	defer d.closeSession(sess)

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				d.logger.Warn("agent connection lost",
					zap.String("agent_id", sess.agentID),
					zap.Error(err),
				)
			}
			return
		}
		if !d.HandleRaw(ctx, sess, raw) {
			return
		}
	}
}

// HandleRaw decodes and applies one frame. It returns false when the
// connection must be torn down (protocol violation).
func (d *Dispatcher) HandleRaw(ctx context.Context, sess *Session, raw []byte) bool {
	frame, err := protocol.DecodeAgentFrame(raw)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			// Forward compatibility: an unknown frame type is logged and
			// skipped so newer agents can talk to older orchestrators.
			d.logger.Warn("ignoring unknown frame type",
				zap.String("agent_id", sess.agentID),
				zap.Error(err),
			)
			return true
		}
		return d.violation(sess, err.Error())
	}

	if sess.agentID == "" {
		// The first frame must identify the agent.
		if frame.Type != protocol.FrameConnect && frame.Type != protocol.FrameReconnect {
			return d.violation(sess, "frame before connect")
		}
	} else if frame.AgentID != sess.agentID {
		return d.violation(sess, "agent_id changed mid-session")
	}

	switch frame.Type {
	case protocol.FrameConnect:
		d.handleConnect(sess, frame)
	case protocol.FrameReconnect:
		d.handleReconnect(ctx, sess, frame)
	case protocol.FrameHeartbeat:
		d.handleHeartbeat(sess, frame)
	case protocol.FrameProgress:
		d.handleProgress(ctx, frame)
	case protocol.FrameComplete:
		d.handleComplete(ctx, frame)
	case protocol.FrameFailed:
		d.handleFailed(ctx, frame)
	}
	return true
}

func (d *Dispatcher) violation(sess *Session, reason string) bool {
	metrics.ProtocolViolations.Inc()
	d.logger.Warn("protocol violation, closing agent connection",
		zap.String("agent_id", sess.agentID),
		zap.String("reason", reason),
	)
	sess.conn.CloseWithCode(websocket.CloseUnsupportedData, "malformed frame")
	return false
}

// identify binds the session and the connection manager entry to the agent
// id carried by its first frame.
func (d *Dispatcher) identify(sess *Session, agentID string) {
	if sess.agentID == "" {
		metrics.ConnectedAgents.Inc()
	}
	sess.agentID = agentID
	d.conns.Register(agentID, sess.conn)
}

func (d *Dispatcher) handleConnect(sess *Session, frame *protocol.AgentFrame) {
	first := sess.agentID == ""
	d.identify(sess, frame.AgentID)
	if first {
		d.agents.UpsertOnline(frame.AgentID, frame.Connect.Capabilities)
	} else {
		// A connect that follows a reconnect on this session only carries
		// capabilities; it must not discard a binding the reconnect
		// restored.
		d.agents.Refresh(frame.AgentID, frame.Connect.Capabilities)
	}
	d.hub.Broadcast(protocol.NewAgentsUpdate(d.agents.Snapshot()))
	d.sched.Wake()
}

// handleReconnect settles the fate of the task the agent held when its
// previous session ended. A reconnect frame may arrive before any connect
// frame (agent restarting after a crash), in which case it also registers
// the agent; the follow-up connect frame refreshes its capabilities.
func (d *Dispatcher) handleReconnect(ctx context.Context, sess *Session, frame *protocol.AgentFrame) {
	first := sess.agentID == ""
	d.identify(sess, frame.AgentID)
	if first {
		d.agents.UpsertOnline(frame.AgentID, protocol.Capabilities{})
	}

	switch frame.Reconnect.Status {
	case protocol.ReconnectFailed:
		msg := frame.Reconnect.Error
		if msg == "" {
			msg = "Agent crashed during execution"
		}
		task, err := d.tasks.Fail(ctx, frame.TaskID, msg)
		switch {
		case err == nil:
			metrics.TasksCompleted.WithLabelValues("failed").Inc()
			d.hub.Broadcast(protocol.NewTaskUpdate(task))
		case errors.Is(err, store.ErrPrecondition), errors.Is(err, store.ErrConflict):
			// Already settled, typically by the boot reconciliation.
			d.logger.Debug("reconnect for already settled task",
				zap.String("task_id", frame.TaskID))
		default:
			d.logger.Warn("failed to settle reconnected task",
				zap.String("task_id", frame.TaskID), zap.Error(err))
		}
		// Drop any binding left over from the previous session.
		d.agents.Unbind(frame.AgentID)

	case protocol.ReconnectRunning:
		task, err := d.tasks.Get(ctx, frame.TaskID)
		if err == nil && (task.Status == protocol.StatusRunning || task.Status == protocol.StatusAssigned) {
			// Only the transport dropped; the transcode never stopped.
			d.agents.BindRunning(frame.AgentID, frame.TaskID)
		} else {
			// The task was settled while the agent was away (boot
			// reconciliation, cancellation, or deletion). The agent is
			// burning cycles on orphaned work, tell it to stop.
			d.logger.Info("reconnected agent runs an orphaned task, cancelling",
				zap.String("agent_id", frame.AgentID),
				zap.String("task_id", frame.TaskID),
			)
			sess.conn.Send(protocol.NewCancelFrame(&protocol.Task{ID: frame.TaskID}))
		}
	}

	sess.conn.Send(protocol.NewAcknowledgeFrame("reconnect acknowledged"))
	d.hub.Broadcast(protocol.NewAgentsUpdate(d.agents.Snapshot()))
	d.sched.Wake()
}

func (d *Dispatcher) handleHeartbeat(sess *Session, frame *protocol.AgentFrame) {
	if !d.agents.TouchHeartbeat(frame.AgentID) {
		d.logger.Warn("heartbeat from unregistered agent",
			zap.String("agent_id", frame.AgentID))
		return
	}
	d.hub.Broadcast(protocol.NewAgentsUpdate(d.agents.Snapshot()))
}

func (d *Dispatcher) handleProgress(ctx context.Context, frame *protocol.AgentFrame) {
	task, err := d.tasks.UpdateProgress(ctx, frame.TaskID, *frame.Progress.Progress)
	switch {
	case err == nil:
		d.hub.Broadcast(protocol.NewTaskUpdate(task))
	case errors.Is(err, store.ErrPrecondition):
		// A late report racing the terminal transition. Harmless.
		d.logger.Debug("progress after terminal state", zap.String("task_id", frame.TaskID))
	default:
		d.logger.Warn("progress report rejected",
			zap.String("task_id", frame.TaskID), zap.Error(err))
	}
}

func (d *Dispatcher) handleComplete(ctx context.Context, frame *protocol.AgentFrame) {
	task, err := d.tasks.Complete(ctx, frame.TaskID)
	switch {
	case err == nil:
		metrics.TasksCompleted.WithLabelValues("completed").Inc()
		if task.StartedAt != nil && task.CompletedAt != nil {
			metrics.TaskDuration.Observe(task.CompletedAt.Sub(*task.StartedAt).Seconds())
		}
		d.logger.Info("task completed",
			zap.String("task_id", frame.TaskID),
			zap.String("agent_id", frame.AgentID),
		)
		d.settle(frame.AgentID, task)
	case errors.Is(err, store.ErrPrecondition):
		// The task was already settled (duplicate report, or a cancellation
		// beat this frame). The task state stands, but the agent is idle now
		// and the registry must reflect that.
		d.logger.Debug("completion report for settled task", zap.String("task_id", frame.TaskID))
		d.free(frame.AgentID)
	default:
		d.logger.Warn("completion report rejected",
			zap.String("task_id", frame.TaskID), zap.Error(err))
	}
}

func (d *Dispatcher) handleFailed(ctx context.Context, frame *protocol.AgentFrame) {
	task, err := d.tasks.Fail(ctx, frame.TaskID, frame.Failed.Error)
	switch {
	case err == nil:
		metrics.TasksCompleted.WithLabelValues("failed").Inc()
		d.logger.Warn("task failed",
			zap.String("task_id", frame.TaskID),
			zap.String("agent_id", frame.AgentID),
			zap.String("error", frame.Failed.Error),
		)
		d.settle(frame.AgentID, task)
	case errors.Is(err, store.ErrPrecondition):
		d.logger.Debug("failure report for settled task", zap.String("task_id", frame.TaskID))
		d.free(frame.AgentID)
	default:
		d.logger.Warn("failure report rejected",
			zap.String("task_id", frame.TaskID), zap.Error(err))
	}
}

// settle frees the agent after a terminal report and announces both sides of
// the change.
func (d *Dispatcher) settle(agentID string, task *protocol.Task) {
	d.hub.Broadcast(protocol.NewTaskUpdate(task))
	d.free(agentID)
}

// free returns the agent to the idle pool and gives the scheduler a chance
// to hand it new work.
func (d *Dispatcher) free(agentID string) {
	d.agents.Unbind(agentID)
	d.hub.Broadcast(protocol.NewAgentsUpdate(d.agents.Snapshot()))
	d.sched.Wake()
}

// closeSession runs when the read loop exits. Registry state changes only if
// this connection is still the agent's current one; a replacement connection
// keeps its own state.
func (d *Dispatcher) closeSession(sess *Session) {
	if sess.agentID == "" {
		return
	}
	metrics.ConnectedAgents.Dec()

	if !d.conns.Deregister(sess.agentID, sess.conn) {
		return
	}
	if d.agents.CurrentTask(sess.agentID) != "" {
		// The agent holds a task. Keep the binding and let the heartbeat
		// monitor decide: either the agent reconnects in time and finishes,
		// or the deadline expires and the task is failed.
		d.agents.MarkError(sess.agentID)
	} else {
		d.agents.MarkOffline(sess.agentID)
	}
	d.hub.Broadcast(protocol.NewAgentsUpdate(d.agents.Snapshot()))
}
