// Package connection maintains the agent's persistent WebSocket session to
// the orchestrator. It handles:
//   - The announce sequence (crash report, in-flight re-announcement, connect)
//   - Heartbeat loop (liveness signal every 30 seconds)
//   - Inbound frames (assign, cancel, ping, acknowledge)
//   - Automatic reconnection with exponential backoff on any failure
//
// One task runs at a time. The manager owns the checkpoint lifecycle around
// each run: the checkpoint is created before the child starts, stamped on
// every progress emission, and cleared once the terminal outcome has been
// handed to the orchestrator. A crashed run is therefore visible on the
// next start as a checkpoint whose owning process no longer exists, and is
// reported with a reconnect frame before anything else.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/checkpoint"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/storage"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/agent/transcoder"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second

	// heartbeatInterval is how often the agent signals liveness. The
	// orchestrator fails the agent over after three missed beats.
	heartbeatInterval = 30 * time.Second

	writeWait      = 10 * time.Second
	sendBufferSize = 32
)

// agentCapabilities is advertised in every connect frame.
var agentCapabilities = protocol.Capabilities{
	Codecs:  []string{protocol.CodecH264, protocol.CodecH265, protocol.CodecVP9},
	Formats: []string{"mp4", "webm", "mkv"},
}

// Config holds the parameters needed to reach the orchestrator.
type Config struct {
	// AgentID identifies this agent; it must be unique across the fleet.
	AgentID string
	// OrchestratorURL is the agent WebSocket endpoint.
	OrchestratorURL string
}

// Manager runs the connection loop and executes assigned tasks.
// The zero value is not usable, create instances with New.
type Manager struct {
	cfg         Config
	runner      *transcoder.Runner
	storage     storage.Map
	checkpoints *checkpoint.Store
	logger      *zap.Logger

	// mu protects sendCh (replaced every session), the current job, and
	// the parked terminal report.
	mu            sync.Mutex
	sendCh        chan any
	job           *transcoder.Job
	currentTaskID string
	// pendingReport holds a terminal frame that could not be delivered
	// because the transport was down when the job finished. It is flushed
	// right after the next successful connect.
	pendingReport any
}

// New creates a Manager. Call Run to start the connection loop.
func New(cfg Config, runner *transcoder.Runner, storageMap storage.Map, checkpoints *checkpoint.Store, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		runner:      runner,
		storage:     storageMap,
		checkpoints: checkpoints,
		logger:      logger.Named("connection"),
	}
}

// Run connects to the orchestrator and processes frames until ctx is
// cancelled. On any transport failure it reconnects with exponential
// backoff starting at one second and capped at thirty; the backoff resets
// as soon as a connect succeeds.
func (m *Manager) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			m.logger.Info("connection manager stopped")
			return
		}

		m.logger.Info("connecting to orchestrator", zap.String("url", m.cfg.OrchestratorURL))

		connected, err := m.session(ctx)
		if connected {
			// The connect went through; the next failure starts a fresh
			// backoff series.
			backoff = backoffInitial
		}
		if err != nil {
			m.logger.Warn("session ended, reconnecting",
				zap.Error(err),
				zap.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff)
		}
	}
}

// session runs one connection: dial, announce, then pump frames until the
// transport fails or ctx is cancelled. The bool reports whether the dial
// succeeded; ctx cancellation is not an error.
func (m *Manager) session(ctx context.Context) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, m.cfg.OrchestratorURL, nil)
	if err != nil {
		return false, fmt.Errorf("connection: dial failed: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	// Unblock the read loop when the caller shuts down.
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	sendCh := make(chan any, sendBufferSize)
	go m.writePump(conn, sendCh, done)

	m.mu.Lock()
	m.sendCh = sendCh
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.sendCh == sendCh {
			m.sendCh = nil
		}
		m.mu.Unlock()
	}()

	m.announce()

	go m.heartbeatLoop(done)

	for {
		var frame protocol.OrchestratorFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, fmt.Errorf("connection: read failed: %w", err)
		}
		m.handleFrame(ctx, frame)
	}
}

// announce performs the first-frames sequence on a fresh connection:
//  1. a reconnect(failed) crash report if a dead process left a checkpoint
//  2. a reconnect(running) re-announcement if a job survived a transport drop
//  3. the connect frame with this agent's capabilities
//  4. any terminal report parked while the transport was down
func (m *Manager) announce() {
	if rec, crashed := m.checkpoints.Crashed(); crashed {
		m.logger.Info("reporting crashed task", zap.String("task_id", rec.TaskID))
		m.send(protocol.NewReconnectFrame(
			m.cfg.AgentID, rec.TaskID, protocol.ReconnectFailed, "Agent crashed during execution",
		))
		// The orchestrator's heartbeat monitor is the backstop if this
		// report is lost in flight.
		m.checkpoints.Clear()
	}

	m.mu.Lock()
	runningTaskID := ""
	if m.job != nil {
		runningTaskID = m.currentTaskID
	}
	pending := m.pendingReport
	m.pendingReport = nil
	m.mu.Unlock()

	if runningTaskID != "" {
		m.logger.Info("re-announcing in-flight task", zap.String("task_id", runningTaskID))
		m.send(protocol.NewReconnectFrame(
			m.cfg.AgentID, runningTaskID, protocol.ReconnectRunning, "",
		))
	}

	m.send(protocol.NewConnectFrame(m.cfg.AgentID, agentCapabilities))

	if pending != nil {
		m.logger.Info("flushing parked terminal report")
		if !m.send(pending) {
			m.park(pending)
		}
	}
}

// heartbeatLoop signals liveness until the session ends. A failed send is
// not acted on here; the read loop notices the dead transport first.
func (m *Manager) heartbeatLoop(done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if m.send(protocol.NewHeartbeatFrame(m.cfg.AgentID)) {
				m.logger.Debug("heartbeat sent")
			}
		}
	}
}

// writePump serializes all outbound frames for one session. It exits when
// the session ends or a write fails; the read loop surfaces the error.
func (m *Manager) writePump(conn *websocket.Conn, sendCh <-chan any, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				m.logger.Warn("write failed", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}

// send enqueues a frame on the current session. Returns false when no
// session is up or the outbound queue is full.
func (m *Manager) send(msg any) bool {
	m.mu.Lock()
	ch := m.sendCh
	m.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}

// park stores a terminal frame for delivery on the next session.
func (m *Manager) park(msg any) {
	m.mu.Lock()
	m.pendingReport = msg
	m.mu.Unlock()
}

func (m *Manager) handleFrame(ctx context.Context, frame protocol.OrchestratorFrame) {
	switch frame.Type {
	case protocol.FrameAssign:
		if frame.Task == nil {
			m.logger.Warn("assign frame without task")
			return
		}
		m.handleAssign(ctx, frame.Task)

	case protocol.FrameCancel:
		m.handleCancel(frame.Task)

	case protocol.FramePing:
		m.send(protocol.NewHeartbeatFrame(m.cfg.AgentID))

	case protocol.FrameAcknowledge:
		m.logger.Debug("acknowledged", zap.String("message", frame.Message))

	default:
		m.logger.Warn("unknown frame type", zap.String("type", string(frame.Type)))
	}
}

// handleAssign starts the task in its own goroutine. An assignment while a
// job is already in flight is refused; the orchestrator treats the refusal
// like any other failure and requeues the task.
func (m *Manager) handleAssign(ctx context.Context, task *protocol.Task) {
	m.mu.Lock()
	if m.currentTaskID != "" {
		busy := m.currentTaskID
		m.mu.Unlock()
		m.logger.Warn("refusing assignment, agent busy",
			zap.String("task_id", task.ID),
			zap.String("running_task_id", busy),
		)
		m.send(protocol.NewFailedFrame(m.cfg.AgentID, task.ID, "agent busy"))
		return
	}
	m.currentTaskID = task.ID
	m.mu.Unlock()

	m.logger.Info("task assigned",
		zap.String("task_id", task.ID),
		zap.String("priority", string(task.Priority)),
	)
	go m.runTask(ctx, task)
}

// handleCancel aborts the current child if the frame targets it.
func (m *Manager) handleCancel(task *protocol.Task) {
	if task == nil {
		return
	}

	m.mu.Lock()
	job := m.job
	current := m.currentTaskID
	m.mu.Unlock()

	if job == nil || current != task.ID {
		m.logger.Warn("cancel for task not running here", zap.String("task_id", task.ID))
		return
	}
	m.logger.Info("cancelling task", zap.String("task_id", task.ID))
	job.Cancel()
}

// runTask executes one assignment end to end: resolve storage paths, write
// the checkpoint, run the child, report the terminal outcome, clear the
// checkpoint. It owns m.job and m.currentTaskID for its duration.
func (m *Manager) runTask(ctx context.Context, task *protocol.Task) {
	defer func() {
		m.mu.Lock()
		m.job = nil
		m.currentTaskID = ""
		m.mu.Unlock()
	}()

	inputs, err := m.storage.ResolveInputs(task.InputFiles)
	if err == nil {
		var output protocol.OutputSettings
		if output, err = m.storage.ResolveOutput(task.OutputSettings); err == nil {
			m.execute(ctx, task, inputs, output)
			return
		}
	}

	// Unknown storage id: fail before any child process is launched.
	m.logger.Error("storage resolution failed",
		zap.String("task_id", task.ID),
		zap.Error(err),
	)
	m.reportTerminal(protocol.NewFailedFrame(m.cfg.AgentID, task.ID, err.Error()))
}

func (m *Manager) execute(ctx context.Context, task *protocol.Task, inputs []string, output protocol.OutputSettings) {
	if err := m.checkpoints.Create(task.ID); err != nil {
		m.logger.Warn("failed to write checkpoint", zap.Error(err))
	}

	job := m.runner.NewJob(task.ID, inputs, output, func(progress float64) {
		m.send(protocol.NewProgressFrame(m.cfg.AgentID, task.ID, progress))
		m.checkpoints.UpdateProgress(progress)
	})

	m.mu.Lock()
	m.job = job
	m.mu.Unlock()

	err := job.Run(ctx)

	switch {
	case err == nil:
		m.logger.Info("task completed", zap.String("task_id", task.ID))
		m.reportTerminal(protocol.NewCompleteFrame(m.cfg.AgentID, task.ID))
		m.checkpoints.Clear()

	case errors.Is(err, transcoder.ErrCancelled):
		m.logger.Info("task cancelled", zap.String("task_id", task.ID))
		m.reportTerminal(protocol.NewFailedFrame(m.cfg.AgentID, task.ID, "task cancelled"))
		m.checkpoints.Clear()

	case ctx.Err() != nil:
		// Shutdown mid-task. Keep the checkpoint: the next start reports
		// the interrupted run as crashed.
		m.logger.Warn("task interrupted by shutdown", zap.String("task_id", task.ID))

	default:
		m.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		m.reportTerminal(protocol.NewFailedFrame(m.cfg.AgentID, task.ID, err.Error()))
		m.checkpoints.Clear()
	}
}

// reportTerminal delivers a terminal frame, parking it for the next session
// when the transport is down. Losing a terminal report would leave the task
// RUNNING on the orchestrator forever, so unlike progress these frames are
// never dropped.
func (m *Manager) reportTerminal(msg any) {
	if !m.send(msg) {
		m.logger.Warn("transport down, parking terminal report")
		m.park(msg)
	}
}

// nextBackoff doubles the backoff up to the cap.
func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > backoffMax {
		return backoffMax
	}
	return next
}
