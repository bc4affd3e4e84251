package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// agentReadLimit bounds the size of frames accepted from an agent. Control
// frames are small JSON objects; anything bigger is a protocol violation.
const agentReadLimit = 64 * 1024

// AgentConn is the server side of one agent's persistent control channel.
// Reads are driven by the dispatcher goroutine that owns the connection;
// writes from any goroutine go through the send channel so the writePump is
// the single wire writer.
type AgentConn struct {
	conn *websocket.Conn
	send chan any

	closeOnce sync.Once
	closed    chan struct{}

	logger *zap.Logger
}

// UpgradeAgent upgrades the HTTP connection into an agent control channel
// and starts its writePump.
func UpgradeAgent(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*AgentConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &AgentConn{
		conn:   conn,
		send:   make(chan any, sendBufferSize),
		closed: make(chan struct{}),
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}

	conn.SetReadLimit(agentReadLimit)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.writePump()
	return c, nil
}

// ReadMessage blocks until the next frame arrives. The read deadline is
// refreshed before every read; agents keep the connection alive with
// heartbeat frames and pong replies.
func (c *AgentConn) ReadMessage() ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return nil, err
	}
	_, raw, err := c.conn.ReadMessage()
	return raw, err
}

// Send queues a frame for delivery. Returns false when the connection is
// closed or the buffer is full, which callers treat as a failed dispatch.
func (c *AgentConn) Send(msg any) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Warn("ws: agent send buffer full, dropping connection")
		c.Close()
		return false
	}
}

// CloseWithCode sends a close frame with the given code and reason, then
// tears the connection down. Used for protocol violations (code 1003).
func (c *AgentConn) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(writeWait)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.conn.Close()
	})
}

// Close tears the connection down without a descriptive close frame.
func (c *AgentConn) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// writePump forwards queued frames to the wire and pings the agent so stale
// connections are detected even when no task traffic flows.
func (c *AgentConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return

		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn("ws: agent write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: agent ping error", zap.Error(err))
				return
			}
		}
	}
}

// ControlConn is the control-channel surface the manager and the dispatcher
// need. *AgentConn is the production implementation; tests substitute fakes.
type ControlConn interface {
	Send(msg any) bool
	Close()
	CloseWithCode(code int, reason string)
}

// Manager maps agent ids to their live control channels. The dispatcher
// registers connections after the first valid frame identifies the agent;
// the scheduler resolves ids to channels when dispatching assignments.
//
// The zero value is not usable, create instances with NewManager.
type Manager struct {
	mu     sync.RWMutex
	conns  map[string]ControlConn
	logger *zap.Logger
}

// NewManager creates an empty connection manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		conns:  make(map[string]ControlConn),
		logger: logger.Named("agentconns"),
	}
}

// Register binds a connection to an agent id. If the agent already has a
// live connection (reconnect before the old one timed out), the old one is
// closed and replaced.
func (m *Manager) Register(agentID string, conn ControlConn) {
	m.mu.Lock()
	old := m.conns[agentID]
	m.conns[agentID] = conn
	m.mu.Unlock()

	if old != nil && old != conn {
		m.logger.Warn("replacing existing agent connection", zap.String("agent_id", agentID))
		old.Close()
	}
}

// Deregister removes the binding, but only if conn is still the current
// connection. A reconnect that already replaced conn is left untouched.
func (m *Manager) Deregister(agentID string, conn ControlConn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conns[agentID] != conn {
		return false
	}
	delete(m.conns, agentID)
	return true
}

// Send delivers a frame to the agent's live connection. Returns false when
// the agent has no connection or the send fails; the caller rolls the
// dispatch back.
func (m *Manager) Send(agentID string, msg any) bool {
	m.mu.RLock()
	conn := m.conns[agentID]
	m.mu.RUnlock()

	if conn == nil {
		return false
	}
	return conn.Send(msg)
}

// Connected reports whether the agent currently has a live connection.
func (m *Manager) Connected(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[agentID] != nil
}
