package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	// A write that does not complete within this window closes the
	// connection, preventing a stalled client from blocking the writePump.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after sending a
	// ping. The connection is closed if no pong arrives in time.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server pings the client. Must be less than
	// pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// observerReadLimit is the maximum frame size accepted from an observer.
	// Observers only send close/pong frames, so a small limit suffices.
	observerReadLimit = 512

	// sendBufferSize is the capacity of the per-client outbound channel. A
	// client whose buffer fills up is too slow and gets disconnected by
	// Broadcast to protect the other subscribers.
	sendBufferSize = 32
)

// upgrader performs the HTTP to WebSocket protocol upgrade. CheckOrigin
// always returns true; origin validation is the reverse proxy's job in
// production deployments.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Observer represents one connected dashboard client. Each observer runs two
// goroutines: readPump (detects disconnection, handles pong frames) and
// writePump (serialises outgoing messages onto the wire).
//
// The send channel is the handoff point between the hub's Broadcast calls
// and the writePump. The hub closes it on unregister, which makes writePump
// drain and exit cleanly.
type Observer struct {
	hub  *Hub
	conn *websocket.Conn
	send chan any

	logger *zap.Logger
}

// NewObserver upgrades the HTTP connection and returns the observer, ready
// for Run. Returns an error if the request is not a valid WebSocket
// handshake.
func NewObserver(hub *Hub, w http.ResponseWriter, r *http.Request, logger *zap.Logger) (*Observer, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Observer{
		hub:    hub,
		conn:   conn,
		send:   make(chan any, sendBufferSize),
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr)),
	}, nil
}

// Enqueue queues a message for this observer only, ahead of Run. The API
// handler uses it to deliver the initial agents_update snapshot before the
// observer starts receiving broadcasts. Returns false if the buffer is full.
func (o *Observer) Enqueue(msg any) bool {
	select {
	case o.send <- msg:
		return true
	default:
		return false
	}
}

// Run registers the observer with the hub and starts the read and write
// pumps. It blocks until the connection closes, which is fine because the
// HTTP handler has nothing left to do after the upgrade.
func (o *Observer) Run() {
	o.hub.Subscribe(o)

	// writePump gets its own goroutine because it blocks on the send channel
	// and the wire write. readPump runs on the current goroutine.
	go o.writePump()
	o.readPump()
}

// readPump reads incoming frames from the connection. Its job is to detect
// disconnection and reset the read deadline after each pong; observers never
// send application messages, the protocol is server-push only.
func (o *Observer) readPump() {
	defer func() {
		o.hub.Unsubscribe(o)
		o.conn.Close()
	}()

	o.conn.SetReadLimit(observerReadLimit)

	if err := o.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		o.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	o.conn.SetPongHandler(func(string) error {
		return o.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := o.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				o.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards messages from the send channel to the wire and sends
// periodic pings so readPump can detect stale connections.
//
// writePump is the only goroutine that writes to conn; gorilla/websocket
// connections are not safe for concurrent writes.
func (o *Observer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		o.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-o.send:
			if err := o.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				o.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				// The hub closed the channel, send a close frame and exit.
				_ = o.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := o.conn.WriteJSON(msg); err != nil {
				o.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := o.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				o.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := o.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				o.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}
