// Package websocket carries the orchestrator's two WebSocket surfaces: the
// observer hub, which fans task and agent updates out to dashboard clients,
// and the agent connection manager, which holds the persistent control
// channel to each transcoding agent.
package websocket

import (
	"context"
	"sync"
)

// Hub is the broadcast broker for observer clients. Every published update
// goes to every connected observer; there is no topic routing because the
// dashboard renders the whole cluster.
//
// All mutations to the client registry (register, unregister) are serialised
// through a single goroutine, the Run loop, via channels. Broadcast is the
// one exception: it holds a read-lock only long enough to copy the client
// set, then sends outside the lock so a slow consumer never blocks the event
// loop.
type Hub struct {
	// clients is the set of connected observers, keyed by pointer for O(1)
	// register/unregister.
	clients map[*Observer]struct{}

	// mu protects clients during Broadcast, which reads the set from outside
	// the Run goroutine. The register and unregister channels handle writes
	// exclusively inside Run.
	mu sync.RWMutex

	// register receives observers that have completed the WebSocket upgrade.
	register chan *Observer

	// unregister receives observers that disconnected or hit a write error.
	unregister chan *Observer

	// stopped is closed when the Run loop exits, signalling that no further
	// messages will be delivered.
	stopped chan struct{}
}

// NewHub creates an idle Hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Observer]struct{}),
		register:   make(chan *Observer, 16),
		unregister: make(chan *Observer, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the hub's event loop. It must be called exactly once, in its
// own goroutine, and exits when ctx is cancelled during graceful shutdown.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				// Signal the client's writePump to drain and exit.
				close(client.send)
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
			}
			h.clients = make(map[*Observer]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Broadcast sends msg to every connected observer. It is safe to call from
// any goroutine (scheduler, dispatcher, API handlers). Observers whose send
// buffer is full are disconnected so a slow consumer cannot stall the rest.
func (h *Hub) Broadcast(msg any) {
	h.mu.RLock()
	clients := make([]*Observer, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- msg:
		default:
			h.unregister <- c
		}
	}
}

// Subscribe registers an observer with the hub. Called by the HTTP upgrade
// handler after the observer is initialised.
func (h *Hub) Subscribe(client *Observer) {
	h.register <- client
}

// Unsubscribe removes an observer from the hub. Called by the observer's
// readPump when the connection closes.
func (h *Hub) Unsubscribe(client *Observer) {
	h.unregister <- client
}

// ConnectedCount returns the number of connected observers. Intended for
// metrics and health endpoints.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
