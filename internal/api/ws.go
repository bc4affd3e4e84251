package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/dispatcher"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/protocol"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
	ws "github.com/ProductionsAutrementDit/HydraTranscode/internal/websocket"
)

// WSHandler serves the two WebSocket upgrade endpoints: /ws/agent for the
// transcoding agents and /ws/observer for dashboards.
type WSHandler struct {
	hub    *ws.Hub
	disp   *dispatcher.Dispatcher
	agents *registry.Registry
	logger *zap.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *ws.Hub, disp *dispatcher.Dispatcher, agents *registry.Registry, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, disp: disp, agents: agents, logger: logger}
}

// ServeAgent upgrades the connection and hands it to the dispatcher, which
// blocks for the lifetime of the agent session.
func (h *WSHandler) ServeAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := ws.UpgradeAgent(w, r, h.logger)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.logger.Warn("agent upgrade failed", zap.Error(err))
		return
	}
	h.disp.ServeAgent(r.Context(), conn)
}

// ServeObserver upgrades the connection, delivers the initial registry
// snapshot, and subscribes the observer to broadcasts. Task state reaches
// observers through task_update frames as it changes; the snapshot gives a
// fresh dashboard the agent picture without polling.
func (h *WSHandler) ServeObserver(w http.ResponseWriter, r *http.Request) {
	obs, err := ws.NewObserver(h.hub, w, r, h.logger)
	if err != nil {
		h.logger.Warn("observer upgrade failed", zap.Error(err))
		return
	}
	obs.Enqueue(protocol.NewAgentsUpdate(h.agents.Snapshot()))
	obs.Run()
}
