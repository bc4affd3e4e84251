package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
)

// AgentHandler serves the /api/agents resource.
type AgentHandler struct {
	agents *registry.Registry
	logger *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(agents *registry.Registry, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{agents: agents, logger: logger}
}

// List handles GET /api/agents. The payload is the same map keyed by agent
// id that observers receive in agents_update frames.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.agents.Snapshot())
}
