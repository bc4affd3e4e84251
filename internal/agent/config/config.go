// Package config loads the agent configuration from the environment.
//
// The agent is container-first: every knob is an environment variable so a
// fleet can be stamped out from one image with per-instance overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds everything the agent needs to run.
type Config struct {
	// AgentID identifies this agent to the orchestrator. It must be unique
	// across the fleet; two agents sharing an ID evict each other's
	// connection.
	AgentID string

	// OrchestratorURL is the agent WebSocket endpoint, e.g.
	// "ws://orchestrator:8080/ws/agent".
	OrchestratorURL string

	// StateDir is where the task checkpoint is persisted across restarts.
	StateDir string

	// StorageMap maps storage ids in task payloads to local path prefixes.
	StorageMap map[string]string

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// Load reads the configuration from the environment. Unset variables fall
// back to defaults suitable for a single-host development setup.
func Load() (Config, error) {
	cfg := Config{
		AgentID:         envOrDefault("AGENT_ID", defaultAgentID()),
		OrchestratorURL: envOrDefault("ORCHESTRATOR_URL", "ws://localhost:8080/ws/agent"),
		StateDir:        envOrDefault("STATE_DIR", defaultStateDir()),
		LogLevel:        envOrDefault("HYDRA_LOG_LEVEL", "info"),
	}

	rawMap := envOrDefault("STORAGE_MAP", `{"shared": "/storage"}`)
	if err := json.Unmarshal([]byte(rawMap), &cfg.StorageMap); err != nil {
		return Config{}, fmt.Errorf("config: STORAGE_MAP is not a valid JSON object: %w", err)
	}
	if len(cfg.StorageMap) == 0 {
		return Config{}, fmt.Errorf("config: STORAGE_MAP must map at least one storage id")
	}
	for id, prefix := range cfg.StorageMap {
		if !filepath.IsAbs(prefix) {
			return Config{}, fmt.Errorf("config: STORAGE_MAP prefix for %q must be an absolute path, got %q", id, prefix)
		}
	}

	return cfg, nil
}

// defaultAgentID derives a stable id from the hostname so an unconfigured
// agent is still distinguishable in the dashboard.
func defaultAgentID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "agent-unknown"
	}
	return "agent-" + hostname
}

func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".hydra-agent")
	}
	return ".hydra-agent"
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
