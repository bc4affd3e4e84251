package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ProductionsAutrementDit/HydraTranscode/internal/dispatcher"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/registry"
	"github.com/ProductionsAutrementDit/HydraTranscode/internal/store"
	ws "github.com/ProductionsAutrementDit/HydraTranscode/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main.go after all components are initialized and passed to
// NewRouter as a single struct to keep the constructor signature manageable.
type RouterConfig struct {
	Tasks      store.TaskStore
	Registry   *registry.Registry
	Hub        *ws.Hub
	Dispatcher *dispatcher.Dispatcher
	Scheduler  Waker
	Logger     *zap.Logger

	// HealthCheck reports whether the backing store is reachable. Wired to
	// a database ping in production; may be nil in tests.
	HealthCheck func(ctx context.Context) error
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs for
	// tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the orchestrator.
	r.Use(middleware.Recoverer)

	taskHandler := NewTaskHandler(cfg.Tasks, cfg.Hub, cfg.Scheduler, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Registry, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Dispatcher, cfg.Registry, cfg.Logger)

	r.Get("/healthz", healthHandler(cfg.HealthCheck))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", taskHandler.List)
			r.Post("/", taskHandler.Create)
			r.Get("/{id}", taskHandler.GetByID)
			r.Patch("/{id}", taskHandler.Update)
			r.Delete("/{id}", taskHandler.Delete)
		})
		r.Get("/agents", agentHandler.List)
	})

	r.Get("/ws/agent", wsHandler.ServeAgent)
	r.Get("/ws/observer", wsHandler.ServeObserver)

	return r
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				errJSON(w, http.StatusServiceUnavailable, "database unreachable", "unhealthy")
				return
			}
		}
		Ok(w, map[string]string{"status": "ok"})
	}
}
