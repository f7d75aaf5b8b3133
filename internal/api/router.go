package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ashfall-io/ashfall/internal/connections"
	"github.com/ashfall-io/ashfall/internal/factory"
	"github.com/ashfall-io/ashfall/internal/keystore"
	"github.com/ashfall-io/ashfall/internal/operatorauth"
	"github.com/ashfall-io/ashfall/internal/repositories"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in cmd/c2server after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Agents      repositories.AgentRepository
	Keystore    *keystore.Store
	Connections *connections.Manager
	Factory     *factory.Factory
	Validator   operatorauth.TokenValidator
	Logger      *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router. All routes
// are registered under /api/v1, plus /metrics for Prometheus scraping
// (unauthenticated, matching the teacher's pattern of leaving operational
// endpoints outside the bearer-token boundary).
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	// --- Initialize handlers ---
	agentHandler := NewAgentHandler(cfg.Agents, cfg.Keystore, cfg.Connections, cfg.Logger)
	factoryHandler := NewFactoryHandler(cfg.Agents, cfg.Factory, cfg.Logger)
	bridgeHandler := NewBridgeHandler(cfg.Connections, cfg.Validator, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.Validator))

			// Agent records (SPEC_FULL.md §10's minimal admin surface).
			r.Put("/agents", agentHandler.Create)
			r.Get("/agents", agentHandler.List)
			r.Get("/agents/{id}", agentHandler.GetByID)
			r.Patch("/agents/{id}", agentHandler.Update)
			r.Delete("/agents/{id}", agentHandler.Delete)

			// Agent binary factory.
			r.Get("/agents/{id}/binary", factoryHandler.Build)
		})

		// The operator bridge authenticates the token itself (it arrives as a
		// query parameter, not an Authorization header — see bridge_handler.go)
		// so it sits outside the Authenticate middleware group.
		r.Get("/agents/{id}/shell", bridgeHandler.ServeShell)
	})

	return r
}
