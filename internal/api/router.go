package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ggmlforge/internal/config"
	"ggmlforge/internal/deps"
	"ggmlforge/internal/logging"
	"ggmlforge/internal/pipeline"
	"ggmlforge/internal/preflight"
	"ggmlforge/internal/registry"
	"ggmlforge/internal/stage"
)

// StatusPath serves the readiness report.
const StatusPath = "/api/status"

// Pipeline is the part of the orchestrator the handlers need.
type Pipeline interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Outcome, error)
	Health(ctx context.Context) []stage.Health
	Registry() *registry.Registry
}

// Option configures the handler.
type Option func(*handler)

// WithDependencyCheck replaces the external program check used by the status route.
func WithDependencyCheck(check func(context.Context) []deps.Status) Option {
	return func(h *handler) {
		if check != nil {
			h.checkDeps = check
		}
	}
}

// WithPID sets the process ID reported by the status route.
func WithPID(pid int) Option {
	return func(h *handler) {
		h.pid = pid
	}
}

type handler struct {
	cfg       *config.Config
	pipeline  Pipeline
	logger    *slog.Logger
	checkDeps func(context.Context) []deps.Status
	pid       int
}

// NewRouter builds the HTTP handler for cfg.Server.Route and the status route.
func NewRouter(cfg *config.Config, p Pipeline, logger *slog.Logger, opts ...Option) http.Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	h := &handler{
		cfg:      cfg,
		pipeline: p,
		logger:   logging.NewComponentLogger(logger, "api"),
		checkDeps: func(ctx context.Context) []deps.Status {
			return preflight.CheckSystemDeps(ctx, cfg)
		},
	}
	for _, opt := range opts {
		opt(h)
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(h.logger))
	r.Use(TimeoutMiddleware(cfg.RequestTimeout()))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, cfg.Telemetry.ServiceName)
	})

	r.Post(cfg.Server.Route, h.handleConvert)
	r.Get(StatusPath, h.handleStatus)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, http.StatusNotFound, ErrorResponse{Error: "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		h.writeError(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
	})
	return r
}
