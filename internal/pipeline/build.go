package pipeline

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"ggmlforge/internal/command"
	"ggmlforge/internal/config"
	"ggmlforge/internal/converter"
	"ggmlforge/internal/fetcher"
	"ggmlforge/internal/keylock"
	"ggmlforge/internal/ledger"
	"ggmlforge/internal/notifications"
	"ggmlforge/internal/quantizer"
	"ggmlforge/internal/registry"
	"ggmlforge/internal/toolchain"
)

// BuildOption adjusts the dependencies Build assembles.
type BuildOption func(*Dependencies)

// WithNotifier replaces the notifier derived from configuration.
func WithNotifier(notifier notifications.Service) BuildOption {
	return func(d *Dependencies) {
		d.Notifier = notifier
	}
}

// WithTracer replaces the global tracer.
func WithTracer(tracer trace.Tracer) BuildOption {
	return func(d *Dependencies) {
		d.Tracer = tracer
	}
}

// Build wires the production stages for cfg around runner and store.
func Build(cfg *config.Config, runner command.Runner, store *ledger.Store, logger *slog.Logger, opts ...BuildOption) (*Orchestrator, error) {
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	locks := keylock.New(cfg.LockDir())
	deps := Dependencies{
		Registry:  reg,
		Toolchain: toolchain.NewManager(cfg, runner, store, locks, toolchain.WithLogger(logger)),
		Fetcher:   fetcher.New(cfg, reg.Artifacts, runner, store, locks, fetcher.WithLogger(logger)),
		Converter: converter.New(cfg, runner, converter.WithLogger(logger)),
		Reducer:   quantizer.New(cfg, reg.Profiles, runner, quantizer.WithLogger(logger)),
		Locks:     locks,
		Notifier:  notifications.NewService(cfg),
		Logger:    logger,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return New(deps)
}
