// Package quantizer reduces a converted GGML file to the tag of a reduction
// profile with the toolchain's quantize binary.
package quantizer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"ggmlforge/internal/command"
	"ggmlforge/internal/config"
	"ggmlforge/internal/fileutil"
	"ggmlforge/internal/logging"
	"ggmlforge/internal/registry"
	"ggmlforge/internal/services"
	"ggmlforge/internal/stage"
)

// Reducer invokes the quantize binary.
type Reducer struct {
	cfg      *config.Config
	profiles *registry.Profiles
	runner   command.Runner
	logger   *slog.Logger
}

// Option configures the reducer.
type Option func(*Reducer)

// WithLogger overrides the reducer logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reducer) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New constructs a reducer resolving profiles against profiles.
func New(cfg *config.Config, profiles *registry.Profiles, runner command.Runner, opts ...Option) *Reducer {
	r := &Reducer{cfg: cfg, profiles: profiles, runner: runner, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.NewComponentLogger(r.logger, "quantizer")
	return r
}

// OutputPath returns the final artifact path for a source and profile tag.
func (r *Reducer) OutputPath(source, tag string) string {
	return filepath.Join(r.cfg.Paths.OutputsDir, fmt.Sprintf("%s-%s.bin", source, tag))
}

// Reduce quantizes inFile to profile's tag, producing outFile.
func (r *Reducer) Reduce(ctx context.Context, toolchainDir, inFile string, profile registry.Profile, outFile string) (stage.Result, error) {
	logger := logging.WithContext(ctx, r.logger)
	tag, ok := r.profiles.Tag(profile)
	if !ok {
		return stage.Result{}, stage.Fatal(stage.Reduce, stage.CodeUnknownProfile,
			fmt.Sprintf("unknown profile %q", profile),
			services.Wrap(services.ErrValidation, string(stage.Reduce), "resolve profile", string(profile), nil))
	}

	partial := fileutil.PartialPath(outFile)
	for _, stale := range []string{outFile, partial} {
		if err := fileutil.RemoveStale(stale); err != nil {
			return stage.Result{}, stage.Deterministic(stage.Reduce, stage.CodeReductionFailed, err.Error(),
				services.Wrap(services.ErrConfiguration, string(stage.Reduce), "remove stale output", "", err))
		}
	}

	binary := filepath.Join(toolchainDir, r.cfg.Toolchain.Binary)
	if !fileutil.IsExecutable(binary) {
		return stage.Result{}, stage.Fatal(stage.Reduce, stage.CodeReducerMissing,
			fmt.Sprintf("%s not found or not executable", binary),
			services.Wrap(services.ErrNotFound, string(stage.Reduce), "locate reducer", binary, nil))
	}

	cmd := command.Command{
		Name:    binary,
		Args:    []string{inFile, partial, tag},
		Dir:     toolchainDir,
		Timeout: r.cfg.ReduceTimeout(),
	}
	logger.Info("quantizing model",
		logging.String("input", inFile),
		logging.String(logging.FieldProfile, string(profile)),
		logging.String("tag", tag),
	)
	result, err := r.runner.Run(ctx, cmd)
	if err != nil {
		_ = fileutil.RemoveStale(partial)
		if stage.IsCanceled(ctx, err) {
			return stage.Result{}, stage.Canceled(stage.Reduce, err)
		}
		return stage.Result{}, stage.Deterministic(stage.Reduce, stage.CodeReductionFailed, err.Error(), err)
	}
	if !result.Success() {
		_ = fileutil.RemoveStale(partial)
		return stage.Result{}, stage.Deterministic(stage.Reduce, stage.CodeReductionFailed, stage.DescribeExit(cmd, result),
			services.Wrap(services.ErrExternalTool, string(stage.Reduce), r.cfg.Toolchain.Binary, "non-zero exit", nil))
	}
	if exists, _ := fileutil.Exists(partial); !exists {
		return stage.Result{}, stage.Deterministic(stage.Reduce, stage.CodeReductionFailed,
			fmt.Sprintf("%s exited successfully without writing %s", r.cfg.Toolchain.Binary, partial), nil)
	}
	if err := fileutil.Promote(partial, outFile); err != nil {
		return stage.Result{}, stage.Deterministic(stage.Reduce, stage.CodeReductionFailed, err.Error(), err)
	}

	logger.Info("quantization complete",
		logging.String("output", outFile),
		logging.Duration("duration", result.Duration),
		logging.String(logging.FieldEventType, "reduce_complete"),
	)
	return stage.Result{Stage: stage.Reduce, ProducedPath: outFile}, nil
}

// HealthCheck reports whether the quantize binary has been built.
func (r *Reducer) HealthCheck(context.Context) stage.Health {
	name := string(stage.Reduce)
	binary := filepath.Join(r.cfg.Paths.ToolchainDir, r.cfg.Toolchain.Binary)
	if !fileutil.IsExecutable(binary) {
		return stage.Unhealthy(name, fmt.Sprintf("%s not built yet", r.cfg.Toolchain.Binary))
	}
	return stage.Healthy(name)
}
