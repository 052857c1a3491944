// Package converter turns a fetched model directory into a single f16 GGML
// file using the toolchain's conversion script.
//
// Conversion always regenerates its output: any previous file is removed
// before the script runs, and the script writes to a partial path that is
// renamed into place only when it exits successfully.
package converter

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"

	"ggmlforge/internal/command"
	"ggmlforge/internal/config"
	"ggmlforge/internal/fileutil"
	"ggmlforge/internal/logging"
	"ggmlforge/internal/services"
	"ggmlforge/internal/stage"
)

// Converter invokes the conversion script.
type Converter struct {
	cfg    *config.Config
	runner command.Runner
	logger *slog.Logger
}

// Option configures the converter.
type Option func(*Converter)

// WithLogger overrides the converter logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Converter) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a converter.
func New(cfg *config.Config, runner command.Runner, opts ...Option) *Converter {
	c := &Converter{cfg: cfg, runner: runner, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.NewComponentLogger(c.logger, "converter")
	return c
}

// OutputPath returns the intermediate file produced for a source.
func (c *Converter) OutputPath(source string) string {
	return filepath.Join(c.cfg.Paths.OutputsDir, fmt.Sprintf("%s-ggml-model-%s.bin", source, c.cfg.Convert.OutType))
}

// Convert runs the conversion script from toolchainDir against sourceDir,
// producing outFile.
func (c *Converter) Convert(ctx context.Context, toolchainDir, sourceDir, outFile string) (stage.Result, error) {
	logger := logging.WithContext(ctx, c.logger)
	partial := fileutil.PartialPath(outFile)
	for _, stale := range []string{outFile, partial} {
		if err := fileutil.RemoveStale(stale); err != nil {
			return stage.Result{}, stage.Deterministic(stage.Convert, stage.CodeConversionFailed, err.Error(),
				services.Wrap(services.ErrConfiguration, string(stage.Convert), "remove stale output", "", err))
		}
	}

	script := filepath.Join(toolchainDir, c.cfg.Convert.Script)
	if exists, _ := fileutil.Exists(script); !exists {
		return stage.Result{}, stage.Fatal(stage.Convert, stage.CodeConverterMissing,
			fmt.Sprintf("%s not found", script),
			services.Wrap(services.ErrNotFound, string(stage.Convert), "locate converter", script, nil))
	}

	cmd := command.Command{
		Name:    c.cfg.Convert.Interpreter,
		Args:    []string{c.cfg.Convert.Script, sourceDir, "--outtype", c.cfg.Convert.OutType, "--outfile", partial},
		Dir:     toolchainDir,
		Timeout: c.cfg.ConvertTimeout(),
	}
	logger.Info("converting source artifact",
		logging.String("source_dir", sourceDir),
		logging.String("output", outFile),
	)
	result, err := c.runner.Run(ctx, cmd)
	if err != nil {
		_ = fileutil.RemoveStale(partial)
		if stage.IsCanceled(ctx, err) {
			return stage.Result{}, stage.Canceled(stage.Convert, err)
		}
		return stage.Result{}, stage.Deterministic(stage.Convert, stage.CodeConversionFailed, err.Error(), err)
	}
	if !result.Success() {
		_ = fileutil.RemoveStale(partial)
		return stage.Result{}, stage.Deterministic(stage.Convert, stage.CodeConversionFailed, stage.DescribeExit(cmd, result),
			services.Wrap(services.ErrExternalTool, string(stage.Convert), cmd.Name, "non-zero exit", nil))
	}
	if exists, _ := fileutil.Exists(partial); !exists {
		return stage.Result{}, stage.Deterministic(stage.Convert, stage.CodeConversionFailed,
			fmt.Sprintf("%s exited successfully without writing %s", cmd.Name, partial), nil)
	}
	if err := fileutil.Promote(partial, outFile); err != nil {
		return stage.Result{}, stage.Deterministic(stage.Convert, stage.CodeConversionFailed, err.Error(), err)
	}

	logger.Info("conversion complete",
		logging.String("output", outFile),
		logging.Duration("duration", result.Duration),
		logging.String(logging.FieldEventType, "convert_complete"),
	)
	return stage.Result{Stage: stage.Convert, ProducedPath: outFile}, nil
}

// HealthCheck reports whether the conversion interpreter is available.
func (c *Converter) HealthCheck(context.Context) stage.Health {
	name := string(stage.Convert)
	if _, err := exec.LookPath(c.cfg.Convert.Interpreter); err != nil {
		return stage.Unhealthy(name, fmt.Sprintf("%s not found on PATH", c.cfg.Convert.Interpreter))
	}
	return stage.Healthy(name)
}
