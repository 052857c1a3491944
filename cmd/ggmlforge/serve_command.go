package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ggmlforge/internal/api"
	"ggmlforge/internal/logging"
	"ggmlforge/internal/preflight"
	"ggmlforge/internal/server"
	"ggmlforge/internal/telemetry"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP conversion service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), ctx, bind)
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "Listen address (overrides server.bind)")
	return cmd
}

func runServe(parent context.Context, ctx *commandContext, bind string) error {
	signalCtx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(bind) != "" {
		cfg.Server.Bind = strings.TrimSpace(bind)
	}

	ctx.runID = logging.NewRunID()
	env, err := ctx.openPipeline()
	if err != nil {
		return err
	}
	defer env.Close()
	logger := env.logger

	currentLog := filepath.Join(cfg.Paths.LogDir, logging.RunLogFile(ctx.runID))
	if removed := logging.PruneLogs(logger, cfg.Paths.LogDir, logging.RunLogPattern, cfg.Logging.RetentionDays, currentLog); removed > 0 {
		logger.Info("pruned old run logs",
			logging.Int("removed", removed),
			logging.Int("retention_days", cfg.Logging.RetentionDays),
		)
	}

	shutdownTracing, err := telemetry.Init(cfg, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", logging.Error(err))
		}
	}()

	for _, result := range preflight.Failed(preflight.RunAll(signalCtx, cfg)) {
		logging.WarnWithContext(logger, "preflight check failed", "preflight_failed",
			logging.String("check", result.Name),
			logging.String("detail", result.Detail),
			logging.String(logging.FieldErrorHint, "install the missing tool or fix directory permissions"),
			logging.String(logging.FieldImpact, "requests needing this will fail"),
		)
	}

	handler := api.NewRouter(cfg, env.orchestrator, logger, api.WithPID(os.Getpid()))
	srv, err := server.New(cfg, handler, logger)
	if err != nil {
		return err
	}
	return srv.Run(signalCtx)
}
