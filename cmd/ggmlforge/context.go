package main

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"ggmlforge/internal/command"
	"ggmlforge/internal/config"
	"ggmlforge/internal/ledger"
	"ggmlforge/internal/logging"
	"ggmlforge/internal/notifications"
	"ggmlforge/internal/pipeline"
)

type commandContext struct {
	configFlag string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configSeen bool
	configErr  error
	dirsOnce   sync.Once
	dirsErr    error

	// runID is set by serve so its output lands in a per-run log file.
	runID string

	// newRunner and newLogger are replaced in tests.
	newRunner func(*slog.Logger) command.Runner
	newLogger func(*config.Config) (*slog.Logger, logging.Closer, error)
	notifier  notifications.Service
}

func newCommandContext() *commandContext {
	c := &commandContext{
		newRunner: func(logger *slog.Logger) command.Runner {
			return command.NewExecRunner(command.WithLogger(logger))
		},
	}
	c.newLogger = func(cfg *config.Config) (*slog.Logger, logging.Closer, error) {
		if c.runID == "" {
			return logging.NewFromConfig(cfg)
		}
		logger, _, closeLog, err := logging.NewRunLogger(cfg, c.runID)
		return logger, closeLog, err
	}
	return c
}

// loadConfig parses the configuration without creating the work layout.
// Client-only commands stop here.
func (c *commandContext) loadConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, resolved, exists, err := config.Load(strings.TrimSpace(c.configFlag))
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolved
		c.configSeen = exists
	})
	return c.config, c.configErr
}

// ensureConfig is loadConfig plus creation of the work directories.
func (c *commandContext) ensureConfig() (*config.Config, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	c.dirsOnce.Do(func() {
		c.dirsErr = cfg.EnsureDirectories()
	})
	if c.dirsErr != nil {
		return nil, c.dirsErr
	}
	return cfg, nil
}

// pipelineEnv is everything a command needs to run conversions locally.
type pipelineEnv struct {
	cfg          *config.Config
	logger       *slog.Logger
	store        *ledger.Store
	orchestrator *pipeline.Orchestrator
	closeLog     logging.Closer
}

func (e *pipelineEnv) Close() {
	if e.store != nil {
		_ = e.store.Close()
	}
	if e.closeLog != nil {
		_ = e.closeLog()
	}
}

func (c *commandContext) openPipeline() (*pipelineEnv, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, closeLog, err := c.newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	store, err := ledger.Open(cfg.LedgerPath())
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	var opts []pipeline.BuildOption
	if c.notifier != nil {
		opts = append(opts, pipeline.WithNotifier(c.notifier))
	}
	orch, err := pipeline.Build(cfg, c.newRunner(logger), store, logger, opts...)
	if err != nil {
		_ = store.Close()
		_ = closeLog()
		return nil, err
	}
	return &pipelineEnv{cfg: cfg, logger: logger, store: store, orchestrator: orch, closeLog: closeLog}, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
