package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains the working directory layout. Relative entries other than
// WorkDir are resolved beneath WorkDir.
type Paths struct {
	WorkDir      string `toml:"work_dir"`
	ToolchainDir string `toml:"toolchain_dir"`
	ModelsDir    string `toml:"models_dir"`
	OutputsDir   string `toml:"outputs_dir"`
	StagingDir   string `toml:"staging_dir"`
	StateDir     string `toml:"state_dir"`
	LogDir       string `toml:"log_dir"`
}

// Toolchain describes the llama.cpp release the pipeline builds and how to
// acquire it.
type Toolchain struct {
	ReleaseTag     string   `toml:"release_tag"`
	ArchiveURL     string   `toml:"archive_url"`
	ExtractedName  string   `toml:"extracted_name"`
	Binary         string   `toml:"binary"`
	FetchCommand   string   `toml:"fetch_command"`
	ExtractCommand string   `toml:"extract_command"`
	MoveCommand    string   `toml:"move_command"`
	BuildCommand   string   `toml:"build_command"`
	BuildArgs      []string `toml:"build_args"`
	VerifyArgs     []string `toml:"verify_args"`
	FetchTimeout   int      `toml:"fetch_timeout"`
	BuildTimeout   int      `toml:"build_timeout"`
}

// Fetch contains source artifact retrieval settings.
type Fetch struct {
	CloneCommand      string   `toml:"clone_command"`
	CloneArgs         []string `toml:"clone_args"`
	MaxAttempts       int      `toml:"max_attempts"`
	RetryDelaySeconds int      `toml:"retry_delay_seconds"`
	Timeout           int      `toml:"timeout"`
}

// Source registers an additional source artifact beyond the built-in seed set.
type Source struct {
	Name     string `toml:"name"`
	Location string `toml:"location"`
}

// Convert contains format conversion settings.
type Convert struct {
	Interpreter string `toml:"interpreter"`
	Script      string `toml:"script"`
	OutType     string `toml:"outtype"`
	Timeout     int    `toml:"timeout"`
}

// Reduce contains quantization settings.
type Reduce struct {
	Timeout int `toml:"timeout"`
}

// Server contains HTTP boundary settings.
type Server struct {
	Bind            string `toml:"bind"`
	Route           string `toml:"route"`
	RequestTimeout  int    `toml:"request_timeout"`
	DownloadBaseURL string `toml:"download_base_url"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Completions    bool   `toml:"completions"`
	Errors         bool   `toml:"errors"`
}

// Telemetry contains OpenTelemetry tracing settings.
type Telemetry struct {
	Enabled     bool   `toml:"enabled"`
	ServiceName string `toml:"service_name"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for ggmlforge.
//
// Configuration sections by subsystem:
//   - Paths: working directory layout
//   - Toolchain: llama.cpp release acquisition and build
//   - Fetch: model repository cloning and retry bound
//   - Sources: extra source artifacts merged into the registry
//   - Convert / Reduce: conversion and quantization invocations
//   - Server: HTTP listener and route
//   - Notifications: ntfy push notification settings
//   - Telemetry: OpenTelemetry tracing
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Toolchain     Toolchain     `toml:"toolchain"`
	Fetch         Fetch         `toml:"fetch"`
	Sources       []Source      `toml:"sources"`
	Convert       Convert       `toml:"convert"`
	Reduce        Reduce        `toml:"reduce"`
	Server        Server        `toml:"server"`
	Notifications Notifications `toml:"notifications"`
	Telemetry     Telemetry     `toml:"telemetry"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("ggmlforge.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the working layout. The toolchain directory and
// per-source model directories are deliberately not created here: their
// presence marks a completed stage.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{
		c.Paths.WorkDir,
		c.Paths.ModelsDir,
		c.Paths.OutputsDir,
		c.Paths.StagingDir,
		c.Paths.StateDir,
		c.Paths.LogDir,
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// LedgerPath returns the SQLite file holding stage completion markers.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.Paths.StateDir, "ledger.db")
}

// LockDir returns the directory holding per-key lock files.
func (c *Config) LockDir() string {
	return filepath.Join(c.Paths.StateDir, "locks")
}

// ArchiveName returns the file name of the toolchain release archive.
func (c *Config) ArchiveName() string {
	return fmt.Sprintf("master-%s.tar.gz", c.Toolchain.ReleaseTag)
}

// ToolchainFetchTimeout bounds the archive download, extraction and rename.
func (c *Config) ToolchainFetchTimeout() time.Duration {
	return seconds(c.Toolchain.FetchTimeout)
}

// ToolchainBuildTimeout bounds the toolchain build and its verification.
func (c *Config) ToolchainBuildTimeout() time.Duration {
	return seconds(c.Toolchain.BuildTimeout)
}

// FetchTimeout bounds a single clone attempt.
func (c *Config) FetchTimeout() time.Duration {
	return seconds(c.Fetch.Timeout)
}

// FetchRetryDelay is the pause between failed clone attempts.
func (c *Config) FetchRetryDelay() time.Duration {
	return seconds(c.Fetch.RetryDelaySeconds)
}

// ConvertTimeout bounds the conversion invocation.
func (c *Config) ConvertTimeout() time.Duration {
	return seconds(c.Convert.Timeout)
}

// ReduceTimeout bounds the quantization invocation.
func (c *Config) ReduceTimeout() time.Duration {
	return seconds(c.Reduce.Timeout)
}

// RequestTimeout bounds one HTTP conversion request; zero disables the bound.
func (c *Config) RequestTimeout() time.Duration {
	return seconds(c.Server.RequestTimeout)
}

func seconds(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// resolveUnder expands a path and anchors relative values beneath base.
func resolveUnder(base, pathValue string) (string, error) {
	trimmed := strings.TrimSpace(pathValue)
	if trimmed == "" {
		return "", errors.New("path is empty")
	}
	if strings.HasPrefix(trimmed, "~") || filepath.IsAbs(trimmed) {
		return expandPath(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed)), nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
