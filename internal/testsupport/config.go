package testsupport

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"ggmlforge/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a loaded, normalized config whose working directory is a
// unique temp directory per test. Options run after loading.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	path := filepath.Join(base, "ggmlforge.toml")
	content := fmt.Sprintf("[paths]\nwork_dir = %q\n\n[server]\nbind = \"127.0.0.1:0\"\n", filepath.Join(base, "work"))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write test config: %v", err)
	}

	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("load test config: %v", err)
	}
	cfg.Fetch.RetryDelaySeconds = 0
	cfg.Notifications.NtfyTopic = ""

	builder := &configBuilder{t: t, baseDir: base, cfg: cfg}
	for _, opt := range opts {
		opt(builder)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithSource registers an extra source artifact.
func WithSource(name, location string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Sources = append(b.cfg.Sources, config.Source{Name: name, Location: location})
	}
}

// WithFetchAttempts overrides the clone retry bound.
func WithFetchAttempts(attempts int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Fetch.MaxAttempts = attempts
	}
}

// WithDownloadBaseURL sets the public prefix used for download URLs.
func WithDownloadBaseURL(base string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Server.DownloadBaseURL = base
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, the external tools the pipeline
// invokes are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"wget", "tar", "mv", "make", "git", "python3"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}
