// Package fetcher ensures source artifacts (model repositories) are present
// under the models directory.
//
// A source is cloned into the staging area and renamed into place only after
// the clone succeeds, then a ledger marker records a fingerprint of the
// tree. A directory without a matching marker is an interrupted fetch and is
// removed before fetching again. Cloning is the only stage that retries.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"time"

	"ggmlforge/internal/command"
	"ggmlforge/internal/config"
	"ggmlforge/internal/fileutil"
	"ggmlforge/internal/keylock"
	"ggmlforge/internal/ledger"
	"ggmlforge/internal/logging"
	"ggmlforge/internal/registry"
	"ggmlforge/internal/services"
	"ggmlforge/internal/stage"
)

// fingerprintSkip lists directories excluded from tree fingerprints.
var fingerprintSkip = []string{".git"}

// Fetcher clones source artifacts.
type Fetcher struct {
	cfg       *config.Config
	artifacts *registry.Artifacts
	runner    command.Runner
	ledger    *ledger.Store
	locks     *keylock.Locker
	logger    *slog.Logger
	sleep     func(context.Context, time.Duration) error
}

// Option configures the fetcher.
type Option func(*Fetcher)

// WithLogger overrides the fetcher logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// New constructs a fetcher resolving names against artifacts.
func New(cfg *config.Config, artifacts *registry.Artifacts, runner command.Runner, store *ledger.Store, locks *keylock.Locker, opts ...Option) *Fetcher {
	f := &Fetcher{
		cfg:       cfg,
		artifacts: artifacts,
		runner:    runner,
		ledger:    store,
		locks:     locks,
		logger:    logging.NewNop(),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = logging.NewComponentLogger(f.logger, "fetcher")
	return f
}

// Dir returns the canonical local directory for name.
func (f *Fetcher) Dir(name registry.SourceName) string {
	return filepath.Join(f.cfg.Paths.ModelsDir, string(name))
}

// EnsureArtifact makes the named source available locally.
func (f *Fetcher) EnsureArtifact(ctx context.Context, name registry.SourceName) (stage.Result, error) {
	canonical, location, ok := f.artifacts.Resolve(string(name))
	if !ok {
		return stage.Result{}, stage.Fatal(stage.Fetch, stage.CodeUnknownArtifact,
			fmt.Sprintf("unknown source %q", name),
			services.Wrap(services.ErrValidation, string(stage.Fetch), "resolve source", string(name), nil))
	}
	name = canonical
	ctx = services.WithSource(ctx, string(name))
	logger := logging.WithContext(ctx, f.logger)

	release, err := f.locks.Acquire(ctx, "source:"+string(name))
	if err != nil {
		return stage.Result{}, f.interrupted(ctx, err, "acquire source lock")
	}
	defer release()

	dir := f.Dir(name)
	present, err := f.verifiedPresent(ctx, name, dir)
	if err != nil {
		return stage.Result{}, err
	}
	if present {
		logger.Debug("source artifact present", logging.String("dir", dir))
		return stage.Result{Stage: stage.Fetch, ProducedPath: dir, AlreadyPresent: true}, nil
	}

	if exists, _ := fileutil.Exists(dir); exists {
		logger.Warn("discarding incomplete source directory",
			logging.String("dir", dir),
			logging.String(logging.FieldEventType, "fetch_partial"),
			logging.Alert("partial_source"),
			logging.String(logging.FieldErrorHint, "a previous fetch was interrupted or the directory changed; it will be cloned again"),
		)
		if err := fileutil.RemoveStale(dir); err != nil {
			return stage.Result{}, f.internal(err, "remove partial source")
		}
	}
	if err := f.ledger.Forget(ctx, ledger.KindArtifact, string(name)); err != nil {
		return stage.Result{}, f.internal(err, "reset source marker")
	}

	if err := f.clone(ctx, logger, name, location, dir); err != nil {
		return stage.Result{}, err
	}
	return stage.Result{Stage: stage.Fetch, ProducedPath: dir}, nil
}

func (f *Fetcher) verifiedPresent(ctx context.Context, name registry.SourceName, dir string) (bool, error) {
	if !fileutil.IsDir(dir) {
		return false, nil
	}
	marker, ok, err := f.ledger.Lookup(ctx, ledger.KindArtifact, string(name))
	if err != nil {
		return false, f.internal(err, "read source marker")
	}
	if !ok || marker.Path != dir {
		return false, nil
	}
	fingerprint, err := fileutil.TreeFingerprint(dir, fingerprintSkip...)
	if err != nil {
		return false, nil
	}
	return fingerprint == marker.Fingerprint, nil
}

func (f *Fetcher) clone(ctx context.Context, logger *slog.Logger, name registry.SourceName, location, dir string) error {
	staging := filepath.Join(f.cfg.Paths.StagingDir, "source-"+string(name))
	defer func() {
		_ = fileutil.RemoveStale(staging)
	}()

	if err := os.MkdirAll(f.cfg.Paths.StagingDir, 0o755); err != nil {
		return f.internal(err, "create staging directory")
	}

	attempts := max(f.cfg.Fetch.MaxAttempts, 1)
	args := append(slices.Clone(f.cfg.Fetch.CloneArgs), location, staging)
	cmd := command.Command{Name: f.cfg.Fetch.CloneCommand, Args: args, Dir: f.cfg.Paths.StagingDir, Timeout: f.cfg.FetchTimeout()}

	var lastCause string
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := f.sleep(ctx, f.cfg.FetchRetryDelay()); err != nil {
				return stage.Canceled(stage.Fetch, err)
			}
		}
		if err := fileutil.RemoveStale(staging); err != nil {
			return f.internal(err, "clear source staging")
		}

		logger.Info("cloning source artifact",
			logging.String("location", location),
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", attempts),
		)
		result, err := f.runner.Run(ctx, cmd)
		switch {
		case err != nil && stage.IsCanceled(ctx, err):
			return stage.Canceled(stage.Fetch, err)
		case errors.Is(err, services.ErrNotFound), errors.Is(err, services.ErrConfiguration):
			return stage.Fatal(stage.Fetch, stage.CodeFetchFailed, err.Error(), err)
		case err != nil:
			lastCause, lastErr = err.Error(), err
		case !result.Success():
			lastCause = stage.DescribeExit(cmd, result)
			lastErr = services.Wrap(services.ErrTransient, string(stage.Fetch), cmd.Name, "non-zero exit", nil)
		case !fileutil.IsDir(staging):
			lastCause = fmt.Sprintf("%s reported success but produced no directory", cmd.Name)
			lastErr = services.Wrap(services.ErrTransient, string(stage.Fetch), cmd.Name, "missing output", nil)
		default:
			return f.promote(ctx, logger, name, staging, dir, attempt)
		}
		logger.Warn("clone attempt failed",
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", attempts),
			logging.String("cause", lastCause),
			logging.String(logging.FieldEventType, "fetch_attempt_failed"),
			logging.String(logging.FieldErrorHint, "check network access to "+location),
			logging.String("impact", "the clone will be retried until attempts are exhausted"),
		)
	}

	return stage.Exhausted(stage.Fetch, stage.CodeFetchFailed, attempts,
		fmt.Sprintf("source %s failed after %d attempts: %s", name, attempts, lastCause), lastErr)
}

func (f *Fetcher) promote(ctx context.Context, logger *slog.Logger, name registry.SourceName, staging, dir string, attempt int) error {
	if err := fileutil.Promote(staging, dir); err != nil {
		return f.internal(err, "move source into place")
	}
	fingerprint, err := fileutil.TreeFingerprint(dir, fingerprintSkip...)
	if err != nil {
		return f.internal(err, "fingerprint source")
	}
	if err := f.ledger.Record(ctx, ledger.Marker{Kind: ledger.KindArtifact, Key: string(name), Path: dir, Fingerprint: fingerprint}); err != nil {
		return f.internal(err, "record source marker")
	}
	logger.Info("source artifact fetched",
		logging.String("dir", dir),
		logging.Int("attempts", attempt),
		logging.String(logging.FieldEventType, "fetch_complete"),
	)
	return nil
}

// HealthCheck reports whether the clone tool is available.
func (f *Fetcher) HealthCheck(context.Context) stage.Health {
	name := string(stage.Fetch)
	if _, err := exec.LookPath(f.cfg.Fetch.CloneCommand); err != nil {
		return stage.Unhealthy(name, fmt.Sprintf("%s not found on PATH", f.cfg.Fetch.CloneCommand))
	}
	if info, err := os.Stat(f.cfg.Paths.ModelsDir); err != nil || !info.IsDir() {
		return stage.Unhealthy(name, "models directory unavailable")
	}
	return stage.Healthy(name)
}

func (f *Fetcher) interrupted(ctx context.Context, err error, operation string) error {
	if ctx.Err() != nil {
		return stage.Canceled(stage.Fetch, err)
	}
	return f.internal(err, operation)
}

func (f *Fetcher) internal(err error, operation string) error {
	return stage.Fatal(stage.Fetch, stage.CodeFetchFailed, operation+": "+err.Error(),
		services.Wrap(services.ErrConfiguration, string(stage.Fetch), operation, "", err))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
