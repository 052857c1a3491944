// Package toolchain acquires and builds the llama.cpp release the pipeline
// converts and quantizes with.
//
// Acquisition downloads the release archive into the staging area, unpacks
// it, and moves the extracted tree into the toolchain directory. The build
// runs make in that directory and verifies the quantize binary answers
// --help. Each half is skipped when the ledger says it already completed.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"ggmlforge/internal/command"
	"ggmlforge/internal/config"
	"ggmlforge/internal/fileutil"
	"ggmlforge/internal/keylock"
	"ggmlforge/internal/ledger"
	"ggmlforge/internal/logging"
	"ggmlforge/internal/services"
	"ggmlforge/internal/stage"
)

// Manager ensures the toolchain is present and built.
type Manager struct {
	cfg    *config.Config
	runner command.Runner
	ledger *ledger.Store
	locks  *keylock.Locker
	logger *slog.Logger
}

// Option configures the manager.
type Option func(*Manager)

// WithLogger overrides the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager constructs a toolchain manager.
func NewManager(cfg *config.Config, runner command.Runner, store *ledger.Store, locks *keylock.Locker, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		runner: runner,
		ledger: store,
		locks:  locks,
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.NewComponentLogger(m.logger, "toolchain")
	return m
}

// Dir returns the canonical toolchain directory.
func (m *Manager) Dir() string {
	return m.cfg.Paths.ToolchainDir
}

// BinaryPath returns the location of the size-reduction binary.
func (m *Manager) BinaryPath() string {
	return filepath.Join(m.cfg.Paths.ToolchainDir, m.cfg.Toolchain.Binary)
}

func (m *Manager) lockKey() string {
	return "toolchain:" + m.cfg.Toolchain.ReleaseTag
}

// EnsureToolchain makes the toolchain directory and its built binary
// available. AlreadyPresent is true only when neither acquisition nor build
// ran.
func (m *Manager) EnsureToolchain(ctx context.Context) (stage.Result, error) {
	release, err := m.locks.Acquire(ctx, m.lockKey())
	if err != nil {
		return stage.Result{}, m.interrupted(ctx, err, "acquire toolchain lock")
	}
	defer release()

	acquired, err := m.ensureSource(ctx)
	if err != nil {
		return stage.Result{}, err
	}
	built, err := m.ensureBuild(ctx)
	if err != nil {
		return stage.Result{}, err
	}
	return stage.Result{
		Stage:          stage.Toolchain,
		ProducedPath:   m.Dir(),
		AlreadyPresent: !acquired && !built,
	}, nil
}

// ensureSource reports whether an acquisition ran.
func (m *Manager) ensureSource(ctx context.Context) (bool, error) {
	dir := m.Dir()
	tag := m.cfg.Toolchain.ReleaseTag

	marker, marked, err := m.ledger.Lookup(ctx, ledger.KindToolchain, tag)
	if err != nil {
		return false, m.internal(err, "read toolchain marker")
	}
	if fileutil.IsDir(dir) && marked && marker.Path == dir {
		m.logger.Debug("toolchain source present", logging.String("dir", dir))
		return false, nil
	}
	if exists, _ := fileutil.Exists(dir); exists {
		m.logger.Warn("discarding incomplete toolchain directory",
			logging.String("dir", dir),
			logging.String(logging.FieldEventType, "toolchain_partial"),
			logging.String(logging.FieldErrorHint, "a previous acquisition was interrupted; it will be repeated"),
		)
		if err := fileutil.RemoveStale(dir); err != nil {
			return false, m.internal(err, "remove partial toolchain")
		}
	}
	if err := m.ledger.Forget(ctx, ledger.KindToolchainBuild, tag); err != nil {
		return false, m.internal(err, "reset build marker")
	}

	if err := m.acquire(ctx); err != nil {
		return false, err
	}
	if err := m.ledger.Record(ctx, ledger.Marker{Kind: ledger.KindToolchain, Key: tag, Path: dir}); err != nil {
		return false, m.internal(err, "record toolchain marker")
	}
	m.logger.Info("toolchain acquired",
		logging.String("release", tag),
		logging.String("dir", dir),
		logging.String(logging.FieldEventType, "toolchain_acquired"),
	)
	return true, nil
}

func (m *Manager) acquire(ctx context.Context) error {
	tc := m.cfg.Toolchain
	staging := filepath.Join(m.cfg.Paths.StagingDir, "toolchain-"+tc.ReleaseTag)
	if err := fileutil.RemoveStale(staging); err != nil {
		return m.internal(err, "clear toolchain staging")
	}
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return m.internal(err, "create toolchain staging")
	}
	defer func() {
		_ = fileutil.RemoveStale(staging)
	}()

	archive := filepath.Join(staging, m.cfg.ArchiveName())
	timeout := m.cfg.ToolchainFetchTimeout()

	m.logger.Info("downloading toolchain release",
		logging.String("release", tc.ReleaseTag),
		logging.String("url", tc.ArchiveURL),
	)
	download := command.Command{Name: tc.FetchCommand, Args: []string{"-q", "-O", archive, tc.ArchiveURL}, Dir: staging, Timeout: timeout}
	if err := m.runMalformed(ctx, download); err != nil {
		return err
	}

	extract := command.Command{Name: tc.ExtractCommand, Args: []string{"-zxf", archive, "-C", staging}, Dir: staging, Timeout: timeout}
	if err := m.runMalformed(ctx, extract); err != nil {
		return err
	}
	if err := os.Remove(archive); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("failed to discard toolchain archive",
			logging.String("archive", archive),
			logging.Error(err),
			logging.String(logging.FieldEventType, "toolchain_archive_cleanup_failed"),
			logging.String(logging.FieldErrorHint, "remove the archive from the staging directory manually"),
		)
	}

	extracted := filepath.Join(staging, tc.ExtractedName)
	if !fileutil.IsDir(extracted) {
		return stage.Fatal(stage.Toolchain, stage.CodeToolchainMalformed,
			fmt.Sprintf("archive did not contain %s", tc.ExtractedName), nil)
	}

	move := command.Command{Name: tc.MoveCommand, Args: []string{extracted, m.Dir()}, Dir: staging, Timeout: timeout}
	if err := m.runMalformed(ctx, move); err != nil {
		return err
	}
	if !fileutil.IsDir(m.Dir()) {
		return stage.Fatal(stage.Toolchain, stage.CodeToolchainMalformed,
			fmt.Sprintf("toolchain directory %s missing after rename", m.Dir()), nil)
	}
	return nil
}

// runMalformed runs an acquisition step; any failure means the release is unusable.
func (m *Manager) runMalformed(ctx context.Context, cmd command.Command) error {
	return m.runStep(ctx, cmd, stage.CodeToolchainMalformed)
}

func (m *Manager) runStep(ctx context.Context, cmd command.Command, code stage.Code) error {
	result, err := m.runner.Run(ctx, cmd)
	if err != nil {
		if stage.IsCanceled(ctx, err) {
			return stage.Canceled(stage.Toolchain, err)
		}
		return stage.Fatal(stage.Toolchain, code, err.Error(), err)
	}
	if !result.Success() {
		return stage.Fatal(stage.Toolchain, code, stage.DescribeExit(cmd, result),
			services.Wrap(services.ErrExternalTool, string(stage.Toolchain), cmd.Name, "non-zero exit", nil))
	}
	return nil
}

// ensureBuild reports whether a build ran.
func (m *Manager) ensureBuild(ctx context.Context) (bool, error) {
	tc := m.cfg.Toolchain
	binary := m.BinaryPath()

	if fileutil.IsExecutable(binary) {
		marker, marked, err := m.ledger.Lookup(ctx, ledger.KindToolchainBuild, tc.ReleaseTag)
		if err != nil {
			return false, m.internal(err, "read build marker")
		}
		if marked {
			fingerprint, err := fileutil.FileFingerprint(binary)
			if err == nil && fingerprint == marker.Fingerprint {
				m.logger.Debug("toolchain binary present", logging.String("binary", binary))
				return false, nil
			}
		}
	}

	m.logger.Info("building toolchain",
		logging.String("dir", m.Dir()),
		logging.String(logging.FieldEventType, "toolchain_build"),
	)
	build := command.Command{Name: tc.BuildCommand, Args: tc.BuildArgs, Dir: m.Dir(), Timeout: m.cfg.ToolchainBuildTimeout()}
	if err := m.runStep(ctx, build, stage.CodeBuildFailed); err != nil {
		return false, err
	}

	if !fileutil.IsExecutable(binary) {
		return false, stage.Fatal(stage.Toolchain, stage.CodeBinaryMissing,
			fmt.Sprintf("%s not produced by build", tc.Binary), nil)
	}
	verify := command.Command{Name: binary, Args: tc.VerifyArgs, Dir: m.Dir(), Timeout: m.cfg.ToolchainBuildTimeout()}
	if err := m.runStep(ctx, verify, stage.CodeBinaryMissing); err != nil {
		return false, err
	}

	fingerprint, err := fileutil.FileFingerprint(binary)
	if err != nil {
		return false, m.internal(err, "fingerprint toolchain binary")
	}
	if err := m.ledger.Record(ctx, ledger.Marker{Kind: ledger.KindToolchainBuild, Key: tc.ReleaseTag, Path: binary, Fingerprint: fingerprint}); err != nil {
		return false, m.internal(err, "record build marker")
	}
	m.logger.Info("toolchain built",
		logging.String("binary", binary),
		logging.String(logging.FieldEventType, "toolchain_built"),
	)
	return true, nil
}

// HealthCheck reports whether the toolchain is built and usable.
func (m *Manager) HealthCheck(context.Context) stage.Health {
	name := string(stage.Toolchain)
	if !fileutil.IsDir(m.Dir()) {
		return stage.Unhealthy(name, "toolchain not acquired yet")
	}
	if !fileutil.IsExecutable(m.BinaryPath()) {
		return stage.Unhealthy(name, m.cfg.Toolchain.Binary+" not built yet")
	}
	return stage.Healthy(name)
}

func (m *Manager) interrupted(ctx context.Context, err error, operation string) error {
	if stage.IsCanceled(ctx, err) || ctx.Err() != nil {
		return stage.Canceled(stage.Toolchain, err)
	}
	return m.internal(err, operation)
}

// internal wraps local filesystem or ledger errors.
func (m *Manager) internal(err error, operation string) error {
	return stage.Fatal(stage.Toolchain, stage.CodeToolchainMalformed, operation+": "+err.Error(),
		services.Wrap(services.ErrConfiguration, string(stage.Toolchain), operation, "", err))
}
