package command

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"ggmlforge/internal/logging"
	"ggmlforge/internal/services"
)

// DefaultOutputTail is the number of trailing output bytes retained per run.
const DefaultOutputTail = 64 * 1024

// waitDelay bounds how long Run waits for output pipes after the process group is killed.
const waitDelay = 5 * time.Second

// Command describes one external tool invocation.
type Command struct {
	Name    string
	Args    []string
	Dir     string
	Timeout time.Duration
}

// String renders the command line for logs and error messages.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result captures the observable outcome of a finished tool.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Success reports whether the tool exited with status zero.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Runner abstracts command execution for testability.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// Option configures an ExecRunner.
type Option func(*ExecRunner)

// WithLogger attaches a logger used for debug traces of each invocation.
func WithLogger(logger *slog.Logger) Option {
	return func(r *ExecRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithOutputTail overrides how many trailing output bytes are retained.
func WithOutputTail(limit int) Option {
	return func(r *ExecRunner) {
		if limit > 0 {
			r.tail = limit
		}
	}
}

// ExecRunner executes commands as child processes.
type ExecRunner struct {
	logger *slog.Logger
	tail   int
}

// NewExecRunner constructs a Runner backed by os/exec.
func NewExecRunner(opts ...Option) *ExecRunner {
	r := &ExecRunner{logger: logging.NewNop(), tail: DefaultOutputTail}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes cmd and blocks until it exits, times out, or ctx is canceled.
func (r *ExecRunner) Run(ctx context.Context, c Command) (Result, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return Result{ExitCode: -1}, services.Wrap(services.ErrValidation, "", "run command", "command name required", nil)
	}

	if c.Dir != "" {
		if info, err := os.Stat(c.Dir); err != nil || !info.IsDir() {
			if err == nil {
				err = fmt.Errorf("%s is not a directory", c.Dir)
			}
			return Result{ExitCode: -1}, services.Wrap(services.ErrConfiguration, "", c.String(), "working directory unavailable", err)
		}
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	output := newTailBuffer(r.tail)
	cmd := exec.CommandContext(runCtx, name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	r.logger.Debug("running external command",
		logging.String("command", c.String()),
		logging.String("dir", c.Dir),
		logging.Duration("timeout", c.Timeout),
	)

	start := time.Now()
	err := cmd.Run()
	result := Result{
		ExitCode: -1,
		Output:   output.String(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	switch {
	case err == nil:
		return result, nil
	case ctx.Err() != nil:
		return result, fmt.Errorf("%s: %w", c.String(), ctx.Err())
	case runCtx.Err() != nil:
		return result, services.Wrap(services.ErrTimeout, "", c.String(), fmt.Sprintf("exceeded %s", c.Timeout), runCtx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		r.logger.Debug("external command exited non-zero",
			logging.String("command", c.String()),
			logging.Int("exit_code", result.ExitCode),
			logging.Duration("duration", result.Duration),
		)
		return result, nil
	}
	switch {
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return result, services.Wrap(services.ErrNotFound, "", c.String(), "executable not found", err)
	case errors.Is(err, fs.ErrPermission):
		return result, services.Wrap(services.ErrConfiguration, "", c.String(), "executable not permitted", err)
	}
	return result, services.Wrap(services.ErrExternalTool, "", c.String(), "start failed", err)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = DefaultOutputTail
	}
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if n >= b.limit {
		b.buf = append(b.buf[:0], p[n-b.limit:]...)
		return n, nil
	}
	if overflow := len(b.buf) + n - b.limit; overflow > 0 {
		b.buf = append(b.buf[:0], b.buf[overflow:]...)
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
