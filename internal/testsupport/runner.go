package testsupport

import (
	"context"
	"path/filepath"
	"slices"
	"sync"

	"ggmlforge/internal/command"
)

// Handler produces the outcome of a stubbed command.
type Handler func(ctx context.Context, cmd command.Command) (command.Result, error)

// StubRunner is a command.Runner that records every invocation and answers
// from handlers keyed by the base name of the command.
type StubRunner struct {
	mu       sync.Mutex
	calls    []command.Command
	handlers map[string]Handler
}

// NewStubRunner returns a runner where every command succeeds with no output.
func NewStubRunner() *StubRunner {
	return &StubRunner{handlers: make(map[string]Handler)}
}

// On installs (or replaces) the handler for commands whose base name is name.
func (s *StubRunner) On(name string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = h
}

// Run records cmd and dispatches to its handler.
func (s *StubRunner) Run(ctx context.Context, cmd command.Command) (command.Result, error) {
	s.mu.Lock()
	cmd.Args = slices.Clone(cmd.Args)
	s.calls = append(s.calls, cmd)
	h := s.handlers[filepath.Base(cmd.Name)]
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return command.Result{ExitCode: -1}, err
	}
	if h == nil {
		return command.Result{}, nil
	}
	return h(ctx, cmd)
}

// Calls returns a copy of every recorded invocation in order.
func (s *StubRunner) Calls() []command.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// Names returns the base name of every recorded invocation in order.
func (s *StubRunner) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.calls))
	for _, call := range s.calls {
		names = append(names, filepath.Base(call.Name))
	}
	return names
}

// Count returns how many recorded invocations have base name name.
func (s *StubRunner) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, call := range s.calls {
		if filepath.Base(call.Name) == name {
			n++
		}
	}
	return n
}

// Reset discards recorded invocations but keeps handlers.
func (s *StubRunner) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}

// ExitWith returns a handler that reports the given exit code and output.
func ExitWith(code int, output string) Handler {
	return func(context.Context, command.Command) (command.Result, error) {
		return command.Result{ExitCode: code, Output: output}, nil
	}
}

// FailWith returns a handler that reports err, as the runner does for absent tools or timeouts.
func FailWith(err error) Handler {
	return func(context.Context, command.Command) (command.Result, error) {
		return command.Result{ExitCode: -1}, err
	}
}
