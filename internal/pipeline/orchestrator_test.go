package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"ggmlforge/internal/command"
	"ggmlforge/internal/config"
	"ggmlforge/internal/pipeline"
	"ggmlforge/internal/registry"
	"ggmlforge/internal/stage"
	"ggmlforge/internal/testsupport"
)

type recordingNotifier struct {
	mu        sync.Mutex
	completed []string
	failed    []error
}

func (r *recordingNotifier) NotifyConversionCompleted(_ context.Context, source, profile, artifact string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, artifact)
	return nil
}

func (r *recordingNotifier) NotifyConversionFailed(_ context.Context, _, _ string, err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, err)
	return nil
}

func (r *recordingNotifier) TestNotification(context.Context) error { return nil }

type harness struct {
	cfg      *config.Config
	stub     *testsupport.StubRunner
	orch     *pipeline.Orchestrator
	notifier *recordingNotifier
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) harness {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	stub := testsupport.NewStubRunner()
	testsupport.InstallFakeTools(t, stub, cfg)
	store := testsupport.MustOpenLedger(t, cfg)

	notifier := &recordingNotifier{}
	orch, err := pipeline.Build(cfg, stub, store, nil, pipeline.WithNotifier(notifier))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return harness{cfg: cfg, stub: stub, orch: orch, notifier: notifier}
}

func request(source, profile string) pipeline.Request {
	return pipeline.Request{Source: registry.SourceName(source), Profile: registry.Profile(profile)}
}

func TestRunProducesFinalArtifact(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.orch.Run(context.Background(), request("Llama2_7b", "Q4"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := filepath.Join(h.cfg.Paths.OutputsDir, "Llama2_7b-q4_0.bin")
	if outcome.FinalArtifactPath != want {
		t.Fatalf("final path = %q, want %q", outcome.FinalArtifactPath, want)
	}
	data, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("read final artifact: %v", err)
	}
	if string(data) != "quantized q4_0" {
		t.Fatalf("final artifact content = %q", data)
	}
	if _, err := os.Stat(filepath.Join(h.cfg.Paths.OutputsDir, "Llama2_7b-ggml-model-f16.bin")); err != nil {
		t.Fatalf("intermediate missing: %v", err)
	}

	wantStates := []pipeline.State{
		pipeline.StateInit, pipeline.StateToolchainReady, pipeline.StateArtifactReady,
		pipeline.StateConverted, pipeline.StateReduced, pipeline.StateDone,
	}
	if !slices.Equal(outcome.States, wantStates) {
		t.Fatalf("states = %v, want %v", outcome.States, wantStates)
	}
	if len(outcome.Stages) != 4 {
		t.Fatalf("expected 4 stage results, got %d", len(outcome.Stages))
	}

	for name, want := range map[string]int{"git": 1, "python3": 1, "wget": 1, "make": 1} {
		if got := h.stub.Count(name); got != want {
			t.Fatalf("%s invoked %d times, want %d", name, got, want)
		}
	}
	// verify plus quantize
	if got := h.stub.Count("quantize"); got != 2 {
		t.Fatalf("quantize invoked %d times, want 2", got)
	}
	if len(h.notifier.completed) != 1 || h.notifier.completed[0] != want {
		t.Fatalf("completion notifications = %v", h.notifier.completed)
	}
}

func TestRunSecondRequestReusesUpstreamStages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.orch.Run(ctx, request("Llama2_7b", "Q4")); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	h.stub.Reset()

	outcome, err := h.orch.Run(ctx, request("llama2_7B", "q8"))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if filepath.Base(outcome.FinalArtifactPath) != "Llama2_7b-q8_0.bin" {
		t.Fatalf("final path = %q", outcome.FinalArtifactPath)
	}
	for _, name := range []string{"wget", "tar", "mv", "make", "git"} {
		if got := h.stub.Count(name); got != 0 {
			t.Fatalf("%s re-ran on second request (%d)", name, got)
		}
	}
	if got := h.stub.Count("python3"); got != 1 {
		t.Fatalf("python3 invoked %d times, want 1", got)
	}
	if !outcome.Stages[0].AlreadyPresent || !outcome.Stages[1].AlreadyPresent {
		t.Fatalf("expected toolchain and fetch to report already present: %+v", outcome.Stages)
	}
}

func TestRunUnknownSourceInvokesNothing(t *testing.T) {
	h := newHarness(t)

	outcome, err := h.orch.Run(context.Background(), request("Mistral", "Q4"))
	failure, ok := stage.AsFailure(err)
	if !ok {
		t.Fatalf("expected stage failure, got %v", err)
	}
	if failure.Code != stage.CodeUnknownArtifact || failure.Kind != stage.KindFatal {
		t.Fatalf("unexpected failure %+v", failure)
	}
	if calls := h.stub.Calls(); len(calls) != 0 {
		t.Fatalf("expected no invocations, got %v", h.stub.Names())
	}
	if outcome.States[len(outcome.States)-1] != pipeline.StateFailed {
		t.Fatalf("states = %v", outcome.States)
	}
	if len(h.notifier.failed) != 1 {
		t.Fatalf("failure notifications = %d", len(h.notifier.failed))
	}
}

func TestRunUnknownProfileInvokesNothing(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.Run(context.Background(), request("Llama2_7b", "Q3"))
	failure, ok := stage.AsFailure(err)
	if !ok || failure.Code != stage.CodeUnknownProfile {
		t.Fatalf("expected UnknownProfile, got %v", err)
	}
	if calls := h.stub.Calls(); len(calls) != 0 {
		t.Fatalf("expected no invocations, got %v", h.stub.Names())
	}
}

func TestRunConversionFailureSkipsReduction(t *testing.T) {
	h := newHarness(t)
	h.stub.On("python3", testsupport.ExitWith(1, "ModuleNotFoundError: No module named 'numpy'"))

	outcome, err := h.orch.Run(context.Background(), request("Llama2_7b", "Q4"))
	failure, ok := stage.AsFailure(err)
	if !ok {
		t.Fatalf("expected stage failure, got %v", err)
	}
	if failure.Stage != stage.Convert || failure.Code != stage.CodeConversionFailed {
		t.Fatalf("unexpected failure %+v", failure)
	}
	for _, call := range h.stub.Calls() {
		if filepath.Base(call.Name) == "quantize" && !slices.Equal(call.Args, h.cfg.Toolchain.VerifyArgs) {
			t.Fatalf("reduction ran after conversion failure: %v", call.Args)
		}
	}
	if _, err := os.Stat(filepath.Join(h.cfg.Paths.OutputsDir, "Llama2_7b-q4_0.bin")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("final artifact should not exist: %v", err)
	}
	wantStates := []pipeline.State{
		pipeline.StateInit, pipeline.StateToolchainReady, pipeline.StateArtifactReady, pipeline.StateFailed,
	}
	if !slices.Equal(outcome.States, wantStates) {
		t.Fatalf("states = %v, want %v", outcome.States, wantStates)
	}
	if outcome.FinalArtifactPath != "" {
		t.Fatalf("final path should be empty on failure")
	}
}

func TestRunFetchFailureIsRetriedThenReported(t *testing.T) {
	h := newHarness(t, testsupport.WithFetchAttempts(2))
	h.stub.On("git", testsupport.ExitWith(128, "fatal: unable to access"))

	_, err := h.orch.Run(context.Background(), request("Llama2_7b", "Q4"))
	failure, ok := stage.AsFailure(err)
	if !ok || failure.Kind != stage.KindRetryableExhausted || failure.Attempts != 2 {
		t.Fatalf("unexpected failure %v", err)
	}
	if got := h.stub.Count("git"); got != 2 {
		t.Fatalf("git invoked %d times, want 2", got)
	}
	if got := h.stub.Count("python3"); got != 0 {
		t.Fatalf("conversion ran after fetch failure")
	}
}

func TestRunCanceledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.stub.On("make", func(ctx context.Context, _ command.Command) (command.Result, error) {
		cancel()
		<-ctx.Done()
		return command.Result{ExitCode: -1}, ctx.Err()
	})

	_, err := h.orch.Run(ctx, request("Llama2_7b", "Q4"))
	failure, ok := stage.AsFailure(err)
	if !ok || failure.Code != stage.CodeCanceled {
		t.Fatalf("expected Canceled failure, got %v", err)
	}
	if failure.Stage != stage.Toolchain {
		t.Fatalf("expected cancellation during toolchain, got stage %q", failure.Stage)
	}
}

func TestRunCanceledDuringConversionNamesConvertStage(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	h.stub.On("python3", func(runCtx context.Context, _ command.Command) (command.Result, error) {
		cancel()
		// The execution is only abandoned once its last caller has gone.
		<-runCtx.Done()
		close(stopped)
		return command.Result{ExitCode: -1}, runCtx.Err()
	})

	_, err := h.orch.Run(ctx, request("Llama2_7b", "Q4"))
	failure, ok := stage.AsFailure(err)
	if !ok || failure.Code != stage.CodeCanceled || failure.Stage != stage.Convert {
		t.Fatalf("expected Canceled at convert, got %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("conversion kept running after its only caller left")
	}
	if h.stub.Count("quantize") != 1 {
		t.Fatalf("reduce must not run after cancellation, quantize calls=%d", h.stub.Count("quantize"))
	}
}

func TestRunSharesIdenticalConcurrentRequests(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.stub.On("python3", func(_ context.Context, cmd command.Command) (command.Result, error) {
		once.Do(func() { close(entered) })
		<-release
		out := cmd.Args[len(cmd.Args)-1]
		if err := os.WriteFile(out, []byte("ggml f16"), 0o644); err != nil {
			return command.Result{ExitCode: 1, Output: err.Error()}, nil
		}
		return command.Result{}, nil
	})

	type result struct {
		outcome pipeline.Outcome
		err     error
	}
	results := make(chan result, 2)
	run := func() {
		outcome, err := h.orch.Run(context.Background(), request("Llama2_7b", "Q4"))
		results <- result{outcome, err}
	}
	go run()
	<-entered
	go run()
	time.Sleep(100 * time.Millisecond)
	close(release)

	var shared int
	for range 2 {
		r := <-results
		if r.err != nil {
			t.Fatalf("Run: %v", r.err)
		}
		if filepath.Base(r.outcome.FinalArtifactPath) != "Llama2_7b-q4_0.bin" {
			t.Fatalf("final path = %q", r.outcome.FinalArtifactPath)
		}
		if r.outcome.Shared {
			shared++
		}
	}
	if shared != 2 {
		t.Fatalf("expected both callers to share one execution, shared=%d", shared)
	}
	if got := h.stub.Count("python3"); got != 1 {
		t.Fatalf("python3 invoked %d times, want 1", got)
	}
}

func TestRunFirstCallerCancelDoesNotFailSharedCaller(t *testing.T) {
	h := newHarness(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.stub.On("python3", func(ctx context.Context, cmd command.Command) (command.Result, error) {
		once.Do(func() { close(entered) })
		select {
		case <-release:
		case <-ctx.Done():
			return command.Result{ExitCode: -1}, ctx.Err()
		}
		out := cmd.Args[len(cmd.Args)-1]
		if err := os.WriteFile(out, []byte("ggml f16"), 0o644); err != nil {
			return command.Result{ExitCode: 1, Output: err.Error()}, nil
		}
		return command.Result{}, nil
	})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(firstCtx, request("Llama2_7b", "Q4"))
		firstErr <- err
	}()
	<-entered

	type result struct {
		outcome pipeline.Outcome
		err     error
	}
	second := make(chan result, 1)
	go func() {
		outcome, err := h.orch.Run(context.Background(), request("Llama2_7b", "Q4"))
		second <- result{outcome, err}
	}()
	time.Sleep(100 * time.Millisecond)

	cancelFirst()
	err := <-firstErr
	if failure, ok := stage.AsFailure(err); !ok || failure.Code != stage.CodeCanceled || failure.Stage != stage.Convert {
		t.Fatalf("first caller: expected Canceled at convert, got %v", err)
	}
	close(release)

	r := <-second
	if r.err != nil {
		t.Fatalf("second caller failed after the first canceled: %v", r.err)
	}
	if filepath.Base(r.outcome.FinalArtifactPath) != "Llama2_7b-q4_0.bin" {
		t.Fatalf("final path = %q", r.outcome.FinalArtifactPath)
	}
	if got := h.stub.Count("python3"); got != 1 {
		t.Fatalf("python3 invoked %d times, want 1", got)
	}
}

func TestHealthReportsEveryStage(t *testing.T) {
	h := newHarness(t)
	health := h.orch.Health(context.Background())
	if len(health) != 4 {
		t.Fatalf("expected 4 health entries, got %d", len(health))
	}
}
