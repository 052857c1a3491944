package fetcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"ggmlforge/internal/command"
	"ggmlforge/internal/config"
	"ggmlforge/internal/keylock"
	"ggmlforge/internal/ledger"
	"ggmlforge/internal/registry"
	"ggmlforge/internal/services"
	"ggmlforge/internal/stage"
	"ggmlforge/internal/testsupport"
)

type fixture struct {
	cfg     *config.Config
	stub    *testsupport.StubRunner
	ledger  *ledger.Store
	fetcher *Fetcher
}

func newFixture(t *testing.T, opts ...testsupport.ConfigOption) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, opts...)
	stub := testsupport.NewStubRunner()
	testsupport.InstallFakeTools(t, stub, cfg)
	reg, err := registry.FromConfig(cfg)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	store := testsupport.MustOpenLedger(t, cfg)
	return fixture{
		cfg:     cfg,
		stub:    stub,
		ledger:  store,
		fetcher: New(cfg, reg.Artifacts, stub, store, keylock.New(cfg.LockDir())),
	}
}

func TestEnsureArtifactClonesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	result, err := f.fetcher.EnsureArtifact(ctx, registry.Llama2_7b)
	if err != nil {
		t.Fatalf("EnsureArtifact: %v", err)
	}
	dir := filepath.Join(f.cfg.Paths.ModelsDir, "Llama2_7b")
	if result.AlreadyPresent || result.ProducedPath != dir {
		t.Fatalf("unexpected result %+v", result)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.json")); err != nil {
		t.Fatalf("expected cloned content: %v", err)
	}

	calls := f.stub.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one clone, got %v", f.stub.Names())
	}
	wantArgs := []string{"clone", "--depth", "1", "https://huggingface.co/meta-llama/Llama-2-7b-hf", filepath.Join(f.cfg.Paths.StagingDir, "source-Llama2_7b")}
	if !slices.Equal(calls[0].Args, wantArgs) {
		t.Fatalf("unexpected clone args %v", calls[0].Args)
	}

	f.stub.Reset()
	again, err := f.fetcher.EnsureArtifact(ctx, registry.Llama2_7b)
	if err != nil {
		t.Fatalf("second EnsureArtifact: %v", err)
	}
	if !again.AlreadyPresent {
		t.Fatal("second call should report AlreadyPresent")
	}
	if n := len(f.stub.Calls()); n != 0 {
		t.Fatalf("second call invoked %d processes", n)
	}
}

func TestEnsureArtifactResolvesCaseInsensitively(t *testing.T) {
	f := newFixture(t)
	result, err := f.fetcher.EnsureArtifact(context.Background(), "llama2chat7b")
	if err != nil {
		t.Fatalf("EnsureArtifact: %v", err)
	}
	if filepath.Base(result.ProducedPath) != "Llama2Chat7b" {
		t.Fatalf("expected canonical directory, got %s", result.ProducedPath)
	}
}

func TestUnknownSourceInvokesNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.fetcher.EnsureArtifact(context.Background(), "Mistral7b")
	failure, ok := stage.AsFailure(err)
	if !ok || failure.Code != stage.CodeUnknownArtifact || failure.Kind != stage.KindFatal {
		t.Fatalf("expected fatal UnknownArtifact, got %v", err)
	}
	if !errors.Is(err, services.ErrValidation) {
		t.Fatal("unknown source should be a validation error")
	}
	if n := len(f.stub.Calls()); n != 0 {
		t.Fatalf("unknown source invoked %d processes", n)
	}
}

func TestRetryBoundIsExactlyThree(t *testing.T) {
	f := newFixture(t)
	staging := filepath.Join(f.cfg.Paths.StagingDir, "source-Llama2_7b")
	f.stub.On("git", func(_ context.Context, cmd command.Command) (command.Result, error) {
		if _, err := os.Stat(staging); err == nil {
			t.Errorf("partial clone output present before attempt")
		}
		testsupport.WriteFile(t, filepath.Join(staging, "partial.bin"), 8)
		return command.Result{ExitCode: 128, Output: "fatal: early EOF"}, nil
	})

	_, err := f.fetcher.EnsureArtifact(context.Background(), registry.Llama2_7b)
	failure, ok := stage.AsFailure(err)
	if !ok || failure.Code != stage.CodeFetchFailed || failure.Kind != stage.KindRetryableExhausted {
		t.Fatalf("expected retryable_exhausted FetchFailed, got %v", err)
	}
	if failure.Attempts != 3 {
		t.Fatalf("expected 3 attempts recorded, got %d", failure.Attempts)
	}
	if got := f.stub.Count("git"); got != 3 {
		t.Fatalf("expected exactly 3 clone attempts, got %d", got)
	}
	if _, err := os.Stat(filepath.Join(f.cfg.Paths.ModelsDir, "Llama2_7b")); !os.IsNotExist(err) {
		t.Fatal("failed fetch must not leave a model directory")
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatal("failed fetch must not leave staging output")
	}
}

func TestMissingCloneToolIsNotRetried(t *testing.T) {
	f := newFixture(t)
	absent := services.Wrap(services.ErrNotFound, "", "git clone", "executable not found", errors.New("executable file not found in $PATH"))
	f.stub.On("git", testsupport.FailWith(absent))

	_, err := f.fetcher.EnsureArtifact(context.Background(), registry.Llama2_7b)
	failure, ok := stage.AsFailure(err)
	if !ok || failure.Code != stage.CodeFetchFailed || failure.Kind != stage.KindFatal {
		t.Fatalf("expected fatal FetchFailed, got %v", err)
	}
	if got := f.stub.Count("git"); got != 1 {
		t.Fatalf("an absent tool must not be retried, got %d attempts", got)
	}
}

func TestRemovedStagingDirIsRecreated(t *testing.T) {
	f := newFixture(t)
	if err := os.RemoveAll(f.cfg.Paths.StagingDir); err != nil {
		t.Fatal(err)
	}
	f.stub.On("git", func(_ context.Context, cmd command.Command) (command.Result, error) {
		if info, err := os.Stat(cmd.Dir); err != nil || !info.IsDir() {
			return command.Result{ExitCode: -1}, services.Wrap(services.ErrConfiguration, "", "git clone", "working directory unavailable", err)
		}
		testsupport.WriteFile(t, filepath.Join(cmd.Args[len(cmd.Args)-1], "config.json"), 16)
		return command.Result{}, nil
	})

	if _, err := f.fetcher.EnsureArtifact(context.Background(), registry.Llama2_7b); err != nil {
		t.Fatalf("EnsureArtifact: %v", err)
	}
	if got := f.stub.Count("git"); got != 1 {
		t.Fatalf("expected one clone, got %d", got)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	f := newFixture(t)
	calls := 0
	clone := func(ctx context.Context, cmd command.Command) (command.Result, error) {
		calls++
		if calls == 1 {
			return command.Result{ExitCode: -1}, services.Wrap(services.ErrTimeout, "", "git clone", "exceeded", context.DeadlineExceeded)
		}
		if calls == 2 {
			return command.Result{ExitCode: 128}, nil
		}
		testsupport.WriteFile(t, filepath.Join(cmd.Args[len(cmd.Args)-1], "weights.bin"), 32)
		return command.Result{}, nil
	}
	f.stub.On("git", clone)

	result, err := f.fetcher.EnsureArtifact(context.Background(), registry.Llama2Chinese7b)
	if err != nil {
		t.Fatalf("EnsureArtifact: %v", err)
	}
	if calls != 3 || result.AlreadyPresent {
		t.Fatalf("expected success on third attempt, calls=%d result=%+v", calls, result)
	}
}

func TestAttemptBoundFollowsConfig(t *testing.T) {
	f := newFixture(t, testsupport.WithFetchAttempts(1))
	f.stub.On("git", testsupport.ExitWith(1, "boom"))

	_, err := f.fetcher.EnsureArtifact(context.Background(), registry.Llama2_7b)
	if failure, ok := stage.AsFailure(err); !ok || failure.Attempts != 1 {
		t.Fatalf("expected single attempt failure, got %v", err)
	}
	if f.stub.Count("git") != 1 {
		t.Fatalf("expected one attempt, got %d", f.stub.Count("git"))
	}
}

func TestUnmarkedDirectoryIsRefetched(t *testing.T) {
	f := newFixture(t)
	dir := filepath.Join(f.cfg.Paths.ModelsDir, "Llama2_7b")
	testsupport.WriteFile(t, filepath.Join(dir, "half-written.bin"), 64)

	result, err := f.fetcher.EnsureArtifact(context.Background(), registry.Llama2_7b)
	if err != nil {
		t.Fatalf("EnsureArtifact: %v", err)
	}
	if result.AlreadyPresent {
		t.Fatal("unmarked directory must not count as present")
	}
	if _, err := os.Stat(filepath.Join(dir, "half-written.bin")); !os.IsNotExist(err) {
		t.Fatal("partial content survived re-fetch")
	}
	if f.stub.Count("git") != 1 {
		t.Fatalf("expected a clone, got %v", f.stub.Names())
	}
}

func TestModifiedDirectoryIsRefetched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.fetcher.EnsureArtifact(ctx, registry.Llama2_7b); err != nil {
		t.Fatalf("EnsureArtifact: %v", err)
	}
	if err := os.Remove(filepath.Join(f.fetcher.Dir(registry.Llama2_7b), "config.json")); err != nil {
		t.Fatal(err)
	}

	f.stub.Reset()
	result, err := f.fetcher.EnsureArtifact(ctx, registry.Llama2_7b)
	if err != nil {
		t.Fatalf("EnsureArtifact: %v", err)
	}
	if result.AlreadyPresent || f.stub.Count("git") != 1 {
		t.Fatalf("expected re-fetch after tree changed, result=%+v calls=%v", result, f.stub.Names())
	}
}

func TestCancellationStopsRetries(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.stub.On("git", func(context.Context, command.Command) (command.Result, error) {
		cancel()
		return command.Result{ExitCode: -1}, context.Canceled
	})

	_, err := f.fetcher.EnsureArtifact(ctx, registry.Llama2_7b)
	failure, ok := stage.AsFailure(err)
	if !ok || failure.Code != stage.CodeCanceled {
		t.Fatalf("expected Canceled, got %v", err)
	}
	if f.stub.Count("git") != 1 {
		t.Fatalf("canceled fetch must not retry, got %d attempts", f.stub.Count("git"))
	}
}

func TestRetryDelayHonorsContext(t *testing.T) {
	f := newFixture(t)
	var slept []time.Duration
	f.fetcher.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	f.cfg.Fetch.RetryDelaySeconds = 2
	f.stub.On("git", testsupport.ExitWith(1, ""))

	_, _ = f.fetcher.EnsureArtifact(context.Background(), registry.Llama2_7b)
	if len(slept) != 2 || slept[0] != 2*time.Second {
		t.Fatalf("expected two 2s pauses between three attempts, got %v", slept)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled sleep, got %v", err)
	}
}
