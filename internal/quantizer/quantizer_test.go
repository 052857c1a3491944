package quantizer_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"ggmlforge/internal/command"
	"ggmlforge/internal/quantizer"
	"ggmlforge/internal/registry"
	"ggmlforge/internal/stage"
	"ggmlforge/internal/testsupport"
)

type fixture struct {
	stub      *testsupport.StubRunner
	reducer   *quantizer.Reducer
	toolchain string
	in        string
	out       string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	stub := testsupport.NewStubRunner()
	testsupport.InstallFakeTools(t, stub, cfg)

	toolchain := cfg.Paths.ToolchainDir
	if err := os.MkdirAll(toolchain, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(toolchain, "quantize"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	in := filepath.Join(cfg.Paths.OutputsDir, "Llama2_7b-ggml-model-f16.bin")
	testsupport.WriteFile(t, in, 64)

	reducer := quantizer.New(cfg, registry.NewProfiles(), stub)
	return fixture{
		stub:      stub,
		reducer:   reducer,
		toolchain: toolchain,
		in:        in,
		out:       reducer.OutputPath("Llama2_7b", "q4_0"),
	}
}

func TestReduceProducesFinalArtifact(t *testing.T) {
	f := newFixture(t)
	if filepath.Base(f.out) != "Llama2_7b-q4_0.bin" {
		t.Fatalf("unexpected output name %s", f.out)
	}

	result, err := f.reducer.Reduce(context.Background(), f.toolchain, f.in, registry.Q4, f.out)
	if err != nil {
		t.Fatalf("Reduce: %v", err)
	}
	if result.ProducedPath != f.out {
		t.Fatalf("unexpected result %+v", result)
	}
	calls := f.stub.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one invocation, got %v", f.stub.Names())
	}
	want := []string{f.in, f.out + ".partial", "q4_0"}
	if calls[0].Name != filepath.Join(f.toolchain, "quantize") || !slices.Equal(calls[0].Args, want) {
		t.Fatalf("unexpected invocation %+v", calls[0])
	}
	content, err := os.ReadFile(f.out)
	if err != nil || string(content) != "quantized q4_0" {
		t.Fatalf("unexpected output %q err=%v", content, err)
	}
}

func TestProfileTags(t *testing.T) {
	tests := map[registry.Profile]string{registry.Q4: "q4_0", registry.Q8: "q8_0", registry.F16: "f16", registry.F32: "f32"}
	for profile, tag := range tests {
		f := newFixture(t)
		out := f.reducer.OutputPath("Llama2_7b", tag)
		if _, err := f.reducer.Reduce(context.Background(), f.toolchain, f.in, profile, out); err != nil {
			t.Fatalf("Reduce %s: %v", profile, err)
		}
		if got := f.stub.Calls()[0].Args[2]; got != tag {
			t.Fatalf("profile %s: expected tag %s, got %s", profile, tag, got)
		}
	}
}

func TestStaleOutputRemovedBeforeInvocation(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(f.out, []byte("STALE-SENTINEL"), 0o644); err != nil {
		t.Fatal(err)
	}
	f.stub.On("quantize", func(_ context.Context, cmd command.Command) (command.Result, error) {
		if _, err := os.Stat(f.out); !os.IsNotExist(err) {
			t.Errorf("stale output present at invocation time")
		}
		return command.Result{ExitCode: 1, Output: "invalid model file"}, nil
	})

	_, err := f.reducer.Reduce(context.Background(), f.toolchain, f.in, registry.Q8, f.out)
	failure, ok := stage.AsFailure(err)
	if !ok || failure.Code != stage.CodeReductionFailed || failure.Kind != stage.KindDeterministic {
		t.Fatalf("expected deterministic ReductionFailed, got %v", err)
	}
	if _, err := os.Stat(f.out); !os.IsNotExist(err) {
		t.Fatal("stale sentinel survived failed reduction")
	}
}

func TestMissingBinaryIsFatal(t *testing.T) {
	f := newFixture(t)
	if err := os.Remove(filepath.Join(f.toolchain, "quantize")); err != nil {
		t.Fatal(err)
	}

	_, err := f.reducer.Reduce(context.Background(), f.toolchain, f.in, registry.Q4, f.out)
	failure, ok := stage.AsFailure(err)
	if !ok || failure.Code != stage.CodeReducerMissing || failure.Kind != stage.KindFatal {
		t.Fatalf("expected fatal ReducerMissing, got %v", err)
	}
	if len(f.stub.Calls()) != 0 {
		t.Fatal("no process should run without the reducer")
	}
}

func TestUnknownProfile(t *testing.T) {
	f := newFixture(t)
	_, err := f.reducer.Reduce(context.Background(), f.toolchain, f.in, "Q5", f.out)
	if failure, ok := stage.AsFailure(err); !ok || failure.Code != stage.CodeUnknownProfile {
		t.Fatalf("expected UnknownProfile, got %v", err)
	}
	if len(f.stub.Calls()) != 0 {
		t.Fatal("unknown profile must not invoke the reducer")
	}
}
