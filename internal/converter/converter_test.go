package converter_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"ggmlforge/internal/command"
	"ggmlforge/internal/converter"
	"ggmlforge/internal/services"
	"ggmlforge/internal/stage"
	"ggmlforge/internal/testsupport"
)

type fixture struct {
	stub      *testsupport.StubRunner
	converter *converter.Converter
	toolchain string
	source    string
	out       string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	stub := testsupport.NewStubRunner()
	testsupport.InstallFakeTools(t, stub, cfg)

	toolchain := cfg.Paths.ToolchainDir
	testsupport.WriteFile(t, filepath.Join(toolchain, "convert.py"), 16)
	source := filepath.Join(cfg.Paths.ModelsDir, "Llama2_7b")
	testsupport.WriteFile(t, filepath.Join(source, "config.json"), 16)

	conv := converter.New(cfg, stub)
	return fixture{
		stub:      stub,
		converter: conv,
		toolchain: toolchain,
		source:    source,
		out:       conv.OutputPath("Llama2_7b"),
	}
}

func seedStale(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("STALE-SENTINEL"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestConvertProducesOutput(t *testing.T) {
	f := newFixture(t)
	if filepath.Base(f.out) != "Llama2_7b-ggml-model-f16.bin" {
		t.Fatalf("unexpected output name %s", f.out)
	}

	result, err := f.converter.Convert(context.Background(), f.toolchain, f.source, f.out)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if result.ProducedPath != f.out || result.AlreadyPresent {
		t.Fatalf("unexpected result %+v", result)
	}
	calls := f.stub.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one invocation, got %v", f.stub.Names())
	}
	want := []string{"convert.py", f.source, "--outtype", "f16", "--outfile", f.out + ".partial"}
	if calls[0].Name != "python3" || calls[0].Dir != f.toolchain || !slices.Equal(calls[0].Args, want) {
		t.Fatalf("unexpected invocation %+v", calls[0])
	}
	if _, err := os.Stat(f.out + ".partial"); !os.IsNotExist(err) {
		t.Fatal("partial output left behind")
	}
}

func TestStaleOutputRemovedBeforeInvocation(t *testing.T) {
	for _, outcome := range []string{"success", "failure"} {
		t.Run(outcome, func(t *testing.T) {
			f := newFixture(t)
			seedStale(t, f.out)
			f.stub.On("python3", func(_ context.Context, cmd command.Command) (command.Result, error) {
				if _, err := os.Stat(f.out); !os.IsNotExist(err) {
					t.Errorf("stale output present at invocation time")
				}
				if outcome == "failure" {
					return command.Result{ExitCode: 1, Output: "KeyError: 'model.embed_tokens.weight'"}, nil
				}
				testsupport.WriteFile(t, cmd.Args[len(cmd.Args)-1], 4)
				return command.Result{}, nil
			})

			_, err := f.converter.Convert(context.Background(), f.toolchain, f.source, f.out)
			content, readErr := os.ReadFile(f.out)
			if string(content) == "STALE-SENTINEL" {
				t.Fatal("stale sentinel survived conversion")
			}
			if outcome == "failure" {
				if err == nil {
					t.Fatal("expected conversion failure")
				}
				if !os.IsNotExist(readErr) {
					t.Fatal("failed conversion must leave no output")
				}
			} else if err != nil {
				t.Fatalf("Convert: %v", err)
			}
		})
	}
}

func TestNonZeroExitIsDeterministicFailure(t *testing.T) {
	f := newFixture(t)
	f.stub.On("python3", testsupport.ExitWith(1, "Traceback (most recent call last)"))

	_, err := f.converter.Convert(context.Background(), f.toolchain, f.source, f.out)
	failure, ok := stage.AsFailure(err)
	if !ok || failure.Stage != stage.Convert || failure.Code != stage.CodeConversionFailed || failure.Kind != stage.KindDeterministic {
		t.Fatalf("expected deterministic ConversionFailed, got %v", err)
	}
	if f.stub.Count("python3") != 1 {
		t.Fatal("conversion must not be retried")
	}
}

func TestTimeoutIsConversionFailure(t *testing.T) {
	f := newFixture(t)
	timeout := services.Wrap(services.ErrTimeout, "", "python3", "exceeded", context.DeadlineExceeded)
	f.stub.On("python3", testsupport.FailWith(timeout))

	_, err := f.converter.Convert(context.Background(), f.toolchain, f.source, f.out)
	failure, ok := stage.AsFailure(err)
	if !ok || failure.Code != stage.CodeConversionFailed || failure.Kind != stage.KindDeterministic {
		t.Fatalf("expected deterministic ConversionFailed, got %v", err)
	}
	if !errors.Is(err, services.ErrTimeout) {
		t.Fatalf("expected timeout marker to survive, got %v", err)
	}
	if _, err := os.Stat(f.out + ".partial"); !os.IsNotExist(err) {
		t.Fatal("partial output must be removed after a timeout")
	}
}

func TestMissingScriptIsFatal(t *testing.T) {
	f := newFixture(t)
	if err := os.Remove(filepath.Join(f.toolchain, "convert.py")); err != nil {
		t.Fatal(err)
	}
	seedStale(t, f.out)

	_, err := f.converter.Convert(context.Background(), f.toolchain, f.source, f.out)
	failure, ok := stage.AsFailure(err)
	if !ok || failure.Code != stage.CodeConverterMissing || failure.Kind != stage.KindFatal {
		t.Fatalf("expected fatal ConverterMissing, got %v", err)
	}
	if len(f.stub.Calls()) != 0 {
		t.Fatal("no process should run without the converter")
	}
	if _, err := os.Stat(f.out); !os.IsNotExist(err) {
		t.Fatal("stale output must be removed even when the converter is missing")
	}
}

func TestSuccessWithoutOutputFails(t *testing.T) {
	f := newFixture(t)
	f.stub.On("python3", testsupport.ExitWith(0, ""))

	_, err := f.converter.Convert(context.Background(), f.toolchain, f.source, f.out)
	if failure, ok := stage.AsFailure(err); !ok || failure.Code != stage.CodeConversionFailed {
		t.Fatalf("expected ConversionFailed, got %v", err)
	}
}
