package testsupport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"ggmlforge/internal/command"
	"ggmlforge/internal/config"
)

// InstallFakeTools registers handlers on stub that emulate the filesystem
// effects of the external tools: wget writes the archive, tar unpacks a
// toolchain tree with convert.py, mv renames, make produces the quantize
// binary, git clone populates a model directory, python3 writes the
// converted file, and quantize writes its output or answers --help.
func InstallFakeTools(t testing.TB, stub *StubRunner, cfg *config.Config) {
	t.Helper()

	stub.On(cfg.Toolchain.FetchCommand, func(_ context.Context, cmd command.Command) (command.Result, error) {
		dest := argAfter(cmd.Args, "-O")
		if dest == "" {
			return command.Result{ExitCode: 1, Output: "missing -O"}, nil
		}
		return writeResult(dest, "archive", 0o644)
	})

	stub.On(cfg.Toolchain.ExtractCommand, func(_ context.Context, cmd command.Command) (command.Result, error) {
		dest := argAfter(cmd.Args, "-C")
		if dest == "" {
			return command.Result{ExitCode: 2, Output: "missing -C"}, nil
		}
		tree := filepath.Join(dest, cfg.Toolchain.ExtractedName)
		if res, err := writeResult(filepath.Join(tree, cfg.Convert.Script), "# convert", 0o644); err != nil || res.ExitCode != 0 {
			return res, err
		}
		return writeResult(filepath.Join(tree, "Makefile"), "all:", 0o644)
	})

	stub.On(cfg.Toolchain.MoveCommand, func(_ context.Context, cmd command.Command) (command.Result, error) {
		if len(cmd.Args) != 2 {
			return command.Result{ExitCode: 1, Output: "usage: mv src dst"}, nil
		}
		if err := os.Rename(cmd.Args[0], cmd.Args[1]); err != nil {
			return command.Result{ExitCode: 1, Output: err.Error()}, nil
		}
		return command.Result{}, nil
	})

	stub.On(cfg.Toolchain.BuildCommand, func(_ context.Context, cmd command.Command) (command.Result, error) {
		return writeResult(filepath.Join(cmd.Dir, cfg.Toolchain.Binary), "#!/bin/sh\nexit 0\n", 0o755)
	})

	stub.On(cfg.Toolchain.Binary, func(_ context.Context, cmd command.Command) (command.Result, error) {
		if slices.Equal(cmd.Args, cfg.Toolchain.VerifyArgs) {
			return command.Result{Output: "usage: quantize model-f32.bin [model-quant.bin] type [nthreads]"}, nil
		}
		if len(cmd.Args) < 3 {
			return command.Result{ExitCode: 1, Output: "usage: quantize in out type"}, nil
		}
		return writeResult(cmd.Args[1], "quantized "+cmd.Args[2], 0o644)
	})

	stub.On(cfg.Fetch.CloneCommand, func(_ context.Context, cmd command.Command) (command.Result, error) {
		if len(cmd.Args) == 0 {
			return command.Result{ExitCode: 129}, nil
		}
		dest := cmd.Args[len(cmd.Args)-1]
		if res, err := writeResult(filepath.Join(dest, ".git", "HEAD"), "ref: refs/heads/main", 0o644); err != nil || res.ExitCode != 0 {
			return res, err
		}
		return writeResult(filepath.Join(dest, "config.json"), `{"model_type":"llama"}`, 0o644)
	})

	stub.On(cfg.Convert.Interpreter, func(_ context.Context, cmd command.Command) (command.Result, error) {
		out := argAfter(cmd.Args, "--outfile")
		if out == "" {
			return command.Result{ExitCode: 2, Output: "missing --outfile"}, nil
		}
		return writeResult(out, "ggml f16", 0o644)
	})
}

func argAfter(args []string, flag string) string {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func writeResult(path, content string, mode os.FileMode) (command.Result, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return command.Result{ExitCode: 1, Output: err.Error()}, nil
	}
	if err := os.WriteFile(path, []byte(content), mode); err != nil {
		return command.Result{ExitCode: 1, Output: fmt.Sprintf("write %s: %v", path, err)}, nil
	}
	return command.Result{}, nil
}
