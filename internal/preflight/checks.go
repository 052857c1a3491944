package preflight

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"ggmlforge/internal/config"
	"ggmlforge/internal/deps"
)

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckSystemDeps evaluates the programs each stage invokes. The quantize
// binary is produced by the toolchain build and is reported through stage
// health instead.
func CheckSystemDeps(_ context.Context, cfg *config.Config) []deps.Status {
	requirements := []deps.Requirement{
		{
			Name:        "Downloader",
			Command:     cfg.Toolchain.FetchCommand,
			Stage:       "toolchain",
			Description: "Downloads the llama.cpp release archive",
		},
		{
			Name:        "Archiver",
			Command:     cfg.Toolchain.ExtractCommand,
			Stage:       "toolchain",
			Description: "Unpacks the release archive",
		},
		{
			Name:        "Mover",
			Command:     cfg.Toolchain.MoveCommand,
			Stage:       "toolchain",
			Description: "Renames the unpacked tree into place",
		},
		{
			Name:        "Build",
			Command:     cfg.Toolchain.BuildCommand,
			Stage:       "toolchain",
			Description: "Builds the quantize binary",
		},
		{
			Name:        "Git",
			Command:     cfg.Fetch.CloneCommand,
			Stage:       "fetch",
			Description: "Clones model repositories",
		},
		{
			Name:        "Python",
			Command:     cfg.Convert.Interpreter,
			Stage:       "convert",
			Description: "Runs the conversion script",
		},
	}
	return deps.CheckBinaries(requirements)
}
