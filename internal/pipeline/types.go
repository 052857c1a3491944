package pipeline

import (
	"context"
	"time"

	"ggmlforge/internal/registry"
	"ggmlforge/internal/stage"
)

// Request names the source and reduction profile to produce. Field values
// are canonical once returned by Orchestrator.Resolve.
type Request struct {
	Source  registry.SourceName
	Profile registry.Profile
}

func (r Request) key() string {
	return string(r.Source) + "/" + string(r.Profile)
}

// State is a pipeline position.
type State string

const (
	StateInit           State = "init"
	StateToolchainReady State = "toolchain_ready"
	StateArtifactReady  State = "artifact_ready"
	StateConverted      State = "converted"
	StateReduced        State = "reduced"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

// Outcome reports a pipeline run. On failure FinalArtifactPath is empty and
// States ends in StateFailed; Stages holds the stages that completed.
type Outcome struct {
	Request           Request
	Tag               string
	FinalArtifactPath string
	Stages            []stage.Result
	States            []State
	Duration          time.Duration
	Shared            bool
}

// ToolchainStage ensures the toolchain is ready.
type ToolchainStage interface {
	EnsureToolchain(ctx context.Context) (stage.Result, error)
}

// FetchStage ensures a source artifact is present.
type FetchStage interface {
	EnsureArtifact(ctx context.Context, name registry.SourceName) (stage.Result, error)
}

// ConvertStage produces the intermediate file for a source.
type ConvertStage interface {
	OutputPath(source string) string
	Convert(ctx context.Context, toolchainDir, sourceDir, outFile string) (stage.Result, error)
}

// ReduceStage produces the final artifact for a source and profile.
type ReduceStage interface {
	OutputPath(source, tag string) string
	Reduce(ctx context.Context, toolchainDir, inFile string, profile registry.Profile, outFile string) (stage.Result, error)
}
