// Package pipeline sequences the four conversion stages for one request.
//
// A request is validated against the registries before anything runs, then
// the orchestrator walks Init → ToolchainReady → ArtifactReady → Converted →
// Reduced → Done, stopping at the first failing stage. Completed upstream
// outputs are left in place for the next request to reuse. Identical
// concurrent requests share one execution, and conversion plus reduction for
// a source hold that source's output lock so two profiles never race on the
// shared intermediate file.
package pipeline
