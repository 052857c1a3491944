// Package services defines shared utilities consumed by the pipeline stages
// and the HTTP boundary.
//
// Key responsibilities:
//   - Context helpers that stamp request IDs, stage names, and source
//     artifacts for logging and tracing.
//   - Structured error markers plus the Wrap helper that tag failures so the
//     pipeline can tell transient problems from deterministic ones.
//
// Use these helpers when wiring new stage logic so operational behaviour (error
// handling, observability, retries) stays uniform across the pipeline.
package services
