// Package server hosts the HTTP API as a long-running process.
//
// A Server holds an exclusive flock on StateDir/ggmlforge.lock for its
// lifetime so only one instance serves a working directory. Other processes
// (a CLI convert, for example) still coordinate with it through the per-key
// locks the pipeline stages take.
package server
