// Package command runs external tools on behalf of the pipeline stages.
//
// A Runner executes one Command synchronously, bounded by the command's
// timeout, and reports the exit status together with the tail of the
// combined output. A non-zero exit is reported through Result rather than as
// an error so callers decide how to classify tool failures; errors are
// reserved for the tool being absent (services.ErrNotFound), the timeout
// expiring (services.ErrTimeout), cancellation, or failures to start.
//
// On unix systems each tool runs in its own process group and the whole
// group is killed on timeout or cancellation, so helpers spawned by make or
// git do not outlive the request.
package command
