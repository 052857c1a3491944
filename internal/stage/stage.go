package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"ggmlforge/internal/command"
)

// Name identifies a pipeline stage.
type Name string

const (
	Toolchain Name = "toolchain"
	Fetch     Name = "fetch"
	Convert   Name = "convert"
	Reduce    Name = "reduce"
)

// Kind classifies how a failure should be treated by callers.
type Kind string

const (
	// KindFatal failures are never retried: a broken release, missing binary, or unknown input.
	KindFatal Kind = "fatal"
	// KindRetryableExhausted failures already consumed their retry budget.
	KindRetryableExhausted Kind = "retryable_exhausted"
	// KindDeterministic failures would fail identically on retry with the same inputs.
	KindDeterministic Kind = "deterministic"
)

// Code names the specific failure.
type Code string

const (
	CodeToolchainMalformed Code = "ToolchainMalformed"
	CodeBuildFailed        Code = "BuildFailed"
	CodeBinaryMissing      Code = "BinaryMissing"
	CodeUnknownArtifact    Code = "UnknownArtifact"
	CodeUnknownProfile     Code = "UnknownProfile"
	CodeFetchFailed        Code = "FetchFailed"
	CodeConverterMissing   Code = "ConverterMissing"
	CodeConversionFailed   Code = "ConversionFailed"
	CodeReducerMissing     Code = "ReducerMissing"
	CodeReductionFailed    Code = "ReductionFailed"
	CodeCanceled           Code = "Canceled"
)

// Result is returned by every stage on success.
type Result struct {
	Stage          Name   `json:"stage"`
	ProducedPath   string `json:"produced_path"`
	AlreadyPresent bool   `json:"already_present"`
}

// Failure is the tagged error every stage returns.
type Failure struct {
	Stage    Name
	Kind     Kind
	Code     Code
	Cause    string
	Attempts int
	Err      error
}

func (f *Failure) Error() string {
	var b strings.Builder
	b.WriteString(string(f.Stage))
	b.WriteString(": ")
	b.WriteString(string(f.Code))
	if f.Cause != "" {
		b.WriteString(": ")
		b.WriteString(f.Cause)
	}
	return b.String()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Fatal builds a non-retryable failure.
func Fatal(stage Name, code Code, cause string, err error) *Failure {
	return &Failure{Stage: stage, Kind: KindFatal, Code: code, Cause: cause, Err: err}
}

// Deterministic builds a failure that is not retried because inputs are stable.
func Deterministic(stage Name, code Code, cause string, err error) *Failure {
	return &Failure{Stage: stage, Kind: KindDeterministic, Code: code, Cause: cause, Err: err}
}

// Exhausted builds a failure reported after attempts retries were spent.
func Exhausted(stage Name, code Code, attempts int, cause string, err error) *Failure {
	return &Failure{Stage: stage, Kind: KindRetryableExhausted, Code: code, Cause: cause, Attempts: attempts, Err: err}
}

// Canceled builds the failure reported when the caller abandons the request.
func Canceled(stage Name, err error) *Failure {
	return &Failure{Stage: stage, Kind: KindFatal, Code: CodeCanceled, Cause: "request canceled", Err: err}
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure, true
	}
	return nil, false
}

// IsCanceled reports whether err stems from the caller canceling ctx.
func IsCanceled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || (ctx.Err() != nil && errors.Is(err, ctx.Err()))
}

const causeOutputLimit = 2048

// DescribeExit renders a cause string for a tool that exited non-zero,
// including the tail of its output.
func DescribeExit(cmd command.Command, result command.Result) string {
	cause := fmt.Sprintf("%s exited with status %d", cmd.Name, result.ExitCode)
	output := strings.TrimSpace(result.Output)
	if output == "" {
		return cause
	}
	if len(output) > causeOutputLimit {
		cut := len(output) - causeOutputLimit
		for cut < len(output) && !utf8.RuneStart(output[cut]) {
			cut++
		}
		output = "..." + output[cut:]
	}
	return cause + ": " + output
}
