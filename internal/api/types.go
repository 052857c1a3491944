package api

import (
	"ggmlforge/internal/deps"
	"ggmlforge/internal/stage"
)

// ConvertRequest is the body of the conversion route.
type ConvertRequest struct {
	Name      string `json:"name"`
	QuantInfo string `json:"quant_info"`
}

// ConvertResponse is returned when the final artifact is ready.
type ConvertResponse struct {
	DownloadURL string `json:"download_url"`
}

// ErrorResponse describes a rejected or failed request. Stage, Code and Kind
// are set only for pipeline failures.
type ErrorResponse struct {
	Error    string `json:"error"`
	Stage    string `json:"stage,omitempty"`
	Code     string `json:"code,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// RegistryEntry lists one registered source or profile.
type RegistryEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Status is served from /api/status.
type Status struct {
	Running      bool            `json:"running"`
	PID          int             `json:"pid"`
	Route        string          `json:"route"`
	ToolchainTag string          `json:"toolchain_tag"`
	Stages       []stage.Health  `json:"stages"`
	Dependencies []deps.Status   `json:"dependencies"`
	Sources      []RegistryEntry `json:"sources"`
	Profiles     []RegistryEntry `json:"profiles"`
}

func failureResponse(err error) ErrorResponse {
	failure, ok := stage.AsFailure(err)
	if !ok {
		return ErrorResponse{Error: err.Error()}
	}
	return ErrorResponse{
		Error:    failure.Error(),
		Stage:    string(failure.Stage),
		Code:     string(failure.Code),
		Kind:     string(failure.Kind),
		Attempts: failure.Attempts,
	}
}
