package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"ggmlforge/internal/logging"
	"ggmlforge/internal/pipeline"
	"ggmlforge/internal/registry"
)

const maxRequestBody = 1 << 20

func (h *handler) handleConvert(w http.ResponseWriter, r *http.Request) {
	var body ConvertRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	outcome, err := h.pipeline.Run(r.Context(), pipeline.Request{
		Source:  registry.SourceName(strings.TrimSpace(body.Name)),
		Profile: registry.Profile(strings.TrimSpace(body.QuantInfo)),
	})
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, failureResponse(err))
		return
	}

	h.writeJSON(w, http.StatusOK, ConvertResponse{DownloadURL: h.downloadURL(outcome.FinalArtifactPath)})
}

// downloadURL publishes path under the configured base URL, or returns the
// local path when none is configured.
func (h *handler) downloadURL(path string) string {
	base := strings.TrimRight(strings.TrimSpace(h.cfg.Server.DownloadBaseURL), "/")
	if base == "" {
		return path
	}
	return base + "/" + url.PathEscape(filepath.Base(path))
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	reg := h.pipeline.Registry()
	status := Status{
		Running:      true,
		PID:          h.pid,
		Route:        h.cfg.Server.Route,
		ToolchainTag: h.cfg.Toolchain.ReleaseTag,
		Stages:       h.pipeline.Health(r.Context()),
		Dependencies: h.checkDeps(r.Context()),
		Sources:      entries(reg.Artifacts.List()),
		Profiles:     entries(reg.Profiles.List()),
	}
	h.writeJSON(w, http.StatusOK, status)
}

func entries(list []registry.Entry) []RegistryEntry {
	out := make([]RegistryEntry, 0, len(list))
	for _, entry := range list {
		out = append(out, RegistryEntry{Name: entry.Name, Value: entry.Value})
	}
	return out
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		h.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (h *handler) writeError(w http.ResponseWriter, status int, payload ErrorResponse) {
	h.writeJSON(w, status, payload)
}
