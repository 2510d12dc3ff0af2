// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/johnnynv/stepflow-monitor/internal/config"
	"github.com/johnnynv/stepflow-monitor/internal/engine"
	"github.com/johnnynv/stepflow-monitor/internal/models"
	"github.com/johnnynv/stepflow-monitor/internal/orchestrator"
	"github.com/johnnynv/stepflow-monitor/internal/protocol"
	"github.com/johnnynv/stepflow-monitor/internal/storage"
)

// Handlers holds dependencies for HTTP handlers. The handler layer is thin:
// validate, call into the orchestrator, serialize.
type Handlers struct {
	orch *orchestrator.Orchestrator
	cfg  *config.AppConfig
}

// NewHandlers creates the handler set.
func NewHandlers(orch *orchestrator.Orchestrator, cfg *config.AppConfig) *Handlers {
	return &Handlers{orch: orch, cfg: cfg}
}

// --- helpers ---

func writeEnvelope(w http.ResponseWriter, status int, env protocol.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		getLog().Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func writeOK(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, protocol.OK(data))
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeEnvelope(w, status, protocol.Err(code, message))
}

// writeStorageError maps the persistence taxonomy onto HTTP statuses.
func writeStorageError(w http.ResponseWriter, err error) {
	switch storage.KindOf(err) {
	case storage.KindNotFound:
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case storage.KindConflict:
		var se *storage.Error
		msg := "conflicting state"
		if errors.As(err, &se) && se.Message != "" {
			msg = se.Message
		}
		writeError(w, http.StatusConflict, "conflict", msg)
	case storage.KindStoreUnavailable:
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "persistence layer is not available")
	default:
		getLog().Error().Err(err).Msg("Internal error")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

// --- health ---

// Health handles GET /api/health
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": h.orch.Uptime(),
		"version":        orchestrator.Version,
	})
}

// HealthStatus handles GET /api/health/status
func (h *Handlers) HealthStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, h.orch.Health(r.Context()))
}

// HealthMetrics handles GET /api/health/metrics
func (h *Handlers) HealthMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orch.Store().GetStatistics(r.Context())
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{
		"executions":      stats,
		"hub":             h.orch.Hub().Stats(),
		"lines_processed": h.orch.Engine().LinesProcessed(),
		"log_lines_lost":  h.orch.Store().Logs().LinesLost(),
		"collected_at":    time.Now().UTC(),
	})
}

// HealthOptimize handles POST /api/health/optimize
func (h *Handlers) HealthOptimize(w http.ResponseWriter, r *http.Request) {
	report, err := h.orch.Store().Optimize(r.Context())
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeOK(w, http.StatusOK, report)
}

// --- executions ---

// createExecutionRequest is the JSON body for execution creation. Unknown
// fields are rejected.
type createExecutionRequest struct {
	Name             string            `json:"name"`
	Command          string            `json:"command"`
	WorkingDirectory string            `json:"working_directory"`
	Environment      map[string]string `json:"environment"`
	Tags             []string          `json:"tags"`
	Metadata         map[string]any    `json:"metadata"`
	Timeout          float64           `json:"timeout"`
}

// CreateExecution handles POST /api/executions
func (h *Handlers) CreateExecution(w http.ResponseWriter, r *http.Request) {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	var body createExecutionRequest
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", fmt.Sprintf("invalid JSON body: %v", err))
		return
	}

	body.Command = strings.TrimSpace(body.Command)
	if body.Command == "" {
		writeError(w, http.StatusBadRequest, "invalid_command", "command is required and must be non-empty")
		return
	}
	if body.Timeout != 0 && body.Timeout < 1 {
		writeError(w, http.StatusBadRequest, "invalid_timeout", "timeout must be at least 1 second")
		return
	}

	workDir, err := h.resolveWorkDir(body.WorkingDirectory)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_working_directory", err.Error())
		return
	}

	execution := models.NewExecution(body.Name, body.Command, workDir)
	if body.Name == "" {
		execution.Name = firstWords(body.Command, 6)
	}
	for k, v := range body.Environment {
		execution.Environment[k] = v
	}
	execution.Tags = append(execution.Tags, body.Tags...)
	for k, v := range body.Metadata {
		execution.Metadata[k] = v
	}

	// Serialize a copy taken before the engine owns (and mutates) the record.
	created := *execution
	created.Environment = execution.Environment.Clone()
	created.Metadata = execution.Metadata.Clone()
	created.Tags = append(models.StringList{}, execution.Tags...)

	timeout := time.Duration(body.Timeout * float64(time.Second))
	if err := h.orch.StartExecution(r.Context(), execution, timeout); err != nil {
		switch {
		case errors.Is(err, engine.ErrEmptyCommand):
			writeError(w, http.StatusBadRequest, "invalid_command", err.Error())
		case errors.Is(err, engine.ErrCapacity):
			writeError(w, http.StatusConflict, "capacity_exceeded", "max concurrent executions reached")
		case errors.Is(err, engine.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		default:
			writeStorageError(w, err)
		}
		return
	}

	writeOK(w, http.StatusCreated, &created)
}

// resolveWorkDir validates the requested working directory: relative paths
// resolve under the workspace root, and nothing may escape it.
func (h *Handlers) resolveWorkDir(requested string) (string, error) {
	if requested == "" || requested == "." {
		return "", nil // engine assigns a per-execution workspace directory
	}
	root := h.cfg.Storage.WorkspaceDir()
	dir := requested
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	dir = filepath.Clean(dir)

	rel, err := filepath.Rel(root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("working_directory must resolve within the workspace root")
	}
	return dir, nil
}

func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

// ListExecutions handles GET /api/executions
func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	const maxLimit = 500
	filter := storage.ListFilter{Limit: 50}

	q := r.URL.Query()
	if raw := q.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		filter.Limit = min(parsed, maxLimit)
	}
	if raw := q.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid_offset", "offset must be a non-negative integer")
			return
		}
		filter.Offset = parsed
	}
	if raw := q.Get("status"); raw != "" {
		status := models.ExecutionStatus(raw)
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_status", fmt.Sprintf("unknown status filter: %s", raw))
			return
		}
		filter.Status = status
	}
	filter.User = q.Get("user")

	execs, err := h.orch.Store().ListExecutions(r.Context(), filter)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{
		"executions": execs,
		"limit":      filter.Limit,
		"offset":     filter.Offset,
	})
}

// GetExecution handles GET /api/executions/{id}
func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snapshot, err := h.orch.ExecutionSnapshot(r.Context(), id)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeOK(w, http.StatusOK, snapshot.Execution)
}

// CancelExecution handles POST /api/executions/{id}/cancel
func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body")
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "cancelled"
	}

	if err := h.orch.CancelExecution(r.Context(), id, body.Reason); err != nil {
		writeStorageError(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]string{"id": id, "status": "cancelling"})
}

// DeleteExecution handles DELETE /api/executions/{id}
func (h *Handlers) DeleteExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.orch.DeleteExecution(r.Context(), id); err != nil {
		writeStorageError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ActiveExecutions handles GET /api/executions/active
func (h *Handlers) ActiveExecutions(w http.ResponseWriter, r *http.Request) {
	execs, err := h.orch.Store().ListNonTerminal(r.Context())
	if err != nil {
		writeStorageError(w, err)
		return
	}
	summaries := lo.Map(execs, func(e *models.Execution, _ int) protocol.ExecutionSummary {
		return protocol.Summarize(e)
	})
	writeOK(w, http.StatusOK, map[string]any{"executions": summaries})
}

// ExecutionStatistics handles GET /api/executions/statistics
func (h *Handlers) ExecutionStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.orch.Store().GetStatistics(r.Context())
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeOK(w, http.StatusOK, stats)
}

// --- artifacts ---

// GetArtifact handles GET /api/artifacts/{id}
func (h *Handlers) GetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	artifact, err := h.orch.Store().GetArtifact(r.Context(), id)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	artifact.Missing = !h.orch.Store().Artifacts().Exists(artifact)
	writeOK(w, http.StatusOK, artifact)
}

// DownloadArtifact handles GET /api/artifacts/{id}/download
func (h *Handlers) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	artifact, err := h.orch.Store().GetArtifact(r.Context(), id)
	if err != nil {
		writeStorageError(w, err)
		return
	}

	f, err := h.orch.Store().Artifacts().Open(artifact)
	if err != nil {
		if errors.Is(err, storage.ErrArtifactMissing) {
			writeError(w, http.StatusNotFound, "artifact_missing", "artifact payload is no longer on disk")
			return
		}
		writeStorageError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", artifact.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", artifact.FileName))
	w.Header().Set("Content-Length", strconv.FormatInt(artifact.SizeBytes, 10))
	if _, err := io.Copy(w, f); err != nil {
		getLog().Warn().Err(err).Str("artifact_id", id).Msg("Artifact download interrupted")
	}
}

// ListExecutionArtifacts handles GET /api/artifacts/execution/{id}
func (h *Handlers) ListExecutionArtifacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// A missing execution is a 404, not an empty list.
	if _, err := h.orch.Store().GetExecution(r.Context(), id); err != nil {
		writeStorageError(w, err)
		return
	}

	artifacts, err := h.orch.Store().GetArtifacts(r.Context(), id)
	if err != nil {
		writeStorageError(w, err)
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}
