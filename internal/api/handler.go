// Package api serves the probe operations over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/worldland/worldland-probe/internal/domain"
	"github.com/worldland/worldland-probe/internal/runner"
	"github.com/worldland/worldland-probe/internal/sandbox"
	"github.com/worldland/worldland-probe/internal/setup"
	"github.com/worldland/worldland-probe/internal/workspace"
)

const (
	defaultTimeoutMs  = 5000
	defaultNResults   = 5
	defaultPersistDir = ".chroma"

	// DefaultMaxTimeout caps timeout_ms unless SetMaxTimeout says otherwise
	DefaultMaxTimeout = 10 * time.Minute

	// request bodies carry source snippets, not files
	maxBodyBytes = 1 << 20
)

// CodeRequest is the JSON body for POST /execute and POST /analyze
type CodeRequest struct {
	Code      string `json:"code"`
	TimeoutMs *int64 `json:"timeout_ms,omitempty"`
}

// EmbedRequest is the JSON body for POST /embed
type EmbedRequest struct {
	Path       string `json:"path"`
	PersistDir string `json:"persist_dir,omitempty"`
}

// EmbedResponse is returned on successful indexing
type EmbedResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Stats   domain.IndexStats `json:"stats"`
}

// RetrieveRequest is the JSON body for POST /retrieve
type RetrieveRequest struct {
	Query    string `json:"query"`
	NResults int    `json:"n_results"`
}

// ErrorResponse for error cases
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ProbeService defines operations needed from the probe facade
type ProbeService interface {
	SystemMetrics(ctx context.Context) domain.SystemMetrics
	Models(ctx context.Context) (domain.ModelList, error)
	ExecuteCode(ctx context.Context, code string, timeout time.Duration) (domain.ExecutionOutcome, error)
	AnalyzeCode(code string) domain.CodeMetrics
	IndexAndEmbed(ctx context.Context, root, persistDir string) (domain.IndexStats, error)
	RetrieveChunks(query string, n int) domain.RetrievalResult
}

// PreflightChecker reports which probe tools are installed
type PreflightChecker interface {
	Run(ctx context.Context) (*setup.PreflightResult, error)
}

// ProbeHandler handles HTTP requests for probe operations
type ProbeHandler struct {
	svc        ProbeService
	preflight  PreflightChecker
	log        *slog.Logger
	maxTimeout time.Duration
}

// NewProbeHandler creates a new probe handler. preflight may be nil, in
// which case GET /preflight answers 404.
func NewProbeHandler(svc ProbeService, preflight PreflightChecker, logger *slog.Logger) *ProbeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProbeHandler{svc: svc, preflight: preflight, log: logger, maxTimeout: DefaultMaxTimeout}
}

// SetMaxTimeout bounds the timeout a client may request. Zero or negative
// keeps the current bound.
func (h *ProbeHandler) SetMaxTimeout(d time.Duration) {
	if d > 0 {
		h.maxTimeout = d
	}
}

// Register mounts every route on mux
func (h *ProbeHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/metrics", h.HandleMetrics)
	mux.HandleFunc("/models", h.HandleModels)
	mux.HandleFunc("/execute", h.HandleExecute)
	mux.HandleFunc("/analyze", h.HandleAnalyze)
	mux.HandleFunc("/embed", h.HandleEmbed)
	mux.HandleFunc("/retrieve", h.HandleRetrieve)
	mux.HandleFunc("/preflight", h.HandlePreflight)
	mux.HandleFunc("/health", h.HandleHealth)
}

// HandleMetrics handles GET /metrics
func (h *ProbeHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	h.writeJSON(w, http.StatusOK, h.svc.SystemMetrics(r.Context()))
}

// HandleModels handles GET /models
func (h *ProbeHandler) HandleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	models, err := h.svc.Models(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, models)
}

// HandleExecute handles POST /execute
func (h *ProbeHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if !h.decodePost(w, r, &req) {
		return
	}

	timeoutMs := int64(defaultTimeoutMs)
	if req.TimeoutMs != nil {
		timeoutMs = *req.TimeoutMs
	}
	if timeoutMs <= 0 {
		h.writeError(w, http.StatusBadRequest, "timeout_ms must be positive", "INVALID_TIMEOUT")
		return
	}
	// compared in milliseconds so huge values cannot overflow time.Duration
	if timeoutMs > h.maxTimeout.Milliseconds() {
		h.writeError(w, http.StatusBadRequest,
			fmt.Sprintf("timeout_ms must not exceed %d", h.maxTimeout.Milliseconds()), "INVALID_TIMEOUT")
		return
	}

	outcome, err := h.svc.ExecuteCode(r.Context(), req.Code, time.Duration(timeoutMs)*time.Millisecond)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, outcome)
}

// HandleAnalyze handles POST /analyze
func (h *ProbeHandler) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if !h.decodePost(w, r, &req) {
		return
	}
	h.writeJSON(w, http.StatusOK, h.svc.AnalyzeCode(req.Code))
}

// HandleEmbed handles POST /embed
func (h *ProbeHandler) HandleEmbed(w http.ResponseWriter, r *http.Request) {
	var req EmbedRequest
	if !h.decodePost(w, r, &req) {
		return
	}
	if req.Path == "" {
		h.writeError(w, http.StatusBadRequest, "path is required", "MISSING_PATH")
		return
	}
	if req.PersistDir == "" {
		req.PersistDir = defaultPersistDir
	}

	stats, err := h.svc.IndexAndEmbed(r.Context(), req.Path, req.PersistDir)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, EmbedResponse{
		Status:  "success",
		Message: fmt.Sprintf("Indexed %s", req.Path),
		Stats:   stats,
	})
}

// HandleRetrieve handles POST /retrieve
func (h *ProbeHandler) HandleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req RetrieveRequest
	if !h.decodePost(w, r, &req) {
		return
	}
	if req.Query == "" {
		h.writeError(w, http.StatusBadRequest, "query is required", "MISSING_QUERY")
		return
	}
	if req.NResults <= 0 {
		req.NResults = defaultNResults
	}
	h.writeJSON(w, http.StatusOK, h.svc.RetrieveChunks(req.Query, req.NResults))
}

// HandlePreflight handles GET /preflight
func (h *ProbeHandler) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}
	if h.preflight == nil {
		h.writeError(w, http.StatusNotFound, "preflight not enabled", "NOT_FOUND")
		return
	}

	result, err := h.preflight.Run(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// HandleHealth handles GET /health
func (h *ProbeHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodePost checks the method and decodes the JSON body into v.
// On failure the error response has already been written.
func (h *ProbeHandler) decodePost(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return false
	}
	return true
}

// writeServiceError maps facade errors to status codes
func (h *ProbeHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case runner.IsSpawnError(err):
		h.writeError(w, http.StatusServiceUnavailable, err.Error(), "TOOL_UNAVAILABLE")
	case errors.Is(err, workspace.ErrWorkspaceNotFound):
		h.writeError(w, http.StatusNotFound, err.Error(), "WORKSPACE_NOT_FOUND")
	case errors.Is(err, sandbox.ErrScratch):
		h.writeError(w, http.StatusInternalServerError, err.Error(), "SCRATCH_UNAVAILABLE")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.writeError(w, http.StatusServiceUnavailable, "request cancelled", "CANCELLED")
	default:
		h.log.Error("probe request failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}

// writeJSON writes a JSON response
func (h *ProbeHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (h *ProbeHandler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
