package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/worldland-probe/internal/domain"
	"github.com/worldland/worldland-probe/internal/runner"
	"github.com/worldland/worldland-probe/internal/setup"
	"github.com/worldland/worldland-probe/internal/workspace"
)

// MockProbeService for testing
type MockProbeService struct {
	SystemMetricsFn  func(ctx context.Context) domain.SystemMetrics
	ModelsFn         func(ctx context.Context) (domain.ModelList, error)
	ExecuteCodeFn    func(ctx context.Context, code string, timeout time.Duration) (domain.ExecutionOutcome, error)
	AnalyzeCodeFn    func(code string) domain.CodeMetrics
	IndexAndEmbedFn  func(ctx context.Context, root, persistDir string) (domain.IndexStats, error)
	RetrieveChunksFn func(query string, n int) domain.RetrievalResult
}

func (m *MockProbeService) SystemMetrics(ctx context.Context) domain.SystemMetrics {
	if m.SystemMetricsFn != nil {
		return m.SystemMetricsFn(ctx)
	}
	return domain.SystemMetrics{}
}

func (m *MockProbeService) Models(ctx context.Context) (domain.ModelList, error) {
	if m.ModelsFn != nil {
		return m.ModelsFn(ctx)
	}
	return domain.ModelList{}, errors.New("ModelsFn not implemented")
}

func (m *MockProbeService) ExecuteCode(ctx context.Context, code string, timeout time.Duration) (domain.ExecutionOutcome, error) {
	if m.ExecuteCodeFn != nil {
		return m.ExecuteCodeFn(ctx, code, timeout)
	}
	return domain.ExecutionOutcome{}, errors.New("ExecuteCodeFn not implemented")
}

func (m *MockProbeService) AnalyzeCode(code string) domain.CodeMetrics {
	if m.AnalyzeCodeFn != nil {
		return m.AnalyzeCodeFn(code)
	}
	return domain.CodeMetrics{}
}

func (m *MockProbeService) IndexAndEmbed(ctx context.Context, root, persistDir string) (domain.IndexStats, error) {
	if m.IndexAndEmbedFn != nil {
		return m.IndexAndEmbedFn(ctx, root, persistDir)
	}
	return domain.IndexStats{}, errors.New("IndexAndEmbedFn not implemented")
}

func (m *MockProbeService) RetrieveChunks(query string, n int) domain.RetrievalResult {
	if m.RetrieveChunksFn != nil {
		return m.RetrieveChunksFn(query, n)
	}
	return domain.RetrievalResult{Results: []string{}}
}

// MockPreflight for testing
type MockPreflight struct {
	RunFn func(ctx context.Context) (*setup.PreflightResult, error)
}

func (m *MockPreflight) Run(ctx context.Context) (*setup.PreflightResult, error) {
	return m.RunFn(ctx)
}

func serve(t *testing.T, h *ProbeHandler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	return errResp
}

func TestHandleMetrics_Success(t *testing.T) {
	usage := 12.5
	mock := &MockProbeService{
		SystemMetricsFn: func(ctx context.Context) domain.SystemMetrics {
			return domain.SystemMetrics{
				CPU:         domain.CPUStats{Usage: &usage},
				Diagnostics: []domain.Diagnostic{{Category: "gpu", Reason: "failed to start nvidia-smi"}},
			}
		},
	}

	rec := serve(t, NewProbeHandler(mock, nil, nil), http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, map[string]interface{}{"usage": 12.5}, body["cpu"])
	// missing fields are omitted, not null
	assert.Equal(t, map[string]interface{}{}, body["gpu"])
	assert.Len(t, body["diagnostics"], 1)
}

func TestHandleMetrics_WrongMethod_Returns405(t *testing.T) {
	rec := serve(t, NewProbeHandler(&MockProbeService{}, nil, nil), http.MethodPost, "/metrics", "")

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, rec).Code)
}

func TestHandleModels_Success(t *testing.T) {
	mock := &MockProbeService{
		ModelsFn: func(ctx context.Context) (domain.ModelList, error) {
			return domain.ModelList{Models: []domain.Model{{Name: "llama3", Size: "4.7GB"}}}, nil
		},
	}

	rec := serve(t, NewProbeHandler(mock, nil, nil), http.MethodGet, "/models", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp domain.ModelList
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "llama3", resp.Models[0].Name)
}

func TestHandleModels_ToolMissing_Returns503(t *testing.T) {
	mock := &MockProbeService{
		ModelsFn: func(ctx context.Context) (domain.ModelList, error) {
			return domain.ModelList{}, fmt.Errorf("failed to list models: %w",
				&runner.SpawnError{Program: "ollama", Err: exec.ErrNotFound})
		},
	}

	rec := serve(t, NewProbeHandler(mock, nil, nil), http.MethodGet, "/models", "")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	errResp := decodeError(t, rec)
	assert.Equal(t, "TOOL_UNAVAILABLE", errResp.Code)
	assert.Contains(t, errResp.Error, "ollama")
}

func TestHandleExecute_Success(t *testing.T) {
	var gotTimeout time.Duration
	mock := &MockProbeService{
		ExecuteCodeFn: func(ctx context.Context, code string, timeout time.Duration) (domain.ExecutionOutcome, error) {
			gotTimeout = timeout
			exitCode := 0
			return domain.ExecutionOutcome{Success: true, Stdout: "ok\n", ExitCode: &exitCode, DurationMs: 12}, nil
		},
	}

	body, _ := json.Marshal(map[string]interface{}{"code": "print('ok')", "timeout_ms": 1500})
	rec := serve(t, NewProbeHandler(mock, nil, nil), http.MethodPost, "/execute", string(body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1500*time.Millisecond, gotTimeout)

	var resp domain.ExecutionOutcome
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "ok\n", resp.Stdout)
	require.NotNil(t, resp.ExitCode)
	assert.Equal(t, 0, *resp.ExitCode)
}

func TestHandleExecute_DefaultTimeout(t *testing.T) {
	var gotTimeout time.Duration
	mock := &MockProbeService{
		ExecuteCodeFn: func(ctx context.Context, code string, timeout time.Duration) (domain.ExecutionOutcome, error) {
			gotTimeout = timeout
			return domain.ExecutionOutcome{}, nil
		},
	}

	rec := serve(t, NewProbeHandler(mock, nil, nil), http.MethodPost, "/execute", `{"code":"pass"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5*time.Second, gotTimeout)
}

func TestHandleExecute_TimedOutEncodesNullExitCode(t *testing.T) {
	mock := &MockProbeService{
		ExecuteCodeFn: func(ctx context.Context, code string, timeout time.Duration) (domain.ExecutionOutcome, error) {
			return domain.ExecutionOutcome{TimedOut: true, DurationMs: 100}, nil
		},
	}

	rec := serve(t, NewProbeHandler(mock, nil, nil), http.MethodPost, "/execute", `{"code":"import time; time.sleep(10)","timeout_ms":100}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Nil(t, body["exit_code"])
	assert.Contains(t, body, "exit_code")
	assert.Equal(t, true, body["timed_out"])
	assert.Equal(t, false, body["success"])
}

func TestHandleExecute_InvalidInput_Returns400(t *testing.T) {
	tests := []struct {
		name string
		body string
		code string
	}{
		{"invalid json", "invalid json", "INVALID_REQUEST"},
		{"negative timeout", `{"code":"pass","timeout_ms":-1}`, "INVALID_TIMEOUT"},
		{"zero timeout", `{"code":"pass","timeout_ms":0}`, "INVALID_TIMEOUT"},
		{"timeout above maximum", `{"code":"pass","timeout_ms":600001}`, "INVALID_TIMEOUT"},
		{"timeout overflowing duration", `{"code":"pass","timeout_ms":9223372036854775807}`, "INVALID_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, NewProbeHandler(&MockProbeService{}, nil, nil), http.MethodPost, "/execute", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestHandleExecute_ConfiguredMaxTimeout(t *testing.T) {
	var gotTimeout time.Duration
	mock := &MockProbeService{
		ExecuteCodeFn: func(ctx context.Context, code string, timeout time.Duration) (domain.ExecutionOutcome, error) {
			gotTimeout = timeout
			return domain.ExecutionOutcome{}, nil
		},
	}
	h := NewProbeHandler(mock, nil, nil)
	h.SetMaxTimeout(2 * time.Second)

	rec := serve(t, h, http.MethodPost, "/execute", `{"code":"pass","timeout_ms":2001}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_TIMEOUT", decodeError(t, rec).Code)

	rec = serve(t, h, http.MethodPost, "/execute", `{"code":"pass","timeout_ms":2000}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2*time.Second, gotTimeout)
}

func TestHandleExecute_InterpreterMissing_Returns503(t *testing.T) {
	mock := &MockProbeService{
		ExecuteCodeFn: func(ctx context.Context, code string, timeout time.Duration) (domain.ExecutionOutcome, error) {
			return domain.ExecutionOutcome{}, &runner.SpawnError{Program: "python3", Err: exec.ErrNotFound}
		},
	}

	rec := serve(t, NewProbeHandler(mock, nil, nil), http.MethodPost, "/execute", `{"code":"pass"}`)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "TOOL_UNAVAILABLE", decodeError(t, rec).Code)
}

func TestHandleExecute_BodyTooLarge_Returns400(t *testing.T) {
	body := `{"code":"` + strings.Repeat("x", maxBodyBytes+1) + `"}`

	rec := serve(t, NewProbeHandler(&MockProbeService{}, nil, nil), http.MethodPost, "/execute", body)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAnalyze_Success(t *testing.T) {
	mock := &MockProbeService{
		AnalyzeCodeFn: func(code string) domain.CodeMetrics {
			assert.Equal(t, "def foo():\n    if x:\n        return 1", code)
			return domain.CodeMetrics{Lines: 3, Functions: 1, Complexity: 1}
		},
	}

	body, _ := json.Marshal(CodeRequest{Code: "def foo():\n    if x:\n        return 1"})
	rec := serve(t, NewProbeHandler(mock, nil, nil), http.MethodPost, "/analyze", string(body))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp domain.CodeMetrics
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, domain.CodeMetrics{Lines: 3, Functions: 1, Complexity: 1}, resp)
}

func TestHandleEmbed_Success(t *testing.T) {
	var gotPersist string
	mock := &MockProbeService{
		IndexAndEmbedFn: func(ctx context.Context, root, persistDir string) (domain.IndexStats, error) {
			gotPersist = persistDir
			return domain.IndexStats{Files: 4}, nil
		},
	}

	rec := serve(t, NewProbeHandler(mock, nil, nil), http.MethodPost, "/embed", `{"path":"/srv/repo"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ".chroma", gotPersist)

	var resp EmbedResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, "Indexed /srv/repo", resp.Message)
	assert.Equal(t, 4, resp.Stats.Files)
}

func TestHandleEmbed_MissingWorkspace_Returns404(t *testing.T) {
	mock := &MockProbeService{
		IndexAndEmbedFn: func(ctx context.Context, root, persistDir string) (domain.IndexStats, error) {
			return domain.IndexStats{}, fmt.Errorf("%w: %s", workspace.ErrWorkspaceNotFound, root)
		},
	}

	rec := serve(t, NewProbeHandler(mock, nil, nil), http.MethodPost, "/embed", `{"path":"/nonexistent/path"}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "WORKSPACE_NOT_FOUND", decodeError(t, rec).Code)
}

func TestHandleEmbed_MissingPath_Returns400(t *testing.T) {
	rec := serve(t, NewProbeHandler(&MockProbeService{}, nil, nil), http.MethodPost, "/embed", `{}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_PATH", decodeError(t, rec).Code)
}

func TestHandleRetrieve_DefaultsNResults(t *testing.T) {
	var gotN int
	mock := &MockProbeService{
		RetrieveChunksFn: func(query string, n int) domain.RetrievalResult {
			gotN = n
			return workspace.Retrieve(query, n)
		},
	}

	rec := serve(t, NewProbeHandler(mock, nil, nil), http.MethodPost, "/retrieve", `{"query":"print hello"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, gotN)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, []interface{}{}, body["results"])
}

func TestHandleRetrieve_MissingQuery_Returns400(t *testing.T) {
	rec := serve(t, NewProbeHandler(&MockProbeService{}, nil, nil), http.MethodPost, "/retrieve", `{"n_results":2}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "MISSING_QUERY", decodeError(t, rec).Code)
}

func TestHandlePreflight(t *testing.T) {
	pf := &MockPreflight{
		RunFn: func(ctx context.Context) (*setup.PreflightResult, error) {
			return &setup.PreflightResult{
				Components: []setup.ComponentStatus{{Name: "top", Installed: true, Version: "procps-ng 4.0.2"}},
				OSId:       "debian",
			}, nil
		},
	}

	rec := serve(t, NewProbeHandler(&MockProbeService{}, pf, nil), http.MethodGet, "/preflight", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp setup.PreflightResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "debian", resp.OSId)
	assert.True(t, resp.Components[0].Installed)
}

func TestHandlePreflight_Disabled_Returns404(t *testing.T) {
	rec := serve(t, NewProbeHandler(&MockProbeService{}, nil, nil), http.MethodGet, "/preflight", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealth(t *testing.T) {
	rec := serve(t, NewProbeHandler(&MockProbeService{}, nil, nil), http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestWriteServiceError_Unexpected_Returns500(t *testing.T) {
	h := NewProbeHandler(&MockProbeService{}, nil, nil)
	rec := httptest.NewRecorder()

	h.writeServiceError(rec, errors.New("boom"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "INTERNAL_ERROR", decodeError(t, rec).Code)
}

func TestWriteServiceError_Cancelled(t *testing.T) {
	h := NewProbeHandler(&MockProbeService{}, nil, nil)
	rec := httptest.NewRecorder()

	h.writeServiceError(rec, fmt.Errorf("snippet execution cancelled: %w", context.Canceled))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "CANCELLED", decodeError(t, rec).Code)
}

