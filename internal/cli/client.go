package cli

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/worldland/worldland-probe/internal/api"
	"github.com/worldland/worldland-probe/internal/domain"
	"github.com/worldland/worldland-probe/internal/setup"
)

// APIError is a non-2xx answer from a probe server
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.Status, e.Message)
}

// ProbeClient wraps the probe server's REST API
type ProbeClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewProbeClient creates a client for the probe server at baseURL.
// The HTTP timeout must outlast the longest snippet execution.
func NewProbeClient(baseURL, authToken string, timeout time.Duration) *ProbeClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ProbeClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetTLSConfig makes the client speak TLS with conf, e.g. to present a
// client certificate to a server that requires one
func (c *ProbeClient) SetTLSConfig(conf *tls.Config) {
	c.httpClient.Transport = &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: conf,
	}
}

// Metrics returns the server's system metrics snapshot
func (c *ProbeClient) Metrics(ctx context.Context) (domain.SystemMetrics, error) {
	var m domain.SystemMetrics
	err := c.doGet(ctx, "/metrics", &m)
	return m, err
}

// Models returns the server's model listing
func (c *ProbeClient) Models(ctx context.Context) (domain.ModelList, error) {
	var list domain.ModelList
	err := c.doGet(ctx, "/models", &list)
	return list, err
}

// Execute runs code on the server
func (c *ProbeClient) Execute(ctx context.Context, code string, timeout time.Duration) (domain.ExecutionOutcome, error) {
	ms := timeout.Milliseconds()
	req := api.CodeRequest{Code: code}
	if ms > 0 {
		req.TimeoutMs = &ms
	}
	var outcome domain.ExecutionOutcome
	err := c.doPostJSON(ctx, "/execute", req, &outcome)
	return outcome, err
}

// Analyze computes code metrics on the server
func (c *ProbeClient) Analyze(ctx context.Context, code string) (domain.CodeMetrics, error) {
	var m domain.CodeMetrics
	err := c.doPostJSON(ctx, "/analyze", api.CodeRequest{Code: code}, &m)
	return m, err
}

// Index asks the server to index a workspace on its own filesystem
func (c *ProbeClient) Index(ctx context.Context, root, persistDir string) (domain.IndexStats, error) {
	var resp api.EmbedResponse
	err := c.doPostJSON(ctx, "/embed", api.EmbedRequest{Path: root, PersistDir: persistDir}, &resp)
	return resp.Stats, err
}

// Retrieve queries the server's chunk retrieval
func (c *ProbeClient) Retrieve(ctx context.Context, query string, n int) (domain.RetrievalResult, error) {
	var res domain.RetrievalResult
	err := c.doPostJSON(ctx, "/retrieve", api.RetrieveRequest{Query: query, NResults: n}, &res)
	return res, err
}

// Preflight returns the server's tool availability report
func (c *ProbeClient) Preflight(ctx context.Context) (*setup.PreflightResult, error) {
	var res setup.PreflightResult
	if err := c.doGet(ctx, "/preflight", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// --- HTTP helpers ---

func (c *ProbeClient) doGet(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.doRequest(req, result)
}

func (c *ProbeClient) doPostJSON(ctx context.Context, path string, payload interface{}, result interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doRequest(req, result)
}

func (c *ProbeClient) doRequest(req *http.Request, result interface{}) error {
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var errResp api.ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			apiErr.Code = errResp.Code
			apiErr.Message = errResp.Error
		}
		return apiErr
	}

	if result != nil && len(body) > 0 {
		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}

	return nil
}
