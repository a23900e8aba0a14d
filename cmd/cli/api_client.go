// Package cli provides the scanqueue command-line interface.
// This file implements the HTTP client the task, scanner and queue
// commands use to talk to a running daemon.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/viper"

	"github.com/anstrom/scanqueue/internal/api/handlers"
	"github.com/anstrom/scanqueue/internal/api/middleware"
	"github.com/anstrom/scanqueue/internal/idempotency"
	"github.com/anstrom/scanqueue/internal/orchestrator"
	"github.com/anstrom/scanqueue/internal/queue"
	"github.com/anstrom/scanqueue/internal/scanner"
)

const (
	apiPrefix     = "/api/v1"
	clientTimeout = 30 * time.Second
)

// APIClient calls the scanqueue REST API.
type APIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	userAgent  string
}

// APIError represents an API error response.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
	RequestID  string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("API error (status %d, request %s): %s", e.StatusCode, e.RequestID, e.Message)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// NewAPIClient creates a client for the API at baseURL, e.g.
// http://127.0.0.1:8080. An empty apiKey sends no credentials.
func NewAPIClient(baseURL, apiKey string) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: clientTimeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		userAgent: "scanqueue-cli/" + version,
	}
}

// newClient builds the client commands use. Tests replace it.
var newClient = func() (*APIClient, error) {
	return NewAPIClient(serverURL(), apiKeyFromSources()), nil
}

// serverURL resolves the API base URL: the --server flag or
// SCANQUEUE_SERVER first, then the api section of the config file.
func serverURL() string {
	if s := viper.GetString("server"); s != "" {
		return s
	}
	scheme := "http"
	if viper.GetBool("api.tls.enabled") {
		scheme = "https"
	}
	host := viper.GetString("api.listen_addr")
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	port := viper.GetInt("api.port")
	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}

// apiKeyFromSources reads the key from --api-key, SCANQUEUE_API_KEY or
// the file named by SCANQUEUE_API_KEY_FILE.
func apiKeyFromSources() string {
	if key := viper.GetString("api_key"); key != "" {
		return key
	}
	if keyFile := viper.GetString("api_key_file"); keyFile != "" {
		// #nosec G304 - the operator names the key file explicitly
		if data, err := os.ReadFile(keyFile); err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

// send performs a request and returns the status and raw body.
func (c *APIClient) send(ctx context.Context, method, path string, query url.Values,
	payload interface{}, headers http.Header) (int, []byte, error) {
	target := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.apiKey != "" {
		req.Header.Set(middleware.APIKeyHeader, c.apiKey)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return resp.StatusCode, data, nil
}

// do performs a request and decodes a successful JSON response into out.
func (c *APIClient) do(ctx context.Context, method, path string, query url.Values,
	payload, out interface{}, headers http.Header) error {
	status, data, err := c.send(ctx, method, path, query, payload, headers)
	if err != nil {
		return err
	}
	if status >= http.StatusBadRequest {
		return decodeAPIError(status, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeAPIError(status int, data []byte) error {
	var body handlers.ErrorResponse
	apiErr := &APIError{StatusCode: status}
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Message = body.Message
		apiErr.Code = body.Code
		apiErr.RequestID = body.RequestID
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

// Submit submits a scan. A non-empty idempotency key is sent as a header.
func (c *APIClient) Submit(ctx context.Context, req orchestrator.SubmitRequest,
	idempotencyKey string) (*orchestrator.SubmitResponse, error) {
	var headers http.Header
	if idempotencyKey != "" {
		headers = http.Header{idempotency.HeaderName: []string{idempotencyKey}}
	}
	var resp orchestrator.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/scans", nil, req, &resp, headers); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the status of a task.
func (c *APIClient) Status(ctx context.Context, taskID string) (*orchestrator.StatusView, error) {
	var view orchestrator.StatusView
	if err := c.do(ctx, http.MethodGet, "/scans/"+url.PathEscape(taskID), nil, nil, &view, nil); err != nil {
		return nil, err
	}
	return &view, nil
}

// ListTasks lists tasks matching the filter parameters.
func (c *APIClient) ListTasks(ctx context.Context, filter url.Values) ([]orchestrator.StatusView, error) {
	var resp struct {
		Tasks []orchestrator.StatusView `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/scans", filter, nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Results returns the newline-delimited JSON result document of a task.
func (c *APIClient) Results(ctx context.Context, taskID string, query url.Values) (string, error) {
	status, data, err := c.send(ctx, http.MethodGet, "/scans/"+url.PathEscape(taskID)+"/results", query, nil, nil)
	if err != nil {
		return "", err
	}
	if status >= http.StatusBadRequest {
		return "", decodeAPIError(status, data)
	}
	return string(data), nil
}

// Control pauses, resumes or stops a task.
func (c *APIClient) Control(ctx context.Context, taskID, op string) (*orchestrator.StatusView, error) {
	var view orchestrator.StatusView
	path := "/scans/" + url.PathEscape(taskID) + "/" + op
	if err := c.do(ctx, http.MethodPost, path, nil, nil, &view, nil); err != nil {
		return nil, err
	}
	return &view, nil
}

// Delete deletes a task.
func (c *APIClient) Delete(ctx context.Context, taskID string) error {
	return c.do(ctx, http.MethodDelete, "/scans/"+url.PathEscape(taskID), nil, nil, nil, nil)
}

// Scanners lists scanner instances.
func (c *APIClient) Scanners(ctx context.Context, pool string, enabledOnly bool) ([]scanner.Instance, error) {
	query := url.Values{}
	if pool != "" {
		query.Set("pool", pool)
	}
	if enabledOnly {
		query.Set("enabled_only", "true")
	}
	var resp struct {
		Scanners []scanner.Instance `json:"scanners"`
	}
	if err := c.do(ctx, http.MethodGet, "/scanners", query, nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Scanners, nil
}

// Pools returns per-pool health. An unhealthy answer (503) still
// carries the pool breakdown.
func (c *APIClient) Pools(ctx context.Context) (*scanner.PoolHealth, error) {
	status, data, err := c.send(ctx, http.MethodGet, "/scanners/health", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return nil, decodeAPIError(status, data)
	}
	var health scanner.PoolHealth
	if err := json.Unmarshal(data, &health); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &health, nil
}

// SetScannerStatus changes the operational status of an instance.
func (c *APIClient) SetScannerStatus(ctx context.Context, id, status string) (*scanner.Instance, error) {
	var inst scanner.Instance
	path := "/scanners/" + url.PathEscape(id) + "/status"
	if err := c.do(ctx, http.MethodPut, path, nil, map[string]string{"status": status}, &inst, nil); err != nil {
		return nil, err
	}
	return &inst, nil
}

// QueueStats returns the queue depth and dead-letter count.
func (c *APIClient) QueueStats(ctx context.Context) (*orchestrator.QueueStats, error) {
	var stats orchestrator.QueueStats
	if err := c.do(ctx, http.MethodGet, "/queue", nil, nil, &stats, nil); err != nil {
		return nil, err
	}
	return &stats, nil
}

// DeadLetters lists dead-letter entries in the inclusive range.
func (c *APIClient) DeadLetters(ctx context.Context, start, end int64) ([]queue.DeadLetter, error) {
	query := url.Values{
		"start": []string{strconv.FormatInt(start, 10)},
		"end":   []string{strconv.FormatInt(end, 10)},
	}
	var resp struct {
		DeadLetters []queue.DeadLetter `json:"dead_letters"`
	}
	if err := c.do(ctx, http.MethodGet, "/queue/dlq", query, nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.DeadLetters, nil
}

// ClearDeadLetters empties the dead-letter queue.
func (c *APIClient) ClearDeadLetters(ctx context.Context) (int64, error) {
	var resp struct {
		Removed int64 `json:"removed"`
	}
	if err := c.do(ctx, http.MethodDelete, "/queue/dlq", nil, nil, &resp, nil); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// Health returns the service health document.
func (c *APIClient) Health(ctx context.Context) (*handlers.HealthResponse, error) {
	status, data, err := c.send(ctx, http.MethodGet, "/health", nil, nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return nil, decodeAPIError(status, data)
	}
	var health handlers.HealthResponse
	if err := json.Unmarshal(data, &health); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &health, nil
}

// Watch streams status frames of a task to fn until the server closes
// the stream, ctx ends or fn returns an error.
func (c *APIClient) Watch(ctx context.Context, taskID string, fn func(handlers.WatchMessage) error) error {
	u, err := url.Parse(c.baseURL + apiPrefix + "/scans/" + url.PathEscape(taskID) + "/watch")
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{"User-Agent": []string{c.userAgent}}
	if c.apiKey != "" {
		header.Set(middleware.APIKeyHeader, c.apiKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			data, _ := io.ReadAll(resp.Body)
			return decodeAPIError(resp.StatusCode, data)
		}
		return fmt.Errorf("failed to open watch stream: %w", err)
	}
	defer func() { _ = conn.Close() }()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var msg handlers.WatchMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("watch stream failed: %w", err)
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
