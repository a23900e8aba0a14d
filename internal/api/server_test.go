package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/scanqueue/internal/auth"
	"github.com/anstrom/scanqueue/internal/config"
	"github.com/anstrom/scanqueue/internal/idempotency"
	"github.com/anstrom/scanqueue/internal/metrics"
	"github.com/anstrom/scanqueue/internal/orchestrator"
	"github.com/anstrom/scanqueue/internal/queue"
	"github.com/anstrom/scanqueue/internal/results"
	"github.com/anstrom/scanqueue/internal/scanner"
	"github.com/anstrom/scanqueue/internal/scanner/mocks"
	"github.com/anstrom/scanqueue/internal/store"
	"github.com/anstrom/scanqueue/internal/task"
)

type testEnv struct {
	server   *Server
	store    *store.Memory
	queue    *queue.Memory
	registry *scanner.Registry
	engine   *mocks.MockEngine
	metrics  *metrics.Registry
}

func createTestConfig() config.APIConfig {
	cfg := config.Default().API
	cfg.RateLimit.Enabled = false
	return cfg
}

func newTestEnv(t *testing.T, cfg config.APIConfig, capacity int) *testEnv {
	t.Helper()
	ctrl := gomock.NewController(t)
	e := &testEnv{
		store:    store.NewMemory(nil),
		queue:    queue.NewMemory(nil),
		registry: scanner.NewRegistry(time.Second, nil),
		engine:   mocks.NewMockEngine(ctrl),
		metrics:  metrics.NewRegistry(),
	}
	require.NoError(t, e.registry.Register(scanner.Instance{
		ID: "s1", Pool: "default", ScannerType: "nessus", Capacity: capacity, Enabled: true,
	}, e.engine))

	idem := idempotency.NewManager(idempotency.NewMemoryBackend(), time.Hour, nil)
	svc := orchestrator.New(orchestrator.DefaultConfig(), e.store, e.queue, idem, e.registry, e.metrics, nil)

	server, err := New(cfg, svc, Options{
		Metrics:        e.metrics,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "# metrics\n") }),
		Version:        "test",
	})
	require.NoError(t, err)
	e.server = server
	return e
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest), rec.Body.String())
}

func (e *testEnv) submit(t *testing.T) orchestrator.SubmitResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/scans", map[string]interface{}{
		"targets": "10.0.0.0/24",
		"name":    "nightly",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp orchestrator.SubmitResponse
	decode(t, rec, &resp)
	return resp
}

func (e *testEnv) markRunning(t *testing.T, id string) {
	t.Helper()
	backend := "77"
	_, err := e.store.Transition(context.Background(), id, task.StatusRunning, task.Metadata{BackendScanID: &backend})
	require.NoError(t, err)
}

func TestNewServer(t *testing.T) {
	t.Run("creates server with valid configuration", func(t *testing.T) {
		e := newTestEnv(t, createTestConfig(), 1)
		assert.NotNil(t, e.server.GetRouter())
		assert.Equal(t, "127.0.0.1:8080", e.server.GetAddress())
	})

	t.Run("rejects invalid api keys", func(t *testing.T) {
		cfg := createTestConfig()
		cfg.APIKeys = []auth.Key{{Name: "broken"}}
		_, err := New(cfg, nil, Options{})
		assert.Error(t, err)
	})
}

func TestSubmitAndGetScan(t *testing.T) {
	e := newTestEnv(t, createTestConfig(), 2)
	resp := e.submit(t)

	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, "s1", resp.ScannerInstance)

	rec := e.do(t, http.MethodGet, "/api/v1/scans/"+resp.TaskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view orchestrator.StatusView
	decode(t, rec, &view)
	assert.Equal(t, task.StatusQueued, view.Status)
	assert.Equal(t, "nightly", view.Name)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestSubmitScanErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"missing targets", `{"name":"x"}`, http.StatusBadRequest},
		{"unknown field", `{"targets":"10.0.0.1","bogus":1}`, http.StatusBadRequest},
		{"malformed json", `{"targets":`, http.StatusBadRequest},
		{"bad scan type", `{"targets":"10.0.0.1","scan_type":"loud"}`, http.StatusBadRequest},
		{"unknown schema profile", `{"targets":"10.0.0.1","schema_profile":"nope"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t, createTestConfig(), 1)
			req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			e.server.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
		})
	}
}

func TestSubmitScanWrongContentType(t *testing.T) {
	e := newTestEnv(t, createTestConfig(), 1)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scans", strings.NewReader("targets=10.0.0.1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestSubmitScanNoCapacity(t *testing.T) {
	e := newTestEnv(t, createTestConfig(), 1)
	e.submit(t)

	rec := e.do(t, http.MethodPost, "/api/v1/scans", map[string]string{"targets": "10.0.0.2"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "NO_CAPACITY", body["code"])
}

func TestSubmitScanIdempotency(t *testing.T) {
	e := newTestEnv(t, createTestConfig(), 2)
	body := map[string]string{"targets": "10.0.0.1"}

	first := e.do(t, http.MethodPost, "/api/v1/scans", body, idempotency.HeaderName, "key-1")
	require.Equal(t, http.StatusAccepted, first.Code)
	var a orchestrator.SubmitResponse
	decode(t, first, &a)

	replay := e.do(t, http.MethodPost, "/api/v1/scans", body, idempotency.HeaderName, "key-1")
	require.Equal(t, http.StatusOK, replay.Code)
	var b orchestrator.SubmitResponse
	decode(t, replay, &b)
	assert.Equal(t, a.TaskID, b.TaskID)
	assert.True(t, b.Duplicate)

	conflict := e.do(t, http.MethodPost, "/api/v1/scans", map[string]string{"targets": "10.0.0.9"},
		idempotency.HeaderName, "key-1")
	assert.Equal(t, http.StatusConflict, conflict.Code)
}

func TestGetScanNotFound(t *testing.T) {
	e := newTestEnv(t, createTestConfig(), 1)
	rec := e.do(t, http.MethodGet, "/api/v1/scans/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListScans(t *testing.T) {
	e := newTestEnv(t, createTestConfig(), 3)
	e.submit(t)
	rec := e.do(t, http.MethodPost, "/api/v1/scans", map[string]string{"targets": "192.168.1.5"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var list struct {
		Tasks []orchestrator.StatusView `json:"tasks"`
		Count int                       `json:"count"`
	}
	rec = e.do(t, http.MethodGet, "/api/v1/scans?target=10.0.0.17", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	assert.Equal(t, 1, list.Count)
	assert.Equal(t, "10.0.0.0/24", list.Tasks[0].Targets)

	rec = e.do(t, http.MethodGet, "/api/v1/scans?status=queued", nil)
	decode(t, rec, &list)
	assert.Equal(t, 2, list.Count)

	rec = e.do(t, http.MethodGet, "/api/v1/scans?limit=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanResults(t *testing.T) {
	e := newTestEnv(t, createTestConfig(), 1)
	resp := e.submit(t)

	records := make([]results.Record, 25)
	for i := range records {
		records[i] = results.Record{"host": "10.0.0.1", "plugin_id": i, "severity": "low"}
	}
	require.NoError(t, e.store.SaveResults(context.Background(), resp.TaskID, records))

	rec := e.do(t, http.MethodGet, "/api/v1/scans/"+resp.TaskID+"/results?page=3&page_size=10&schema_profile=minimal", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2+5+1)
	assert.Contains(t, lines[len(lines)-1], `"has_more":false`)

	rec = e.do(t, http.MethodGet, "/api/v1/scans/"+resp.TaskID+"/results?schema_profile=full&fields=host", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/scans/"+resp.TaskID+"/results?fields=host,plugin_id&filter.plugin_id=>=20", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lines = strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 2+5+1)
}

func TestPauseResumeStopDelete(t *testing.T) {
	e := newTestEnv(t, createTestConfig(), 1)
	resp := e.submit(t)
	path := "/api/v1/scans/" + resp.TaskID

	rec := e.do(t, http.MethodPost, path+"/pause", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "queued tasks cannot pause")

	e.markRunning(t, resp.TaskID)
	e.engine.EXPECT().PauseScan(gomock.Any(), "77").Return(nil)
	e.engine.EXPECT().ResumeScan(gomock.Any(), "77").Return(nil)
	e.engine.EXPECT().StopScan(gomock.Any(), "77").Return(nil)

	rec = e.do(t, http.MethodPost, path+"/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view orchestrator.StatusView
	decode(t, rec, &view)
	assert.True(t, view.Paused)

	rec = e.do(t, http.MethodPost, path+"/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &view)
	assert.False(t, view.Paused)

	rec = e.do(t, http.MethodPost, path+"/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &view)
	assert.Equal(t, task.StatusFailed, view.Status)
	assert.Equal(t, "stopped by user", view.ErrorMessage)

	e.engine.EXPECT().DeleteScan(gomock.Any(), "77").Return(nil)
	rec = e.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, "delete is idempotent")
}

func TestScannerEndpoints(t *testing.T) {
	e := newTestEnv(t, createTestConfig(), 2)

	rec := e.do(t, http.MethodGet, "/api/v1/scanners?enabled_only=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Scanners []scanner.Instance `json:"scanners"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Scanners, 1)
	assert.Equal(t, "s1", list.Scanners[0].ID)

	rec = e.do(t, http.MethodGet, "/api/v1/scanners/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPut, "/api/v1/scanners/s1/status", map[string]string{"status": "disabled"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/v1/scanners/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = e.do(t, http.MethodPut, "/api/v1/scanners/s1/status", map[string]string{"status": "sleepy"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPut, "/api/v1/scanners/nope/status", map[string]string{"status": "healthy"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueueEndpoints(t *testing.T) {
	e := newTestEnv(t, createTestConfig(), 2)
	resp := e.submit(t)

	rec := e.do(t, http.MethodGet, "/api/v1/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats orchestrator.QueueStats
	decode(t, rec, &stats)
	assert.EqualValues(t, 1, stats.Depth)
	assert.Equal(t, []string{resp.TaskID}, stats.Next)

	tk, err := e.store.Get(context.Background(), resp.TaskID)
	require.NoError(t, err)
	require.NoError(t, e.queue.MoveToDLQ(context.Background(), tk, "backend_error"))

	rec = e.do(t, http.MethodGet, "/api/v1/queue/dlq", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var dlq struct {
		DeadLetters []queue.DeadLetter `json:"dead_letters"`
		Count       int                `json:"count"`
	}
	decode(t, rec, &dlq)
	assert.Equal(t, 1, dlq.Count)
	assert.Equal(t, "backend_error", dlq.DeadLetters[0].Reason)

	rec = e.do(t, http.MethodDelete, "/api/v1/queue/dlq", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cleared map[string]int64
	decode(t, rec, &cleared)
	assert.EqualValues(t, 1, cleared["removed"])
}

func TestHealthAndVersion(t *testing.T) {
	e := newTestEnv(t, createTestConfig(), 1)

	rec := e.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]interface{}
	decode(t, rec, &health)
	assert.Equal(t, "healthy", health["status"])

	require.NoError(t, e.registry.SetStatus("s1", scanner.StatusUnhealthy))
	rec = e.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &health)
	assert.Equal(t, "degraded", health["status"])

	rec = e.do(t, http.MethodGet, "/api/v1/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var version map[string]interface{}
	decode(t, rec, &version)
	assert.Equal(t, "test", version["version"])
}

func TestAuthenticationRequired(t *testing.T) {
	cfg := createTestConfig()
	cfg.APIKeys = []auth.Key{{Name: "ci", Key: "sq_test"}}
	e := newTestEnv(t, cfg, 1)

	assert.Equal(t, http.StatusUnauthorized, e.do(t, http.MethodGet, "/api/v1/scans", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/scans", nil, "X-API-Key", "sq_test").Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/health", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/metrics", nil).Code)
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/swagger/doc.json", nil).Code)
}

func TestAPIDocs(t *testing.T) {
	e := newTestEnv(t, createTestConfig(), 1)

	rec := e.do(t, http.MethodGet, "/swagger/doc.json", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc struct {
		Info struct {
			Title string `json:"title"`
		} `json:"info"`
		BasePath string                 `json:"basePath"`
		Paths    map[string]interface{} `json:"paths"`
	}
	decode(t, rec, &doc)
	assert.Equal(t, "scanqueue API", doc.Info.Title)
	assert.Equal(t, "/api/v1", doc.BasePath)
	for _, path := range []string{"/scans", "/scans/{id}/results", "/scanners/{id}/status", "/queue/dlq"} {
		assert.Contains(t, doc.Paths, path)
	}
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "'self'")

	rec = e.do(t, http.MethodGet, "/docs", nil)
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/swagger/index.html", rec.Header().Get("Location"))
}

func TestRateLimiting(t *testing.T) {
	cfg := createTestConfig()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerSecond = 0.01
	cfg.RateLimit.BurstSize = 2
	e := newTestEnv(t, cfg, 1)

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/api/v1/version", nil).Code)
	}
	assert.Equal(t, http.StatusTooManyRequests, e.do(t, http.MethodGet, "/api/v1/version", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t, createTestConfig(), 1)
	rec := e.do(t, http.MethodOptions, "/api/v1/scans", nil,
		"Origin", "https://console.example",
		"Access-Control-Request-Method", "POST")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouterErrorsAndMetrics(t *testing.T) {
	e := newTestEnv(t, createTestConfig(), 1)

	rec := e.do(t, http.MethodGet, "/api/v1/nothing-here", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no such endpoint")

	rec = e.do(t, http.MethodPatch, "/api/v1/queue", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Body.String(), "method not allowed")

	rec = e.do(t, http.MethodPut, "/api/v1/scans/abc", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = e.do(t, http.MethodGet, "/elsewhere", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no such endpoint")

	e.do(t, http.MethodGet, "/api/v1/scans/abc", nil)
	key := metrics.Key(metrics.MetricHTTPRequests, metrics.Labels{
		metrics.LabelMethod: http.MethodGet,
		metrics.LabelPath:   "/api/v1/scans/{id}",
		metrics.LabelStatus: "404",
	})
	assert.NotNil(t, e.metrics.GetMetrics()[key])
}

func TestStartAndStop(t *testing.T) {
	cfg := createTestConfig()
	cfg.Port = 0
	e := newTestEnv(t, cfg, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.server.Start(ctx) }()

	require.Eventually(t, func() bool {
		return e.server.GetAddress() != "127.0.0.1:0"
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + e.server.GetAddress() + "/api/v1/version")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
