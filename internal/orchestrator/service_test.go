package orchestrator

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/scanqueue/internal/errors"
	"github.com/anstrom/scanqueue/internal/idempotency"
	"github.com/anstrom/scanqueue/internal/metrics"
	"github.com/anstrom/scanqueue/internal/queue"
	"github.com/anstrom/scanqueue/internal/results"
	"github.com/anstrom/scanqueue/internal/scanner"
	"github.com/anstrom/scanqueue/internal/scanner/mocks"
	"github.com/anstrom/scanqueue/internal/store"
	"github.com/anstrom/scanqueue/internal/task"
)

type fixture struct {
	svc      *Service
	store    *store.Memory
	queue    queue.Queue
	registry *scanner.Registry
	engine   *mocks.MockEngine
	metrics  *metrics.Registry
}

type fixtureOption func(*fixture)

func withQueue(q queue.Queue) fixtureOption {
	return func(f *fixture) { f.queue = q }
}

func newFixture(t *testing.T, capacity int, opts ...fixtureOption) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		store:    store.NewMemory(nil),
		queue:    queue.NewMemory(nil),
		registry: scanner.NewRegistry(time.Second, nil),
		engine:   mocks.NewMockEngine(ctrl),
		metrics:  metrics.NewRegistry(),
	}
	for _, opt := range opts {
		opt(f)
	}
	require.NoError(t, f.registry.Register(scanner.Instance{
		ID: "s1", Pool: "default", ScannerType: "nessus", Capacity: capacity, Enabled: true,
	}, f.engine))
	idem := idempotency.NewManager(idempotency.NewMemoryBackend(), time.Hour, nil)
	f.svc = New(DefaultConfig(), f.store, f.queue, idem, f.registry, f.metrics, nil)
	return f
}

func basicRequest() SubmitRequest {
	return SubmitRequest{Targets: "10.0.0.0/24, db.internal", Name: "nightly"}
}

// running moves a submitted task to RUNNING with a backend scan id.
func (f *fixture) running(t *testing.T, id string) {
	t.Helper()
	backend := "42"
	_, err := f.store.Transition(context.Background(), id, task.StatusRunning,
		task.Metadata{BackendScanID: &backend})
	require.NoError(t, err)
}

func TestSubmitScanQueues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	resp, err := f.svc.SubmitScan(ctx, basicRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, "s1", resp.ScannerInstance)
	assert.NotEmpty(t, resp.TraceID)
	assert.False(t, resp.Duplicate)

	stored, err := f.store.Get(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, stored.Status)
	assert.Equal(t, "default", stored.ScannerPool)
	assert.Equal(t, task.ScanTypeUntrusted, stored.ScanType)

	depth, err := f.queue.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
	assert.True(t, f.registry.Reserved(resp.TaskID))
}

func TestSubmitScanValidation(t *testing.T) {
	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{"empty targets", SubmitRequest{Targets: "  "}},
		{"unknown scan type", SubmitRequest{Targets: "10.0.0.1", ScanType: "aggressive"}},
		{"unknown profile", SubmitRequest{Targets: "10.0.0.1", SchemaProfile: "everything"}},
		{"trusted without credentials", SubmitRequest{Targets: "10.0.0.1", ScanType: "trusted"}},
		{"privileged without escalation", SubmitRequest{
			Targets: "10.0.0.1", ScanType: "privileged",
			Credentials: map[string]string{"username": "root", "password": "x"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 1)
			_, err := f.svc.SubmitScan(context.Background(), tt.req, nil)
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err), "got %v", err)

			depth, _ := f.queue.Depth(context.Background())
			assert.Zero(t, depth)
			assert.Equal(t, 0, f.registry.List(scanner.Filter{})[0].Load)
		})
	}
}

func TestSubmitScanNoCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	_, err := f.svc.SubmitScan(ctx, basicRequest(), nil)
	require.NoError(t, err)

	_, err = f.svc.SubmitScan(ctx, basicRequest(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsNoCapacity(err))

	tasks, err := f.store.List(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1, "rejected submission must not create a task")

	_, err = f.svc.SubmitScan(ctx, SubmitRequest{Targets: "10.0.0.1", ScannerPool: "nowhere"}, nil)
	assert.True(t, errors.IsNoCapacity(err))
}

func TestSubmitScanIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)

	req := basicRequest()
	req.IdempotencyKey = "abc"
	first, err := f.svc.SubmitScan(ctx, req, nil)
	require.NoError(t, err)

	headers := http.Header{}
	headers.Set(idempotency.HeaderName, "abc")
	req.IdempotencyKey = ""
	second, err := f.svc.SubmitScan(ctx, req, headers)
	require.NoError(t, err)

	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, first.TraceID, second.TraceID)
	assert.True(t, second.Duplicate)

	depth, _ := f.queue.Depth(ctx)
	assert.EqualValues(t, 1, depth)
	assert.Equal(t, 1, f.registry.List(scanner.Filter{})[0].Load)
	assert.NotNil(t, f.metrics.GetMetrics()[metrics.MetricIdempotentReplays])
}

func TestSubmitScanIdempotencyConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)

	req := basicRequest()
	req.IdempotencyKey = "abc"
	_, err := f.svc.SubmitScan(ctx, req, nil)
	require.NoError(t, err)

	req.Targets = "192.168.0.0/16"
	_, err = f.svc.SubmitScan(ctx, req, nil)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestSubmitScanKeyMismatch(t *testing.T) {
	f := newFixture(t, 1)
	req := basicRequest()
	req.IdempotencyKey = "one"
	headers := http.Header{}
	headers.Set(idempotency.HeaderName, "two")

	_, err := f.svc.SubmitScan(context.Background(), req, headers)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestSubmitScanConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	req := basicRequest()
	req.IdempotencyKey = "race"

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := f.svc.SubmitScan(ctx, req, nil)
			if assert.NoError(t, err) {
				ids[i] = resp.TaskID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	tasks, err := f.store.List(ctx, store.Filter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Equal(t, 1, f.registry.List(scanner.Filter{})[0].Load, "losing submissions must release their slot")
}

type failingQueue struct {
	queue.Queue
}

func (failingQueue) Enqueue(context.Context, *task.Task) (int64, error) {
	return 0, stderrors.New("redis unavailable")
}

func TestSubmitScanEnqueueFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1, withQueue(failingQueue{Queue: queue.NewMemory(nil)}))

	_, err := f.svc.SubmitScan(ctx, basicRequest(), nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeQueue, errors.GetCode(err))

	tasks, err := f.store.List(ctx, store.Filter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, task.StatusFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].ErrorMessage, "enqueue failed")
	assert.Equal(t, 0, f.registry.List(scanner.Filter{})[0].Load)
}

func TestGetStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	resp, err := f.svc.SubmitScan(ctx, basicRequest(), nil)
	require.NoError(t, err)

	view, err := f.svc.GetStatus(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, view.Status)
	assert.Equal(t, resp.TraceID, view.TraceID)
	assert.Equal(t, "s1", view.ScannerInstance)
	assert.Empty(t, view.StartedAt)

	_, err = f.svc.GetStatus(ctx, "missing")
	assert.True(t, errors.IsNotFound(err))
}

func TestGetResults(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	req := basicRequest()
	req.SchemaProfile = "minimal"
	resp, err := f.svc.SubmitScan(ctx, req, nil)
	require.NoError(t, err)
	require.NoError(t, f.store.SaveResults(ctx, resp.TaskID, []results.Record{
		{"host": "10.0.0.1", "severity": "low", "plugin_id": 1, "cvss_score": 2.0},
		{"host": "10.0.0.2", "severity": "critical", "plugin_id": 2, "cvss_score": 9.8},
	}))

	out, err := f.svc.GetResults(ctx, resp.TaskID, ResultsRequest{})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Contains(t, lines[0], `"profile":"minimal"`)
	assert.Contains(t, lines[1], resp.TaskID)
	assert.Contains(t, lines[2], "10.0.0.2", "critical findings sort first")

	out, err = f.svc.GetResults(ctx, resp.TaskID, ResultsRequest{
		CustomFields: []string{"host"},
		Filters:      map[string]string{"cvss_score": ">5"},
	})
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, `{"host":"10.0.0.2"}`, lines[2])

	_, err = f.svc.GetResults(ctx, resp.TaskID, ResultsRequest{SchemaProfile: "full", CustomFields: []string{"host"}})
	assert.True(t, errors.IsValidation(err))

	_, err = f.svc.GetResults(ctx, resp.TaskID, ResultsRequest{PageSize: 5000})
	assert.True(t, errors.IsValidation(err))

	_, err = f.svc.GetResults(ctx, "missing", ResultsRequest{})
	assert.True(t, errors.IsNotFound(err))
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)

	resp, err := f.svc.SubmitScan(ctx, basicRequest(), nil)
	require.NoError(t, err)

	_, err = f.svc.Pause(ctx, resp.TaskID)
	assert.True(t, errors.IsInvalidTransition(err), "queued task cannot be paused")

	f.running(t, resp.TaskID)
	f.engine.EXPECT().PauseScan(gomock.Any(), "42").Return(nil)
	view, err := f.svc.Pause(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.True(t, view.Paused)
	assert.Equal(t, task.StatusRunning, view.Status)

	// Already paused: no second backend call.
	view, err = f.svc.Pause(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.True(t, view.Paused)

	f.engine.EXPECT().ResumeScan(gomock.Any(), "42").Return(nil)
	view, err = f.svc.Resume(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.False(t, view.Paused)
}

func TestPauseBackendError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	resp, err := f.svc.SubmitScan(ctx, basicRequest(), nil)
	require.NoError(t, err)
	f.running(t, resp.TaskID)

	f.engine.EXPECT().PauseScan(gomock.Any(), "42").Return(stderrors.New("boom"))
	_, err = f.svc.Pause(ctx, resp.TaskID)
	require.Error(t, err)
	assert.Equal(t, errors.CodeBackend, errors.GetCode(err))

	view, err := f.svc.GetStatus(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.False(t, view.Paused)
}

func TestStopQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	resp, err := f.svc.SubmitScan(ctx, basicRequest(), nil)
	require.NoError(t, err)

	view, err := f.svc.Stop(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, view.Status)
	assert.Equal(t, "stopped by user", view.ErrorMessage)
	assert.False(t, f.registry.Reserved(resp.TaskID))

	_, err = f.svc.Stop(ctx, resp.TaskID)
	assert.True(t, errors.IsInvalidTransition(err))
}

func TestStopRunning(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	resp, err := f.svc.SubmitScan(ctx, basicRequest(), nil)
	require.NoError(t, err)
	f.running(t, resp.TaskID)

	f.engine.EXPECT().StopScan(gomock.Any(), "42").Return(nil)
	view, err := f.svc.Stop(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, view.Status)
	assert.NotEmpty(t, view.CompletedAt)
}

// launchingStore runs beforeTransition once, ahead of the next Transition.
type launchingStore struct {
	store.Store
	beforeTransition func()
}

func (s *launchingStore) Transition(ctx context.Context, id string, to task.Status, md task.Metadata) (*task.Task, error) {
	if hook := s.beforeTransition; hook != nil {
		s.beforeTransition = nil
		hook()
	}
	return s.Store.Transition(ctx, id, to, md)
}

func TestStopRacingLaunchStopsBackend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	resp, err := f.svc.SubmitScan(ctx, basicRequest(), nil)
	require.NoError(t, err)

	racing := &launchingStore{Store: f.store}
	idem := idempotency.NewManager(idempotency.NewMemoryBackend(), time.Hour, nil)
	svc := New(DefaultConfig(), racing, f.queue, idem, f.registry, f.metrics, nil)

	// Stop reads the task while QUEUED; the dispatcher commits RUNNING
	// with a backend scan before Stop's own transition.
	racing.beforeTransition = func() { f.running(t, resp.TaskID) }
	f.engine.EXPECT().StopScan(gomock.Any(), "42").Return(nil)

	view, err := svc.Stop(ctx, resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, view.Status)
	assert.Equal(t, "42", view.BackendScanID)
	assert.False(t, f.registry.Reserved(resp.TaskID))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1)
	resp, err := f.svc.SubmitScan(ctx, basicRequest(), nil)
	require.NoError(t, err)
	f.running(t, resp.TaskID)

	gomock.InOrder(
		f.engine.EXPECT().StopScan(gomock.Any(), "42").Return(stderrors.New("already stopped")),
		f.engine.EXPECT().DeleteScan(gomock.Any(), "42").Return(nil),
	)
	require.NoError(t, f.svc.Delete(ctx, resp.TaskID))

	_, err = f.svc.GetStatus(ctx, resp.TaskID)
	assert.True(t, errors.IsNotFound(err))
	assert.False(t, f.registry.Reserved(resp.TaskID))

	assert.NoError(t, f.svc.Delete(ctx, resp.TaskID), "deleting twice succeeds")
}

func TestListTasksByTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	for _, targets := range []string{"10.0.0.0/24", "192.168.1.5", "db.internal"} {
		_, err := f.svc.SubmitScan(ctx, SubmitRequest{Targets: targets}, nil)
		require.NoError(t, err)
	}

	all, err := f.svc.ListTasks(ctx, ListRequest{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	hits, err := f.svc.ListTasks(ctx, ListRequest{Target: "10.0.0.17"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "10.0.0.0/24", hits[0].Targets)

	hits, err = f.svc.ListTasks(ctx, ListRequest{Target: "192.168.0.0/16"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "192.168.1.5", hits[0].Targets)

	hits, err = f.svc.ListTasks(ctx, ListRequest{Target: "DB.internal"})
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	limited, err := f.svc.ListTasks(ctx, ListRequest{Status: "queued", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = f.svc.ListTasks(ctx, ListRequest{Status: "bogus"})
	assert.True(t, errors.IsValidation(err))
}

func TestQueueStatsAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 4)

	resp, err := f.svc.SubmitScan(ctx, basicRequest(), nil)
	require.NoError(t, err)
	stored, err := f.store.Get(ctx, resp.TaskID)
	require.NoError(t, err)
	require.NoError(t, f.queue.MoveToDLQ(ctx, stored, "scanner unreachable"))

	stats, err := f.svc.QueueStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Depth)
	assert.EqualValues(t, 1, stats.DLQSize)
	assert.Equal(t, []string{resp.TaskID}, stats.Next)
	assert.Equal(t, float64(1), f.metrics.GetMetrics()[metrics.MetricDLQSize].Value)

	dead, err := f.svc.DeadLetters(ctx, 0, -1)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "scanner unreachable", dead[0].Reason)

	n, err := f.svc.ClearDeadLetters(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestScannersAndHealth(t *testing.T) {
	f := newFixture(t, 2)

	assert.Len(t, f.svc.ListScanners("", false), 1)
	assert.True(t, f.svc.PoolHealth().Healthy)

	inst, err := f.svc.SetScannerStatus("s1", scanner.StatusUnhealthy)
	require.NoError(t, err)
	assert.Equal(t, scanner.StatusUnhealthy, inst.Status)
	assert.False(t, f.svc.PoolHealth().Healthy)
	assert.Len(t, f.svc.ListScanners("default", true), 1)

	_, err = f.svc.SetScannerStatus("s1", scanner.StatusDisabled)
	require.NoError(t, err)
	assert.Empty(t, f.svc.ListScanners("default", true))

	_, err = f.svc.SetScannerStatus("missing", scanner.StatusHealthy)
	assert.True(t, errors.IsNotFound(err))
}
