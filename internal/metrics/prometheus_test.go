package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics_InitializationAndUpdate(t *testing.T) {
	pm := NewPrometheusMetrics()
	if pm.GetRegistry() == nil {
		t.Fatal("GetRegistry returned nil")
	}

	pm.UpdateSystemMetrics()
	before := testutil.ToFloat64(pm.uptime)
	if testutil.ToFloat64(pm.goroutines) <= 0 {
		t.Error("goroutine gauge not set")
	}

	time.Sleep(10 * time.Millisecond)
	pm.UpdateSystemMetrics()
	if after := testutil.ToFloat64(pm.uptime); before >= after {
		t.Fatalf("expected uptime to increase, before=%v after=%v", before, after)
	}
}

func TestPrometheusMetrics_HTTPHandlerServes(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.UpdateSystemMetrics()
	pm.Counter(MetricTaskTransitions, Labels{LabelStatus: "COMPLETED", LabelScanType: "untrusted"})
	SetQueueSizes(pm, 3, 1)

	rr := httptest.NewRecorder()
	pm.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"scanqueue_system_uptime_seconds",
		`scanqueue_task_transitions_total{scan_type="untrusted",status="COMPLETED"} 1`,
		"scanqueue_queue_depth 3",
		"scanqueue_dlq_size 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestPrometheusMetrics_DynamicCollectors(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.Counter(MetricEngineErrors, Labels{LabelPool: "a", LabelOperation: "launch"})
	pm.Counter(MetricEngineErrors, Labels{LabelPool: "b", LabelOperation: "launch"})
	pm.Counter(MetricEngineErrors, Labels{LabelPool: "b", LabelOperation: "launch"})

	if n := testutil.CollectAndCount(pm.counters[MetricEngineErrors]); n != 2 {
		t.Errorf("expected 2 label combinations, got %d", n)
	}
	if v := testutil.ToFloat64(pm.counters[MetricEngineErrors].WithLabelValues("launch", "b")); v != 2 {
		t.Errorf("expected pool b count 2, got %v", v)
	}

	pm.Histogram(MetricTaskDuration, 42, Labels{LabelScanType: "trusted", LabelStatus: "COMPLETED"})
	if n := testutil.CollectAndCount(pm.histograms[MetricTaskDuration]); n != 1 {
		t.Errorf("expected 1 histogram series, got %d", n)
	}

	pm.Gauge(MetricScannerLoad, 2, Labels{LabelInstance: "s1", LabelPool: "default"})
	if v := testutil.ToFloat64(pm.gauges[MetricScannerLoad].WithLabelValues("s1", "default")); v != 2 {
		t.Errorf("expected gauge 2, got %v", v)
	}
}

func TestPrometheusMetrics_MismatchedLabelsAreDropped(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.Counter(MetricSweeperRuns, nil)
	pm.Counter(MetricSweeperRuns, Labels{"unexpected": "x"})

	if v := testutil.ToFloat64(pm.counters[MetricSweeperRuns]); v != 1 {
		t.Errorf("expected only the matching observation, got %v", v)
	}
}

func TestPrometheusMetrics_MirrorAndReset(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.Counter(MetricTasksSubmitted, Labels{LabelScanType: "untrusted", LabelPool: "default"})

	if n := len(pm.GetMetrics()); n != 1 {
		t.Fatalf("expected 1 mirrored metric, got %d", n)
	}

	pm.SetEnabled(false)
	pm.Counter(MetricTasksSubmitted, Labels{LabelScanType: "untrusted", LabelPool: "default"})
	if v := testutil.ToFloat64(pm.counters[MetricTasksSubmitted].WithLabelValues("default", "untrusted")); v != 1 {
		t.Errorf("disabled registry still counted: %v", v)
	}
	pm.SetEnabled(true)

	pm.Reset()
	if n := len(pm.GetMetrics()); n != 0 {
		t.Errorf("reset left %d metrics", n)
	}
	if n := testutil.CollectAndCount(pm.counters[MetricTasksSubmitted]); n != 0 {
		t.Errorf("reset left %d series", n)
	}
}

func TestPrometheusMetrics_StartPeriodicUpdates(t *testing.T) {
	pm := NewPrometheusMetrics()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		pm.StartPeriodicUpdates(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("periodic updates did not stop")
	}
	if testutil.ToFloat64(pm.uptime) <= 0 {
		t.Error("uptime was never updated")
	}
}
