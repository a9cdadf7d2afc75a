package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsCountersAndHistograms(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncSagaTransition("tile-import", "COMPLETED")
	m.ObserveStep("tiles.fetch", 150*time.Millisecond, nil)
	m.ObserveStep("tiles.fetch", time.Second, errors.New("timeout"))
	m.IncLock(LockAcquired)
	m.IncLock(LockSkipped)
	m.IncRateLimitRetry("tiles.sync")
	m.IncRequeue("tiles.sync", RequeueDropped)
	m.ObserveJobRun("tiles-sync", "SUCCESS", 2*time.Second)
	m.IncDeadLetter("jobs:tiles.sync")

	if got := testutil.ToFloat64(m.SagaTransitions.WithLabelValues("tile-import", "COMPLETED")); got != 1 {
		t.Fatalf("expected saga transition counter 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.LockAcquisitions.WithLabelValues(LockSkipped)); got != 1 {
		t.Fatalf("expected skipped lock counter 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.Requeues.WithLabelValues("tiles.sync", RequeueDropped)); got != 1 {
		t.Fatalf("expected dropped requeue counter 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.JobRuns.WithLabelValues("tiles-sync", "SUCCESS")); got != 1 {
		t.Fatalf("expected job run counter 1, got %v", got)
	}
	if got := testutil.CollectAndCount(m.StepLatency); got != 2 {
		t.Fatalf("expected 2 step latency series, got %v", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncSagaTransition("x", "y")
	m.ObserveStep("p", time.Second, nil)
	m.IncLock(LockError)
	m.IncRateLimitRetry("op")
	m.IncRequeue("p", RequeueScheduled)
	m.ObserveJobRun("j", "FAILED", time.Second)
	m.IncDeadLetter("s")
	if m.Handler() == nil {
		t.Fatal("expected fallback handler")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := New(nil)
	m.IncLock(LockAcquired)
	m.IncRequeue("tiles.sync", RequeueScheduled)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, name := range []string{"execution_lock_acquisitions_total", "job_requeues_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("expected %s in response", name)
		}
	}
}
