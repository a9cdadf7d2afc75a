package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tileworks/platform/internal/broker"
	"github.com/tileworks/platform/internal/metrics"
	"github.com/tileworks/platform/pkg/redact"
)

func newTestLedger(repo RunRepository, clock *time.Time) *Ledger {
	l := NewLedger(repo)
	l.now = func() time.Time { return *clock }
	return l
}

func TestBeginRecordsOptimisticSuccess(t *testing.T) {
	repo := newMemRepo()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := newTestLedger(repo, &now)

	run, err := l.Begin(context.Background(), "tiles-sync", "sched-1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	rec := run.Record()
	if rec.ID == "" || rec.Status != RunSuccess || rec.FinishedAt != nil || !rec.StartedAt.Equal(now) {
		t.Fatalf("record = %+v", rec)
	}
	stored := repo.byJob()["tiles-sync"]
	if stored.ScheduleRunID != "sched-1" || stored.Status != RunSuccess {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestSucceedSetsDurationAndRedacts(t *testing.T) {
	repo := newMemRepo()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := newTestLedger(repo, &now)
	ctx := context.Background()

	run, err := l.Begin(ctx, "tiles-sync", "sched-1")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	now = now.Add(1500 * time.Millisecond)
	if err := run.Succeed(ctx, map[string]interface{}{"tiles": 4, "apiKey": "abc"}); err != nil {
		t.Fatalf("Succeed: %v", err)
	}

	rec := repo.byJob()["tiles-sync"]
	if rec.Status != RunSuccess || rec.DurationMs != 1500 || rec.FinishedAt == nil {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Summary["tiles"] != 4 || rec.Summary["apiKey"] != redact.Mask {
		t.Fatalf("summary = %v", rec.Summary)
	}
}

func TestFailRecordsErrorCode(t *testing.T) {
	repo := newMemRepo()
	now := time.Now()
	l := newTestLedger(repo, &now)
	ctx := context.Background()

	run, _ := l.Begin(ctx, "tiles-sync", "sched-1")
	cause := &broker.TimeoutError{Pattern: "tiles.sync", Timeout: time.Second}
	if err := run.Fail(ctx, cause, map[string]interface{}{"fetched": 2}); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	rec := repo.byJob()["tiles-sync"]
	if rec.Status != RunFailed || rec.ErrorMessage != cause.Error() {
		t.Fatalf("record = %+v", rec)
	}
	if rec.Summary["error"] != "RPC_TIMEOUT" || rec.Summary["message"] != cause.Error() {
		t.Fatalf("summary = %v", rec.Summary)
	}
	partial, ok := rec.Summary["partial"].(map[string]interface{})
	if !ok || partial["fetched"] != 2 {
		t.Fatalf("partial = %v", rec.Summary["partial"])
	}
}

func TestFailWithoutCause(t *testing.T) {
	repo := newMemRepo()
	now := time.Now()
	run, _ := newTestLedger(repo, &now).Begin(context.Background(), "j", "s")
	if err := run.Fail(context.Background(), nil, nil); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	rec := repo.byJob()["j"]
	if rec.Summary["error"] != "UNKNOWN" {
		t.Fatalf("summary = %v", rec.Summary)
	}
	if _, ok := rec.Summary["partial"]; ok {
		t.Fatalf("empty partial should be omitted: %v", rec.Summary)
	}
}

func TestRunFinalizesOnce(t *testing.T) {
	repo := newMemRepo()
	now := time.Now()
	run, _ := newTestLedger(repo, &now).Begin(context.Background(), "j", "s")

	if err := run.Succeed(context.Background(), nil); err != nil {
		t.Fatalf("Succeed: %v", err)
	}
	if err := run.Fail(context.Background(), errors.New("late"), nil); !errors.Is(err, ErrRunFinalized) {
		t.Fatalf("second finalize = %v, want ErrRunFinalized", err)
	}
	if got := repo.byJob()["j"].Status; got != RunSuccess {
		t.Fatalf("status = %s", got)
	}
}

func TestBeginPropagatesRepositoryError(t *testing.T) {
	repo := newMemRepo()
	repo.insertErr = errors.New("db down")
	now := time.Now()
	if _, err := newTestLedger(repo, &now).Begin(context.Background(), "j", "s"); err == nil {
		t.Fatal("expected error")
	}
}

func TestFinishRecordsMetrics(t *testing.T) {
	repo := newMemRepo()
	m := metrics.New(nil)
	l := NewLedger(repo, WithLedgerMetrics(m))
	ctx := context.Background()

	ok, _ := l.Begin(ctx, "tiles-sync", "s")
	_ = ok.Succeed(ctx, nil)
	bad, _ := l.Begin(ctx, "tiles-sync", "s")
	_ = bad.Fail(ctx, errors.New("boom"), nil)

	if got := testutil.ToFloat64(m.JobRuns.WithLabelValues("tiles-sync", string(RunSuccess))); got != 1 {
		t.Fatalf("success runs = %v", got)
	}
	if got := testutil.ToFloat64(m.JobRuns.WithLabelValues("tiles-sync", string(RunFailed))); got != 1 {
		t.Fatalf("failed runs = %v", got)
	}
}

func TestHistory(t *testing.T) {
	repo := newMemRepo()
	now := time.Now()
	l := newTestLedger(repo, &now)
	ctx := context.Background()
	_, _ = l.Begin(ctx, "a", "s1")
	_, _ = l.Begin(ctx, "b", "s1")
	_, _ = l.Begin(ctx, "c", "s2")

	runs, err := l.History(ctx, "s1")
	if err != nil || len(runs) != 2 {
		t.Fatalf("History = %v, %v", runs, err)
	}
}
