package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/tileworks/platform/internal/lock"
	"github.com/tileworks/platform/pkg/health"
	"github.com/tileworks/platform/pkg/redis"
)

func newTestScheduler(t *testing.T, b *fakeBroker, repo *memRepo, opts ...SchedulerOption) (*Scheduler, *lock.Locker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := lock.New(redis.NewStore(rdb, ""))
	return NewScheduler(locker, NewDispatcher(b, NewLedger(repo), 0, nil), opts...), locker
}

func staticSource(tasks ...Task) Source {
	return SourceFunc(func(context.Context) ([]Task, error) { return tasks, nil })
}

func TestTriggerDispatchesUnderLock(t *testing.T) {
	b := &fakeBroker{}
	repo := newMemRepo()
	monitor := &health.LoopMonitor{}
	s, _ := newTestScheduler(t, b, repo, WithSchedulerMonitor(monitor))

	err := s.Add(ScheduledJob{
		JobID:   "tiles-sync",
		Spec:    "@every 5m",
		LockTTL: time.Minute,
		Source:  staticSource(Task{TaskID: "t1", JobID: "tiles-sync", Pattern: "tiles.sync"}),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	res, err := s.Trigger(context.Background(), "tiles-sync")
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !res.Ran || res.ScheduleRunID == "" || res.Report.Dispatched != 1 {
		t.Fatalf("result = %+v", res)
	}
	if emits := b.emitted(); len(emits) != 1 || emits[0].Payload[FieldScheduleRunID] != res.ScheduleRunID {
		t.Fatalf("emits = %+v", emits)
	}
	if runs, _ := repo.ListByScheduleRun(context.Background(), res.ScheduleRunID); len(runs) != 1 {
		t.Fatalf("ledger runs = %d", len(runs))
	}
	if ok, _, _ := monitor.Healthy(time.Now(), time.Minute); !ok {
		t.Fatal("monitor not ticked")
	}
}

func TestTriggerSkipsWhenLockHeld(t *testing.T) {
	b := &fakeBroker{}
	var listed atomic.Int32
	s, locker := newTestScheduler(t, b, newMemRepo())
	_ = s.Add(ScheduledJob{
		JobID:   "tiles-sync",
		Spec:    "@every 5m",
		LockTTL: time.Minute,
		Source: SourceFunc(func(context.Context) ([]Task, error) {
			listed.Add(1)
			return nil, nil
		}),
	})

	ctx := context.Background()
	held, err := locker.Acquire(ctx, lock.Key("scheduler", "tiles-sync"), time.Minute)
	if err != nil || !held {
		t.Fatalf("Acquire = %v, %v", held, err)
	}

	res, err := s.Trigger(ctx, "tiles-sync")
	if err != nil || res.Ran {
		t.Fatalf("Trigger = %+v, %v, want skipped", res, err)
	}
	if listed.Load() != 0 {
		t.Fatal("source consulted while lock held elsewhere")
	}
}

func TestTriggerReleasesLockOnSourceError(t *testing.T) {
	s, locker := newTestScheduler(t, &fakeBroker{}, newMemRepo())
	boom := errors.New("catalog unavailable")
	_ = s.Add(ScheduledJob{
		JobID:   "j",
		Spec:    "@every 1m",
		LockTTL: time.Minute,
		Source:  SourceFunc(func(context.Context) ([]Task, error) { return nil, boom }),
	})

	ctx := context.Background()
	if _, err := s.Trigger(ctx, "j"); !errors.Is(err, boom) {
		t.Fatalf("Trigger = %v, want %v", err, boom)
	}
	ok, err := locker.Acquire(ctx, lock.Key("scheduler", "j"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("lock not released: %v, %v", ok, err)
	}
}

func TestAddValidates(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeBroker{}, newMemRepo())
	src := staticSource()

	cases := []ScheduledJob{
		{Spec: "@every 1m", LockTTL: time.Minute, Source: src},
		{JobID: "j", Spec: "@every 1m", LockTTL: time.Minute},
		{JobID: "j", Spec: "@every 1m", Source: src},
		{JobID: "j", Spec: "not a spec", LockTTL: time.Minute, Source: src},
	}
	for i, c := range cases {
		if err := s.Add(c); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}

	ok := ScheduledJob{JobID: "j", Spec: "*/5 * * * *", LockTTL: time.Minute, Source: src}
	if err := s.Add(ok); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(ok); err == nil {
		t.Fatal("duplicate job accepted")
	}
}

func TestTriggerUnknownJob(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeBroker{}, newMemRepo())
	if _, err := s.Trigger(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("Trigger = %v", err)
	}
}

func TestStartStop(t *testing.T) {
	s, _ := newTestScheduler(t, &fakeBroker{}, newMemRepo())
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
