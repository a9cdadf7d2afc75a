package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/tileworks/platform/internal/lock"
	"github.com/tileworks/platform/pkg/health"
	"github.com/tileworks/platform/pkg/logger"
)

// lockDomain namespaces scheduler locks: lock:scheduler:<jobID>.
const lockDomain = "scheduler"

var ErrUnknownJob = errors.New("scheduled job not registered")

// Source lists the tasks eligible in one scheduler cycle.
type Source interface {
	EligibleTasks(ctx context.Context) ([]Task, error)
}

type SourceFunc func(ctx context.Context) ([]Task, error)

func (f SourceFunc) EligibleTasks(ctx context.Context) ([]Task, error) { return f(ctx) }

// ScheduledJob 定时任务定义
type ScheduledJob struct {
	JobID   string
	Spec    string
	LockTTL time.Duration
	Source  Source
}

// TriggerResult describes one scheduler cycle.
type TriggerResult struct {
	ScheduleRunID string
	Ran           bool
	Report        DispatchReport
}

// Scheduler runs jobs on cron schedules. Every cycle takes the execution
// lock for its job, so across instances at most one cycle runs at a time.
type Scheduler struct {
	cron       *cron.Cron
	parser     cron.Parser
	locker     *lock.Locker
	dispatcher *Dispatcher
	monitor    *health.LoopMonitor
	log        *logger.Logger
	newID      func() string

	mu      sync.Mutex
	jobs    map[string]ScheduledJob
	baseCtx context.Context
	cancel  context.CancelFunc
}

type SchedulerOption func(*Scheduler)

func WithSchedulerLogger(log *logger.Logger) SchedulerOption {
	return func(s *Scheduler) { s.log = logger.OrNop(log).WithComponent("scheduler") }
}

// WithSchedulerMonitor ticks m on every trigger.
func WithSchedulerMonitor(m *health.LoopMonitor) SchedulerOption {
	return func(s *Scheduler) { s.monitor = m }
}

func NewScheduler(locker *lock.Locker, dispatcher *Dispatcher, opts ...SchedulerOption) *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	s := &Scheduler{
		cron:       cron.New(cron.WithParser(parser)),
		parser:     parser,
		locker:     locker,
		dispatcher: dispatcher,
		log:        logger.Nop(),
		newID:      uuid.NewString,
		jobs:       make(map[string]ScheduledJob),
		baseCtx:    context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers job and schedules it.
func (s *Scheduler) Add(job ScheduledJob) error {
	if job.JobID == "" || job.Source == nil {
		return errors.New("scheduled job needs an id and a source")
	}
	if job.LockTTL <= 0 {
		return fmt.Errorf("job %s: lock ttl must be positive", job.JobID)
	}
	schedule, err := s.parser.Parse(job.Spec)
	if err != nil {
		return fmt.Errorf("job %s: invalid cron spec %q: %w", job.JobID, job.Spec, err)
	}

	s.mu.Lock()
	if _, dup := s.jobs[job.JobID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("job %s already scheduled", job.JobID)
	}
	s.jobs[job.JobID] = job
	s.mu.Unlock()

	s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.baseCtx
		s.mu.Unlock()
		if _, err := s.Trigger(ctx, job.JobID); err != nil && ctx.Err() == nil {
			s.log.WithError(err).Errorf("scheduled cycle failed", map[string]interface{}{"jobId": job.JobID})
		}
	}))
	return nil
}

// Trigger runs one cycle of jobID now. A lock held elsewhere is a skipped
// cycle, not an error.
func (s *Scheduler) Trigger(ctx context.Context, jobID string) (TriggerResult, error) {
	if s.monitor != nil {
		s.monitor.Tick()
	}
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return TriggerResult{}, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	result := TriggerResult{ScheduleRunID: s.newID()}
	log := s.log.WithContext(ctx).WithField("jobId", jobID).WithField("scheduleRunId", result.ScheduleRunID)

	ran, err := s.locker.RunExclusive(ctx, lock.Key(lockDomain, jobID), job.LockTTL, func(ctx context.Context) error {
		tasks, err := job.Source.EligibleTasks(ctx)
		if err != nil {
			return fmt.Errorf("list eligible tasks: %w", err)
		}
		log.Infof("scheduler cycle started", map[string]interface{}{"tasks": len(tasks)})
		result.Report = s.dispatcher.Dispatch(ctx, result.ScheduleRunID, tasks)
		return nil
	})
	result.Ran = ran
	if s.monitor != nil {
		s.monitor.SetError(err)
	}
	if err != nil {
		return result, fmt.Errorf("job %s: %w", jobID, err)
	}
	if !ran {
		log.Debug("cycle skipped, lock held by another instance")
	}
	return result, nil
}

// Start begins firing schedules. Cycles use ctx until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.log.Info("scheduler started")
}

// Stop halts scheduling and waits for running cycles or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
