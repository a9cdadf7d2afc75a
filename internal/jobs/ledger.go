// Package jobs runs periodic provider work: it records every execution in a
// run ledger, dispatches tasks over the broker and requeues rate-limited work.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tileworks/platform/internal/metrics"
	commonerrors "github.com/tileworks/platform/pkg/errors"
	"github.com/tileworks/platform/pkg/logger"
	"github.com/tileworks/platform/pkg/redact"
)

// RunStatus 执行结果
type RunStatus string

const (
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

var (
	ErrRunNotFound  = errors.New("job run not found")
	ErrDuplicateRun = errors.New("job run already recorded")
	ErrRunFinalized = errors.New("job run already finalized")
)

// RunRecord is one periodic execution of one unit of work.
type RunRecord struct {
	ID            string                 `json:"id"`
	JobID         string                 `json:"jobId"`
	ScheduleRunID string                 `json:"scheduleRunId"`
	StartedAt     time.Time              `json:"startedAt"`
	FinishedAt    *time.Time             `json:"finishedAt,omitempty"`
	Status        RunStatus              `json:"status"`
	DurationMs    int64                  `json:"durationMs"`
	Summary       map[string]interface{} `json:"summary,omitempty"`
	ErrorMessage  string                 `json:"errorMessage,omitempty"`
}

// RunRepository persists run records.
type RunRepository interface {
	Insert(ctx context.Context, rec *RunRecord) error
	Finalize(ctx context.Context, rec *RunRecord) error
	ListByScheduleRun(ctx context.Context, scheduleRunID string) ([]RunRecord, error)
}

// Ledger 执行台账
type Ledger struct {
	repo    RunRepository
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string
}

type LedgerOption func(*Ledger)

func WithLedgerLogger(log *logger.Logger) LedgerOption {
	return func(l *Ledger) { l.log = logger.OrNop(log).WithComponent("job-ledger") }
}

func WithLedgerMetrics(m *metrics.Metrics) LedgerOption {
	return func(l *Ledger) { l.metrics = m }
}

func NewLedger(repo RunRepository, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		repo:  repo,
		log:   logger.Nop(),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Begin records the start of a run. Status starts as SUCCESS and is
// corrected by Fail.
func (l *Ledger) Begin(ctx context.Context, jobID, scheduleRunID string) (*Run, error) {
	rec := RunRecord{
		ID:            l.newID(),
		JobID:         jobID,
		ScheduleRunID: scheduleRunID,
		StartedAt:     l.now(),
		Status:        RunSuccess,
	}
	if err := l.repo.Insert(ctx, &rec); err != nil {
		return nil, fmt.Errorf("begin run %s/%s: %w", jobID, scheduleRunID, err)
	}
	return &Run{ledger: l, record: rec}, nil
}

// History lists every run recorded for a scheduler cycle.
func (l *Ledger) History(ctx context.Context, scheduleRunID string) ([]RunRecord, error) {
	return l.repo.ListByScheduleRun(ctx, scheduleRunID)
}

// Run is an open ledger entry; finalize it exactly once.
type Run struct {
	ledger *Ledger

	mu       sync.Mutex
	record   RunRecord
	finished bool
}

// Record returns a copy of the current record.
func (r *Run) Record() RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record
}

// Succeed finalizes the run with a redacted success summary.
func (r *Run) Succeed(ctx context.Context, summary map[string]interface{}) error {
	return r.finish(ctx, RunSuccess, redact.Map(summary), "")
}

// Fail finalizes the run with the error name, message and optional partial result.
func (r *Run) Fail(ctx context.Context, cause error, partial map[string]interface{}) error {
	name, msg := string(commonerrors.CodeUnknown), "unknown error"
	if cause != nil {
		name, msg = string(commonerrors.From(cause).Code), cause.Error()
	}
	summary := map[string]interface{}{
		"error":   name,
		"message": msg,
	}
	if len(partial) > 0 {
		summary["partial"] = partial
	}
	return r.finish(ctx, RunFailed, redact.Map(summary), msg)
}

func (r *Run) finish(ctx context.Context, status RunStatus, summary map[string]interface{}, errMsg string) error {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return ErrRunFinalized
	}
	r.finished = true
	finished := r.ledger.now()
	r.record.FinishedAt = &finished
	r.record.Status = status
	r.record.DurationMs = finished.Sub(r.record.StartedAt).Milliseconds()
	r.record.Summary = summary
	r.record.ErrorMessage = errMsg
	rec := r.record
	r.mu.Unlock()

	r.ledger.metrics.ObserveJobRun(rec.JobID, string(rec.Status), finished.Sub(rec.StartedAt))
	if err := r.ledger.repo.Finalize(ctx, &rec); err != nil {
		r.ledger.log.WithError(err).Errorf("finalize job run failed", map[string]interface{}{
			"runId": rec.ID,
			"jobId": rec.JobID,
		})
		return fmt.Errorf("finalize run %s: %w", rec.ID, err)
	}
	return nil
}
