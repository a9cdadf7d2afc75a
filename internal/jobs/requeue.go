package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tileworks/platform/internal/broker"
	"github.com/tileworks/platform/internal/metrics"
	"github.com/tileworks/platform/internal/retry"
	"github.com/tileworks/platform/pkg/logger"
	"github.com/tileworks/platform/pkg/tracing"
)

// DefaultMaxRequeueAttempts bounds broker-level retries of one job.
const DefaultMaxRequeueAttempts = 3

// Reply fields a worker returns when it hands a job to the Requeuer.
const (
	FieldOutcome  = "outcome"
	FieldRequeued = "requeued"
)

// Outcome of a Requeue call.
type Outcome string

const (
	OutcomeScheduled Outcome = metrics.RequeueScheduled
	OutcomeDropped   Outcome = metrics.RequeueDropped
)

// Deferrer runs fn after d without blocking the caller.
type Deferrer interface {
	After(d time.Duration, fn func())
}

// TimerDeferrer defers in process with time.AfterFunc. Pending requeues are
// lost if the process exits before they fire.
type TimerDeferrer struct{}

func (TimerDeferrer) After(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// RequeuedError reports a job whose rate-limit retries ran out in the worker.
// The job itself was either republished or dropped; either way this delivery
// failed.
type RequeuedError struct {
	Pattern  string
	Outcome  Outcome
	Attempts int
}

func (e *RequeuedError) Error() string {
	return fmt.Sprintf("%s: rate limited, requeue %s (attempts %d)", e.Pattern, e.Outcome, e.Attempts)
}

func (e *RequeuedError) Unwrap() error { return retry.ErrRateLimited }

// Partial is the ledger-facing view of the requeue decision.
func (e *RequeuedError) Partial() map[string]interface{} {
	return map[string]interface{}{
		FieldRequeued:        e.Outcome == OutcomeScheduled,
		FieldOutcome:         string(e.Outcome),
		FieldRequeueAttempts: e.Attempts,
	}
}

// requeuedFromReply recognizes a worker reply that carries a requeue outcome.
func requeuedFromReply(pattern string, reply map[string]interface{}) (*RequeuedError, bool) {
	outcome, ok := reply[FieldOutcome].(string)
	if !ok || outcome == "" {
		return nil, false
	}
	return &RequeuedError{
		Pattern:  pattern,
		Outcome:  Outcome(outcome),
		Attempts: RequeueAttempts(reply),
	}, true
}

// Requeuer 将限流耗尽的任务延迟后重新投递
type Requeuer struct {
	broker      broker.Client
	delays      *retry.Controller
	deferrer    Deferrer
	maxAttempts int
	log         *logger.Logger
	metrics     *metrics.Metrics
}

type RequeueOption func(*Requeuer)

func WithDeferrer(d Deferrer) RequeueOption {
	return func(r *Requeuer) { r.deferrer = d }
}

func WithRequeueLogger(log *logger.Logger) RequeueOption {
	return func(r *Requeuer) { r.log = logger.OrNop(log).WithComponent("requeue") }
}

func WithRequeueMetrics(m *metrics.Metrics) RequeueOption {
	return func(r *Requeuer) { r.metrics = m }
}

// NewRequeuer: maxAttempts 0 drops on the first exhaustion, negative selects
// DefaultMaxRequeueAttempts.
func NewRequeuer(client broker.Client, delays *retry.Controller, maxAttempts int, opts ...RequeueOption) *Requeuer {
	if maxAttempts < 0 {
		maxAttempts = DefaultMaxRequeueAttempts
	}
	r := &Requeuer{
		broker:      client,
		delays:      delays,
		deferrer:    TimerDeferrer{},
		maxAttempts: maxAttempts,
		log:         logger.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Requeue schedules payload for redelivery on pattern with requeueAttempts
// incremented. Once the budget is spent the job is dropped with a warning
// and a nil error; the drop is final.
func (r *Requeuer) Requeue(ctx context.Context, pattern string, payload map[string]interface{}, cause error) (Outcome, error) {
	attempts := RequeueAttempts(payload)
	log := r.log.WithContext(ctx).WithField("pattern", pattern).WithField("requeueAttempts", attempts)
	if taskID, ok := payload[FieldTaskID]; ok {
		log = log.WithField("taskId", taskID)
	}

	if attempts >= r.maxAttempts {
		log.WithError(cause).Warnf("requeue budget exhausted, dropping job", map[string]interface{}{
			"maxRequeueAttempts": r.maxAttempts,
		})
		r.metrics.IncRequeue(pattern, metrics.RequeueDropped)
		tracing.AddEvent(ctx, "job.requeue",
			attribute.String("outcome", string(OutcomeDropped)),
			attribute.Int("requeueAttempts", attempts))
		return OutcomeDropped, nil
	}

	var hint time.Duration
	var hasHint bool
	var limited *retry.RateLimitedError
	if errors.As(cause, &limited) {
		hint, hasHint = limited.LastHint, limited.HasHint
	} else if h, hinted, ok := retry.AsSignal(cause); ok {
		hint, hasHint = h, hinted
	}
	delay := r.delays.Delay(attempts, hint, hasHint)

	next := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		next[k] = v
	}
	next[FieldRequeueAttempts] = attempts + 1

	// the deferred emit outlives the handler that triggered it
	emitCtx := context.WithoutCancel(ctx)
	r.deferrer.After(delay, func() {
		if err := r.broker.Emit(emitCtx, pattern, next); err != nil {
			r.metrics.IncRequeue(pattern, metrics.RequeueFailed)
			log.WithError(err).Error("requeue emit failed")
			return
		}
		r.metrics.IncRequeue(pattern, metrics.RequeueScheduled)
	})
	tracing.AddEvent(ctx, "job.requeue",
		attribute.String("outcome", string(OutcomeScheduled)),
		attribute.Int("requeueAttempts", attempts+1),
		attribute.Int64("delayMs", delay.Milliseconds()))
	log.Infof("job requeued", map[string]interface{}{
		"delayMs": delay.Milliseconds(),
		"next":    attempts + 1,
	})
	return OutcomeScheduled, nil
}

// RequeueAttempts reads requeueAttempts from a decoded job payload; absent
// or malformed counts as 0.
func RequeueAttempts(payload map[string]interface{}) int {
	v, ok := payload[FieldRequeueAttempts]
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, err := strconv.Atoi(n)
		if err == nil {
			return i
		}
	case fmt.Stringer:
		i, err := strconv.Atoi(n.String())
		if err == nil {
			return i
		}
	}
	return 0
}
