// Package executor drives sagas: it reads the orchestrator's next step, makes
// the call over the broker and reports the result back, rolling back through
// compensations when a step fails.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tileworks/platform/internal/broker"
	"github.com/tileworks/platform/internal/metrics"
	"github.com/tileworks/platform/internal/saga"
	"github.com/tileworks/platform/pkg/logger"
	"github.com/tileworks/platform/pkg/tracing"
)

const (
	DefaultStepTimeout = 30 * time.Second
	DefaultMaxDuration = 10 * time.Minute
)

// ErrDeadlineExceeded is the step error recorded when a run outlives MaxDuration.
var ErrDeadlineExceeded = errors.New("saga run exceeded its maximum duration")

// Config 执行参数
type Config struct {
	StepTimeout time.Duration
	MaxDuration time.Duration
}

// Outcome is the final view of one Run.
type Outcome struct {
	SagaID              string
	Status              saga.Status
	FailedStep          string
	Err                 error
	FailedCompensations []saga.FailedCompensation
}

// Loop 步骤执行循环
type Loop struct {
	orch    *saga.Orchestrator
	broker  broker.Client
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics
}

type Option func(*Loop)

func WithLogger(log *logger.Logger) Option {
	return func(l *Loop) { l.log = logger.OrNop(log).WithComponent("saga-loop") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

func New(orch *saga.Orchestrator, client broker.Client, cfg Config, opts ...Option) *Loop {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = DefaultMaxDuration
	}
	l := &Loop{orch: orch, broker: client, cfg: cfg, log: logger.Nop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start creates a saga from steps and runs it.
func (l *Loop) Start(ctx context.Context, transactionType string, steps []saga.StepDefinition) (*Outcome, error) {
	sagaID, err := l.orch.CreateSaga(ctx, transactionType, steps)
	if err != nil {
		return nil, err
	}
	return l.Run(ctx, sagaID)
}

// Run drives sagaID from its stored state to a terminal state. A failed step
// triggers rollback; compensation failures end up in the Outcome and as a
// *saga.PartialCompensationError. Cancelling ctx stops the loop and leaves the
// saga where it is, so a later Run resumes it.
func (l *Loop) Run(ctx context.Context, sagaID string) (*Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "saga.run", trace.WithAttributes(attribute.String("saga.id", sagaID)))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, l.cfg.MaxDuration)
	defer cancel()

	log := l.log.WithContext(ctx).WithField("sagaId", sagaID)
	out := &Outcome{SagaID: sagaID}

	state, err := l.orch.GetSaga(runCtx, sagaID)
	if err != nil {
		return l.abort(ctx, out, err)
	}
	out.Status = state.Status

	switch state.Status {
	case saga.StatusCompleted, saga.StatusCompensated:
		return out, nil
	case saga.StatusCompensating:
		// resumed after a failure; finish the rollback
		return l.rollback(ctx, out, log)
	}

	step, ok := state.Current()
	for ok {
		reply, stepErr := l.callStep(runCtx, step)
		if stepErr != nil && ctx.Err() != nil {
			return l.abort(ctx, out, ctx.Err())
		}
		if stepErr != nil {
			if runCtx.Err() != nil {
				stepErr = fmt.Errorf("%w: %v", ErrDeadlineExceeded, stepErr)
			}
			log.WithError(stepErr).Warnf("saga step failed", map[string]interface{}{
				"stepId":  step.StepID,
				"pattern": broker.Pattern(step.Service, step.Action),
			})
			out.FailedStep, out.Err = step.StepID, stepErr
			// the run deadline may be spent; failing and rolling back still has to happen
			failCtx, failCancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.StepTimeout)
			err := l.orch.FailStep(failCtx, sagaID, stepErr.Error())
			failCancel()
			if err != nil {
				return l.abort(ctx, out, err)
			}
			out.Status = saga.StatusCompensating
			return l.rollback(ctx, out, log)
		}

		adv, err := l.orch.ExecuteStep(runCtx, sagaID, reply)
		if err != nil {
			return l.abort(ctx, out, err)
		}
		if adv.Completed {
			out.Status = saga.StatusCompleted
			log.Info("saga completed")
			return out, nil
		}
		step, ok = adv.NextStep, adv.NextStep != nil
	}
	return l.abort(ctx, out, fmt.Errorf("saga %s: no current step while pending: %w", sagaID, saga.ErrInvalidTransition))
}

func (l *Loop) callStep(ctx context.Context, step *saga.Step) (json.RawMessage, error) {
	pattern := broker.Pattern(step.Service, step.Action)
	ctx, span := tracing.StartMessageSpan(ctx, pattern, trace.SpanKindClient)
	defer span.End()

	start := time.Now()
	reply, err := l.broker.Send(ctx, pattern, step.Payload, l.cfg.StepTimeout)
	l.metrics.ObserveStep(pattern, time.Since(start), err)
	if err != nil {
		tracing.SetError(ctx, err)
	}
	return reply, err
}

// rollback runs every outstanding compensation in reverse completion order.
// One failing compensation never stops the others.
func (l *Loop) rollback(ctx context.Context, out *Outcome, log *logger.Logger) (*Outcome, error) {
	// compensations run on their own budget, detached from the forward run
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.MaxDuration)
	defer cancel()

	steps, err := l.orch.Compensate(rbCtx, out.SagaID)
	if err != nil {
		return l.abort(ctx, out, err)
	}

	for i := range steps {
		step := &steps[i]
		pattern := broker.Pattern(step.Service, step.Compensation.Action)
		tracing.AddEvent(ctx, "saga.compensate",
			attribute.String("saga.step", step.StepID),
			attribute.String("messaging.destination.name", pattern))
		cctx, span := tracing.StartMessageSpan(rbCtx, pattern, trace.SpanKindClient)
		start := time.Now()
		_, cerr := l.broker.Send(cctx, pattern, step.Compensation.Payload, l.cfg.StepTimeout)
		l.metrics.ObserveStep(pattern, time.Since(start), cerr)
		if cerr != nil {
			tracing.SetError(cctx, cerr)
		}
		span.End()
		if cerr == nil {
			continue
		}

		log.WithError(cerr).Errorf("compensation failed", map[string]interface{}{
			"stepId":     step.StepID,
			"pattern":    pattern,
			"position":   i,
			"stepResult": string(step.Result),
		})
		if err := l.orch.MarkCompensationFailed(rbCtx, out.SagaID, step.StepID, cerr.Error()); err != nil {
			return l.abort(ctx, out, err)
		}
	}

	err = l.orch.MarkCompensated(rbCtx, out.SagaID)
	var partial *saga.PartialCompensationError
	switch {
	case err == nil:
		out.Status = saga.StatusCompensated
		log.Infof("saga compensated", map[string]interface{}{"compensations": len(steps)})
		return out, nil
	case errors.As(err, &partial):
		out.Status = saga.StatusCompensating
		out.FailedCompensations = partial.Failed
		return out, err
	default:
		return l.abort(ctx, out, err)
	}
}

func (l *Loop) abort(ctx context.Context, out *Outcome, err error) (*Outcome, error) {
	if errors.Is(err, saga.ErrNotFound) {
		l.log.WithContext(ctx).WithError(err).Warnf("saga disappeared mid-run", map[string]interface{}{"sagaId": out.SagaID})
	}
	tracing.SetError(ctx, err)
	if out.Err == nil {
		out.Err = err
	}
	return out, err
}
