package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tileworks/platform/internal/retry"
	"github.com/tileworks/platform/pkg/logger"
	"github.com/tileworks/platform/pkg/tracing"
)

// JobFunc performs one provider job. Returning an error that carries a
// rate-limit signal lets the worker retry and requeue it.
type JobFunc func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)

// Worker adapts a JobFunc into a broker handler.
type Worker struct {
	pattern  string
	job      JobFunc
	retries  *retry.Controller
	requeuer *Requeuer
	log      *logger.Logger
}

func NewWorker(pattern string, job JobFunc, retries *retry.Controller, requeuer *Requeuer, log *logger.Logger) *Worker {
	return &Worker{
		pattern:  pattern,
		job:      job,
		retries:  retries,
		requeuer: requeuer,
		log:      logger.OrNop(log).WithComponent("job-worker").WithField("pattern", pattern),
	}
}

// Handle 处理一条任务消息，签名与 broker.Handler 一致
func (w *Worker) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var payload map[string]interface{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	ctx, span := tracing.StartSpan(ctx, "job "+w.pattern)
	defer span.End()

	log := w.log.WithContext(ctx)
	if taskID, ok := payload[FieldTaskID]; ok {
		log = log.WithField("taskId", taskID)
	}

	var result map[string]interface{}
	err := w.retries.Do(ctx, w.pattern, func(ctx context.Context) error {
		var jobErr error
		result, jobErr = w.job(ctx, payload)
		return jobErr
	})
	if err == nil {
		if result == nil {
			result = map[string]interface{}{}
		}
		return result, nil
	}

	tracing.SetError(ctx, err)
	if errors.Is(err, retry.ErrRateLimited) && w.requeuer != nil {
		outcome, rqErr := w.requeuer.Requeue(ctx, w.pattern, payload, err)
		if rqErr != nil {
			return nil, rqErr
		}
		attempts := RequeueAttempts(payload)
		if outcome == OutcomeScheduled {
			attempts++
		}
		// the broker message is settled here; callers awaiting a reply read
		// the outcome and record the delivery as failed
		rq := &RequeuedError{Pattern: w.pattern, Outcome: outcome, Attempts: attempts}
		log.WithError(rq).Warn("job rate limited")
		return rq.Partial(), nil
	}

	log.WithError(err).Error("job failed")
	return nil, err
}
