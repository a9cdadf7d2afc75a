package jobs

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tileworks/platform/internal/broker"
	"github.com/tileworks/platform/pkg/logger"
)

// Job payload fields shared with the workers.
const (
	FieldTaskID          = "taskId"
	FieldScheduleRunID   = "scheduleRunId"
	FieldRequeueAttempts = "requeueAttempts"
)

// Task is one eligible unit of work for a scheduler cycle.
type Task struct {
	TaskID  string
	JobID   string
	Pattern string
	Payload map[string]interface{}
	// AwaitResult dispatches with Send and records the reply in the summary.
	AwaitResult bool
	Timeout     time.Duration
}

// DispatchReport counts the outcome of one Dispatch call.
type DispatchReport struct {
	Dispatched int
	Failed     int
}

// Dispatcher 按任务创建台账记录并通过 broker 派发
type Dispatcher struct {
	broker         broker.Client
	ledger         *Ledger
	log            *logger.Logger
	defaultTimeout time.Duration
}

func NewDispatcher(client broker.Client, ledger *Ledger, defaultTimeout time.Duration, log *logger.Logger) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Dispatcher{
		broker:         client,
		ledger:         ledger,
		log:            logger.OrNop(log).WithComponent("job-dispatcher"),
		defaultTimeout: defaultTimeout,
	}
}

// Dispatch sends every task and finalizes its ledger entry. A failing task
// never stops the remaining ones.
func (d *Dispatcher) Dispatch(ctx context.Context, scheduleRunID string, tasks []Task) DispatchReport {
	var report DispatchReport
	for _, task := range tasks {
		if ctx.Err() != nil {
			d.log.Warnf("dispatch cancelled", map[string]interface{}{
				"scheduleRunId": scheduleRunID,
				"remaining":     len(tasks) - report.Dispatched - report.Failed,
			})
			break
		}
		if d.dispatchOne(ctx, scheduleRunID, task) {
			report.Dispatched++
		} else {
			report.Failed++
		}
	}
	d.log.Infof("dispatch finished", map[string]interface{}{
		"scheduleRunId": scheduleRunID,
		"dispatched":    report.Dispatched,
		"failed":        report.Failed,
	})
	return report
}

func (d *Dispatcher) dispatchOne(ctx context.Context, scheduleRunID string, task Task) bool {
	log := d.log.WithContext(ctx).WithField("taskId", task.TaskID).WithField("jobId", task.JobID)

	run, err := d.ledger.Begin(ctx, task.JobID, scheduleRunID)
	if err != nil {
		// the ledger is observability; its outage must not stop provider work
		log.WithError(err).Error("record job run failed")
	}

	payload := make(map[string]interface{}, len(task.Payload)+2)
	for k, v := range task.Payload {
		payload[k] = v
	}
	payload[FieldTaskID] = task.TaskID
	payload[FieldScheduleRunID] = scheduleRunID

	var (
		summary map[string]interface{}
		partial map[string]interface{}
		sendErr error
	)
	if task.AwaitResult {
		timeout := task.Timeout
		if timeout <= 0 {
			timeout = d.defaultTimeout
		}
		var reply json.RawMessage
		reply, sendErr = d.broker.Send(ctx, task.Pattern, payload, timeout)
		if sendErr == nil {
			summary = summarizeReply(reply)
			if rq, ok := requeuedFromReply(task.Pattern, summary); ok {
				sendErr, partial = rq, rq.Partial()
			}
			summary["mode"] = "send"
		}
	} else {
		sendErr = d.broker.Emit(ctx, task.Pattern, payload)
		summary = map[string]interface{}{"mode": "emit"}
	}

	if sendErr != nil {
		log.WithError(sendErr).Warnf("dispatch failed", map[string]interface{}{"pattern": task.Pattern})
		if run != nil {
			if err := run.Fail(ctx, sendErr, partial); err != nil {
				log.WithError(err).Error("finalize failed job run")
			}
		}
		return false
	}
	if run != nil {
		summary[FieldTaskID] = task.TaskID
		if err := run.Succeed(ctx, summary); err != nil {
			log.WithError(err).Error("finalize job run")
		}
	}
	return true
}

// summarizeReply keeps scalar fields of an object reply and turns arrays into
// counts, so large provider payloads never land in the ledger.
func summarizeReply(reply json.RawMessage) map[string]interface{} {
	out := map[string]interface{}{}
	var obj map[string]interface{}
	if err := json.Unmarshal(reply, &obj); err != nil {
		var list []interface{}
		if json.Unmarshal(reply, &list) == nil {
			out["count"] = len(list)
		}
		return out
	}
	for k, v := range obj {
		switch typed := v.(type) {
		case []interface{}:
			out[k+"Count"] = len(typed)
		case map[string]interface{}:
			out[k+"Fields"] = len(typed)
		default:
			out[k] = typed
		}
	}
	return out
}
