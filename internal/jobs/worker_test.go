package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/tileworks/platform/internal/retry"
)

// single-attempt policy so tests never sleep in the controller
func newTestWorker(job JobFunc, b *fakeBroker) *Worker {
	retries := retry.New(retry.Policy{MaxAttempts: 1})
	requeuer := NewRequeuer(b, retries, 3, WithDeferrer(&syncDeferrer{}))
	return NewWorker("tiles.sync", job, retries, requeuer, nil)
}

func TestWorkerReturnsJobResult(t *testing.T) {
	w := newTestWorker(func(_ context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"tile": payload["tile"], "bytes": 42}, nil
	}, &fakeBroker{})

	res, err := w.Handle(context.Background(), json.RawMessage(`{"taskId":"t1","tile":"z1"}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	out := res.(map[string]interface{})
	if out["tile"] != "z1" || out["bytes"] != 42 {
		t.Fatalf("result = %v", out)
	}
}

func TestWorkerRequeuesRateLimitedJob(t *testing.T) {
	b := &fakeBroker{}
	calls := 0
	w := newTestWorker(func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return nil, retry.Signal(0)
	}, b)

	res, err := w.Handle(context.Background(), json.RawMessage(`{"taskId":"t1","requeueAttempts":1}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	out := res.(map[string]interface{})
	if out[FieldRequeued] != true || out[FieldOutcome] != string(OutcomeScheduled) {
		t.Fatalf("result = %v", out)
	}
	// the reply reports the count carried by the republished message
	if RequeueAttempts(out) != 2 {
		t.Fatalf("reply requeueAttempts = %v, want 2", out[FieldRequeueAttempts])
	}
	emits := b.emitted()
	if calls != 1 || len(emits) != 1 || RequeueAttempts(emits[0].Payload) != 2 {
		t.Fatalf("calls = %d, emits = %+v", calls, emits)
	}
}

func TestWorkerDropsAfterRequeueBudget(t *testing.T) {
	b := &fakeBroker{}
	w := newTestWorker(func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, retry.Signal(0)
	}, b)

	res, err := w.Handle(context.Background(), json.RawMessage(`{"requeueAttempts":3}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	out := res.(map[string]interface{})
	if out[FieldRequeued] != false || out[FieldOutcome] != string(OutcomeDropped) || RequeueAttempts(out) != 3 {
		t.Fatalf("result = %v", out)
	}
	if len(b.emitted()) != 0 {
		t.Fatal("dropped job must not be emitted")
	}
}

func TestWorkerPropagatesOtherErrors(t *testing.T) {
	b := &fakeBroker{}
	boom := errors.New("tile not found")
	w := newTestWorker(func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, boom
	}, b)

	if _, err := w.Handle(context.Background(), json.RawMessage(`{}`)); !errors.Is(err, boom) {
		t.Fatalf("Handle = %v, want %v", err, boom)
	}
	if len(b.emitted()) != 0 {
		t.Fatal("non rate-limit failure must not requeue")
	}
}

func TestWorkerRejectsMalformedPayload(t *testing.T) {
	w := newTestWorker(func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		t.Fatal("job must not run")
		return nil, nil
	}, &fakeBroker{})
	if _, err := w.Handle(context.Background(), json.RawMessage(`[1,2`)); err == nil {
		t.Fatal("expected decode error")
	}
}
