package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

type memRepo struct {
	mu      sync.Mutex
	records map[string]RunRecord
	order   []string

	insertErr   error
	finalizeErr error
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]RunRecord)}
}

func (r *memRepo) Insert(_ context.Context, rec *RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	if _, dup := r.records[rec.ID]; dup {
		return ErrDuplicateRun
	}
	r.records[rec.ID] = *rec
	r.order = append(r.order, rec.ID)
	return nil
}

func (r *memRepo) Finalize(_ context.Context, rec *RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalizeErr != nil {
		return r.finalizeErr
	}
	if _, ok := r.records[rec.ID]; !ok {
		return ErrRunNotFound
	}
	r.records[rec.ID] = *rec
	return nil
}

func (r *memRepo) ListByScheduleRun(_ context.Context, scheduleRunID string) ([]RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []RunRecord
	for _, id := range r.order {
		if rec := r.records[id]; rec.ScheduleRunID == scheduleRunID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memRepo) byJob() map[string]RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]RunRecord, len(r.records))
	for _, rec := range r.records {
		out[rec.JobID] = rec
	}
	return out
}

type emitted struct {
	Pattern string
	Payload map[string]interface{}
}

// fakeBroker records Emit calls. Payloads go through JSON so tests see the
// same types a consumer would decode.
type fakeBroker struct {
	mu      sync.Mutex
	emits   []emitted
	emitErr error
	send    func(pattern string, payload map[string]interface{}, timeout time.Duration) (json.RawMessage, error)
}

func roundTrip(payload any) map[string]interface{} {
	raw, _ := json.Marshal(payload)
	var out map[string]interface{}
	_ = json.Unmarshal(raw, &out)
	return out
}

func (b *fakeBroker) Emit(_ context.Context, pattern string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.emitErr != nil {
		return b.emitErr
	}
	b.emits = append(b.emits, emitted{Pattern: pattern, Payload: roundTrip(payload)})
	return nil
}

func (b *fakeBroker) Send(_ context.Context, pattern string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if b.send == nil {
		return json.RawMessage(`{}`), nil
	}
	return b.send(pattern, roundTrip(payload), timeout)
}

func (b *fakeBroker) emitted() []emitted {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]emitted, len(b.emits))
	copy(out, b.emits)
	return out
}

// syncDeferrer runs callbacks immediately and remembers the requested delays.
type syncDeferrer struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *syncDeferrer) After(delay time.Duration, fn func()) {
	d.mu.Lock()
	d.delays = append(d.delays, delay)
	d.mu.Unlock()
	fn()
}
