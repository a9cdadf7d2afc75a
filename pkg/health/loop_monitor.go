package health

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

var errNilDependency = errors.New("dependency not configured")

// LoopMonitor tracks whether a background loop (scheduler, consumer) is still ticking.
type LoopMonitor struct {
	lastTickUnixNano atomic.Int64
	lastErr          atomic.Value // string
}

func (m *LoopMonitor) Tick() {
	m.lastTickUnixNano.Store(time.Now().UnixNano())
}

// SetError records the latest loop failure; nil clears it.
func (m *LoopMonitor) SetError(err error) {
	if err == nil {
		m.lastErr.Store("")
		return
	}
	m.lastErr.Store(err.Error())
}

func (m *LoopMonitor) LastError() string {
	if v := m.lastErr.Load(); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Healthy returns whether the loop has ticked within maxAge.
// A loop that never ticked is unhealthy.
func (m *LoopMonitor) Healthy(now time.Time, maxAge time.Duration) (ok bool, age time.Duration, lastErr string) {
	lastErr = m.LastError()
	last := m.lastTickUnixNano.Load()
	if last <= 0 {
		return false, 0, lastErr
	}
	t := time.Unix(0, last)
	if now.Before(t) {
		return true, 0, lastErr
	}
	age = now.Sub(t)
	if maxAge <= 0 {
		maxAge = 10 * time.Second
	}
	return age <= maxAge, age, lastErr
}

// NewLoopChecker exposes a LoopMonitor to the readiness probe.
func NewLoopChecker(name string, m *LoopMonitor, maxAge time.Duration) Checker {
	return NewCheck(name, func(context.Context) error {
		if m == nil {
			return errNilDependency
		}
		ok, age, lastErr := m.Healthy(time.Now(), maxAge)
		if ok {
			return nil
		}
		if age == 0 {
			return fmt.Errorf("loop never ticked %s", lastErr)
		}
		return fmt.Errorf("loop stalled for %s %s", age.Truncate(time.Millisecond), lastErr)
	})
}
