// Package health aggregates dependency checks behind /live, /ready and /health.
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type CheckResult struct {
	Status  Status        `json:"status"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}

type Response struct {
	Status       Status                 `json:"status"`
	Dependencies map[string]CheckResult `json:"dependencies,omitempty"`
}

type Health struct {
	mu       sync.RWMutex
	checkers []Checker
	ready    atomic.Bool
	timeout  time.Duration
}

const defaultCheckTimeout = 2 * time.Second

func New() *Health {
	return &Health{timeout: defaultCheckTimeout}
}

// WithTimeout bounds every individual check.
func (h *Health) WithTimeout(d time.Duration) *Health {
	if d > 0 {
		h.timeout = d
	}
	return h
}

func (h *Health) Register(c Checker) {
	if c == nil {
		return
	}
	h.mu.Lock()
	h.checkers = append(h.checkers, c)
	h.mu.Unlock()
}

func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

func (h *Health) IsReady() bool {
	return h.ready.Load()
}

// Live 存活检查（只检查进程是否响应）
func (h *Health) Live() Response {
	return Response{Status: StatusUp}
}

// Ready 就绪检查：未就绪时直接 down，否则汇总依赖
func (h *Health) Ready(ctx context.Context) Response {
	deps := h.runChecks(ctx)
	if !h.IsReady() {
		return Response{Status: StatusDown, Dependencies: deps}
	}
	return Response{Status: summarize(deps), Dependencies: deps}
}

// Health 完整健康检查
func (h *Health) Health(ctx context.Context) Response {
	deps := h.runChecks(ctx)
	status := summarize(deps)
	if !h.IsReady() && status == StatusUp {
		status = StatusDown
	}
	return Response{Status: status, Dependencies: deps}
}

func (h *Health) runChecks(ctx context.Context) map[string]CheckResult {
	h.mu.RLock()
	checkers := append([]Checker(nil), h.checkers...)
	h.mu.RUnlock()
	if len(checkers) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	results := make(map[string]CheckResult, len(checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(checkers))

	for _, c := range checkers {
		go func(c Checker) {
			defer wg.Done()
			res := h.runOne(ctx, c)
			name := c.Name()
			if name == "" {
				name = "unknown"
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
		}(c)
	}

	wg.Wait()
	return results
}

func (h *Health) runOne(parent context.Context, c Checker) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, h.timeout)
	defer cancel()

	resCh := make(chan CheckResult, 1)
	go func() {
		resCh <- c.Check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-resCh:
	case <-ctx.Done():
		// resCh is buffered, the checker goroutine can still exit
		res = CheckResult{Status: StatusDown, Message: "timeout"}
	}
	if res.Latency <= 0 {
		res.Latency = time.Since(start)
	}
	if res.Status == "" {
		res.Status = StatusDown
	}
	return res
}

func summarize(deps map[string]CheckResult) Status {
	overall := StatusUp
	for _, r := range deps {
		switch r.Status {
		case StatusDown:
			return StatusDegraded // 任一依赖 down 则整体 degraded
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

func statusCode(s Status) int {
	if s == StatusUp {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Health) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Live()
		writeJSON(w, statusCode(resp.Status), resp)
	}
}

func (h *Health) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Ready(r.Context())
		writeJSON(w, statusCode(resp.Status), resp)
	}
}

func (h *Health) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h.Health(r.Context())
		writeJSON(w, statusCode(resp.Status), resp)
	}
}

// CheckFunc adapts a ping-style function into a Checker.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCheck wraps fn; a nil error means up.
func NewCheck(name string, fn func(ctx context.Context) error) Checker {
	return &CheckFunc{name: name, fn: fn}
}

func (c *CheckFunc) Name() string { return c.name }

func (c *CheckFunc) Check(ctx context.Context) CheckResult {
	if c.fn == nil {
		return CheckResult{Status: StatusDown, Message: "no check"}
	}
	start := time.Now()
	err := c.fn(ctx)
	lat := time.Since(start)
	if err != nil {
		return CheckResult{Status: StatusDown, Latency: lat, Message: err.Error()}
	}
	return CheckResult{Status: StatusUp, Latency: lat}
}

// NewPostgresChecker pings the job ledger database.
func NewPostgresChecker(db *sql.DB) Checker {
	return NewCheck("postgres", func(ctx context.Context) error {
		if db == nil {
			return errNilDependency
		}
		return db.PingContext(ctx)
	})
}

// NewRedisChecker pings the shared store, e.g. func(ctx) error { return rdb.Ping(ctx).Err() }.
func NewRedisChecker(ping func(ctx context.Context) error) Checker {
	return NewCheck("redis", func(ctx context.Context) error {
		if ping == nil {
			return errNilDependency
		}
		return ping(ctx)
	})
}
