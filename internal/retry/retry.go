// Package retry absorbs provider rate limiting with bounded, jittered
// in-process retries. Exhaustion surfaces as *RateLimitedError so the job
// layer can requeue through the broker instead of holding a worker.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/tileworks/platform/internal/metrics"
	commonerrors "github.com/tileworks/platform/pkg/errors"
	"github.com/tileworks/platform/pkg/logger"
)

const (
	hintJitter    = 0.10
	backoffJitter = 0.30
)

// ErrRateLimited matches every *RateLimitedError via errors.Is.
var ErrRateLimited = commonerrors.New(commonerrors.CodeRateLimited, "provider rate limit retries exhausted")

// Policy 退避参数
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is 3 attempts, 1s base, 5m cap.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 5 * time.Minute}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// RateLimitSignal is implemented by provider errors that mean "slow down".
// The hint is the provider's Retry-After, if it sent one.
type RateLimitSignal interface {
	error
	RetryAfterHint() (time.Duration, bool)
}

type signalError struct {
	hint    time.Duration
	hasHint bool
}

func (e *signalError) Error() string {
	if e.hasHint {
		return fmt.Sprintf("rate limited, retry after %s", e.hint)
	}
	return "rate limited"
}

func (e *signalError) RetryAfterHint() (time.Duration, bool) { return e.hint, e.hasHint }

// Signal builds a rate-limit error; hint <= 0 means no provider hint.
func Signal(hint time.Duration) error {
	return &signalError{hint: hint, hasHint: hint > 0}
}

// AsSignal reports whether err carries a rate-limit signal anywhere in its chain.
func AsSignal(err error) (hint time.Duration, hasHint bool, ok bool) {
	var sig RateLimitSignal
	if !errors.As(err, &sig) {
		return 0, false, false
	}
	hint, hasHint = sig.RetryAfterHint()
	return hint, hasHint, true
}

// RateLimitedError is returned once the in-process budget is spent.
type RateLimitedError struct {
	Op       string
	Attempts int
	LastHint time.Duration
	HasHint  bool
	Err      error
}

func (e *RateLimitedError) Error() string {
	msg := fmt.Sprintf("%s: rate limited after %d attempts", e.Op, e.Attempts)
	if e.HasHint {
		msg += fmt.Sprintf(" (last hint %s)", e.LastHint)
	}
	return msg
}

func (e *RateLimitedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrRateLimited}
	}
	return []error{ErrRateLimited, e.Err}
}

// Controller 重试控制器
type Controller struct {
	policy  Policy
	limiter *rate.Limiter
	log     *logger.Logger
	metrics *metrics.Metrics

	jitter func() float64
	sleep  func(ctx context.Context, d time.Duration) error
}

type Option func(*Controller)

// WithLimiter paces every provider call client side before it is made.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Controller) { c.limiter = l }
}

func WithLogger(log *logger.Logger) Option {
	return func(c *Controller) { c.log = logger.OrNop(log).WithComponent("retry") }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New 创建控制器
func New(policy Policy, opts ...Option) *Controller {
	c := &Controller{
		policy: policy.normalized(),
		log:    logger.Nop(),
		jitter: rand.Float64,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Policy() Policy { return c.policy }

// Delay computes the wait before retrying after the given zero-based attempt.
// With a provider hint: hint + [0,10%) jitter. Without: BaseDelay*2^attempt +
// [0,30%) jitter. The result never exceeds MaxDelay.
func (c *Controller) Delay(attempt int, hint time.Duration, hasHint bool) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	maxDelay := float64(c.policy.MaxDelay)

	var base, spread float64
	if hasHint && hint > 0 {
		base, spread = float64(hint), hintJitter
	} else {
		base, spread = float64(c.policy.BaseDelay)*math.Pow(2, float64(attempt)), backoffJitter
	}
	if base >= maxDelay {
		return c.policy.MaxDelay
	}
	d := base + base*spread*c.jitter()
	if d >= maxDelay {
		return c.policy.MaxDelay
	}
	return time.Duration(d)
}

// Do runs fn, retrying rate-limit signals up to MaxAttempts total calls.
// Other errors return immediately.
func (c *Controller) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var (
		lastHint time.Duration
		hasHint  bool
		lastErr  error
	)
	for attempt := 0; attempt < c.policy.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s: wait for limiter: %w", op, err)
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		var exhausted *RateLimitedError
		if errors.As(err, &exhausted) {
			return err
		}
		hint, hinted, ok := AsSignal(err)
		if !ok {
			return err
		}
		lastErr, lastHint, hasHint = err, hint, hinted

		if attempt+1 >= c.policy.MaxAttempts {
			break
		}
		delay := c.Delay(attempt, hint, hinted)
		c.metrics.IncRateLimitRetry(op)
		c.log.WithContext(ctx).Warnf("rate limited, backing off", map[string]interface{}{
			"op":      op,
			"attempt": attempt + 1,
			"delayMs": delay.Milliseconds(),
			"hinted":  hinted,
		})
		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%s: backoff interrupted: %w", op, err)
		}
	}

	return &RateLimitedError{
		Op:       op,
		Attempts: c.policy.MaxAttempts,
		LastHint: lastHint,
		HasHint:  hasHint,
		Err:      lastErr,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
