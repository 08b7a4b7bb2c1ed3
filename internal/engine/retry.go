package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rendis/dagflow/pkg/schema"
)

// RetrySpec is a parsed, validated RetryPolicy.
type RetrySpec struct {
	MaxAttempts  int
	Backoff      schema.BackoffKind
	InitialDelay time.Duration
	MaxDelay     time.Duration // 0 = no cap
	Jitter       float64       // fraction in [0, 1]
}

// ParseRetryPolicy validates a RetryPolicy and converts its durations.
func ParseRetryPolicy(p *schema.RetryPolicy) (*RetrySpec, error) {
	if p == nil {
		return nil, nil
	}
	spec := &RetrySpec{
		MaxAttempts: p.MaxAttempts,
		Backoff:     p.Backoff,
		Jitter:      p.Jitter,
	}
	if spec.MaxAttempts < 1 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "max_attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if spec.Backoff == "" {
		spec.Backoff = schema.BackoffFixed
	}
	switch spec.Backoff {
	case schema.BackoffFixed, schema.BackoffLinear, schema.BackoffExponential:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown backoff %q", p.Backoff)
	}
	if spec.Jitter < 0 || spec.Jitter > 1 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "jitter must be within [0,1], got %v", p.Jitter)
	}
	if p.InitialDelay != "" {
		d, err := time.ParseDuration(p.InitialDelay)
		if err != nil || d < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid initial_delay %q", p.InitialDelay)
		}
		spec.InitialDelay = d
	}
	if p.MaxDelay != "" {
		d, err := time.ParseDuration(p.MaxDelay)
		if err != nil || d < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid max_delay %q", p.MaxDelay)
		}
		spec.MaxDelay = d
	}
	return spec, nil
}

// IsRetryableError classifies whether a step failure may be retried.
// context.Canceled never is: it means the run or the engine is shutting down.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var dErr *schema.DagflowError
	if errors.As(err, &dErr) {
		return dErr.IsRetryable()
	}
	// Untyped dispatcher errors are treated as execution failures.
	return true
}

// ComputeBackoff returns the un-jittered delay after the given failed attempt
// (1-based): fixed = initial, linear = initial*attempt,
// exponential = initial*2^(attempt-1), clamped to MaxDelay.
func ComputeBackoff(spec *RetrySpec, attempt int) time.Duration {
	if spec == nil || spec.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := spec.InitialDelay
	switch spec.Backoff {
	case schema.BackoffLinear:
		delay = spec.InitialDelay * time.Duration(attempt)
	case schema.BackoffExponential:
		for i := 1; i < attempt; i++ {
			delay *= 2
			if spec.MaxDelay > 0 && delay >= spec.MaxDelay {
				break
			}
			if delay <= 0 { // overflow
				delay = time.Duration(1<<63 - 1)
				break
			}
		}
	}

	if spec.MaxDelay > 0 && delay > spec.MaxDelay {
		delay = spec.MaxDelay
	}
	return delay
}

// RetryDecision is the retry controller's verdict for a failed attempt.
type RetryDecision struct {
	Retry         bool
	Delay         time.Duration
	NextAttempt   int
	NextAttemptAt time.Time
	Err           *schema.DagflowError // terminal error when Retry is false
}

// RetryController decides whether a failed step is re-dispatched, and when.
// Its clock and random source are injectable so tests are deterministic.
type RetryController struct {
	mu  sync.Mutex
	rng *rand.Rand
	now func() time.Time
}

// NewRetryController creates a controller seeded from the wall clock.
func NewRetryController() *RetryController {
	return &RetryController{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
		now: time.Now,
	}
}

// WithClock overrides the controller's clock.
func (c *RetryController) WithClock(now func() time.Time) *RetryController {
	c.now = now
	return c
}

// WithRand overrides the controller's random source.
func (c *RetryController) WithRand(src rand.Source) *RetryController {
	c.rng = rand.New(src)
	return c
}

// Decide evaluates a failure of the given attempt under spec.
// A nil spec means a single attempt.
func (c *RetryController) Decide(spec *RetrySpec, attempt int, cause error) RetryDecision {
	maxAttempts := 1
	if spec != nil {
		maxAttempts = spec.MaxAttempts
	}

	if !IsRetryableError(cause) {
		return RetryDecision{Err: terminalError(cause, attempt, false)}
	}
	if attempt >= maxAttempts {
		return RetryDecision{Err: terminalError(cause, attempt, maxAttempts > 1)}
	}

	delay := c.jitter(ComputeBackoff(spec, attempt), spec.Jitter)
	return RetryDecision{
		Retry:         true,
		Delay:         delay,
		NextAttempt:   attempt + 1,
		NextAttemptAt: c.now().Add(delay),
	}
}

// jitter perturbs delay uniformly within +/- delay*pct.
func (c *RetryController) jitter(delay time.Duration, pct float64) time.Duration {
	if pct <= 0 || delay <= 0 {
		return delay
	}
	c.mu.Lock()
	f := c.rng.Float64()
	c.mu.Unlock()
	out := delay + time.Duration((f*2-1)*pct*float64(delay))
	if out < 0 {
		return 0
	}
	return out
}

func terminalError(cause error, attempt int, exhausted bool) *schema.DagflowError {
	if errors.Is(cause, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "step cancelled").WithCause(cause)
	}
	if exhausted {
		return schema.NewErrorf(schema.ErrCodeRetryExhausted, "retries exhausted after %d attempts", attempt).
			WithCause(cause).
			WithDetails(map[string]any{"attempt": attempt, "last_error": errString(cause)})
	}
	var dErr *schema.DagflowError
	if errors.As(cause, &dErr) {
		return dErr
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeDeadlineExceeded, "step deadline exceeded").WithCause(cause)
	}
	return schema.NewError(schema.ErrCodeStepExecution, errString(cause)).WithCause(cause)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
