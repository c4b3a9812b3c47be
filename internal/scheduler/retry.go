package scheduler

import (
	"math"
	"time"
)

// Backoff computes the delay before retry attempt n (1-indexed).
type Backoff interface {
	Delay(attempt int) time.Duration
}

// Constant always waits the same interval.
type Constant struct {
	Interval time.Duration
}

func NewConstant(interval time.Duration) Constant {
	return Constant{Interval: interval}
}

func (c Constant) Delay(int) time.Duration { return c.Interval }

// Exponential doubles the delay each attempt: min(Initial * 2^(attempt-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponential(initial, maxDelay time.Duration) Exponential {
	return Exponential{Initial: initial, Max: maxDelay}
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// RetryDecision is the result of applying a RetryPolicy to a failure.
type RetryDecision struct {
	Abort   bool
	Errors  int
	RetryAt time.Time
}

// RetryPolicy decides between retrying and aborting a failed job. MaxErrors
// is shared by every job a runner manages.
type RetryPolicy struct {
	MaxErrors int
	Backoff   Backoff
}

// NewRetryPolicy returns the fixed-delay policy: abort once maxErrors
// consecutive failures are reached, otherwise retry after retrySecs.
func NewRetryPolicy(maxErrors, retrySecs int) RetryPolicy {
	return RetryPolicy{
		MaxErrors: maxErrors,
		Backoff:   NewConstant(time.Duration(retrySecs) * time.Second),
	}
}

// Decide maps the consecutive error count before this failure to the
// next action.
func (p RetryPolicy) Decide(errors int, now time.Time) RetryDecision {
	n := errors + 1
	if n >= p.MaxErrors {
		return RetryDecision{Abort: true, Errors: n}
	}
	var delay time.Duration
	if p.Backoff != nil {
		delay = p.Backoff.Delay(n)
	}
	return RetryDecision{Errors: n, RetryAt: now.Add(delay)}
}
