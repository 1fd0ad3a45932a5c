// Package retry implements the gateway's smart retry strategy: classify
// the error by category, retry only the transient classes, back off
// exponentially with optional jitter, and wrap exhaustion as a single
// retry-exhausted error carrying the last cause.
package retry

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/liyq0307/mysql-mcp-gateway/internal/errs"
)

// retryableCategories are the only categories the smart retry strategy
// ever retries; everything else (syntax, access-denied, object-not-found,
// constraint, security-violation, ...) surfaces on the first attempt.
var retryableCategories = map[errs.Category]bool{
	errs.CategoryConnectionError: true,
	errs.CategoryDeadlock:        true,
	errs.CategoryLockWaitTimeout: true,
	errs.CategoryTimeout:         true,
}

// Policy configures the retry loop.
type Policy struct {
	MaxAttempts int // total attempts including the first, minimum 1
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
	Logger      *slog.Logger
}

// DefaultPolicy mirrors the gateway's conservative default: three
// attempts, 100ms base delay doubling up to 5s, with jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		Jitter:      true,
	}
}

// Result reports the outcome of a retried operation.
type Result struct {
	Success    bool
	Attempts   int
	TotalDelay time.Duration
	LastError  error
}

// shouldRetry reports whether err belongs to one of the categories the
// smart retry strategy retries, classifying raw driver/context errors via
// errs.Classify when err isn't already an *errs.Error.
func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	return retryableCategories[errs.Classify(err)]
}

// nextDelay computes min(maxDelay, base*multiplier^attempt), optionally
// scaled by a uniform(0.5, 1.5) jitter factor.
func nextDelay(policy Policy, attempt int) time.Duration {
	base := float64(policy.BaseDelay)
	mult := 1.0
	for i := 0; i < attempt; i++ {
		mult *= policy.Multiplier
	}
	delay := base * mult
	if max := float64(policy.MaxDelay); policy.MaxDelay > 0 && delay > max {
		delay = max
	}
	if policy.Jitter {
		delay *= 0.5 + rand.Float64()
	}
	return time.Duration(delay)
}

// Do runs operation, retrying per policy on retryable failures. On
// exhaustion, the returned Result.LastError is wrapped in a
// retry-exhausted *errs.Error carrying the original cause.
func Do(ctx context.Context, policy Policy, operation func() error) Result {
	log := policy.Logger
	if log == nil {
		log = slog.Default()
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	var totalDelay time.Duration

	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := operation()
		if err == nil {
			return Result{Success: true, Attempts: attempt + 1, TotalDelay: totalDelay}
		}
		lastErr = err

		if !shouldRetry(err) {
			return Result{Success: false, Attempts: attempt + 1, TotalDelay: totalDelay, LastError: err}
		}

		if attempt == maxAttempts-1 {
			break
		}

		delay := nextDelay(policy, attempt)
		log.Warn("operation failed, retrying", "attempt", attempt+1, "max_attempts", maxAttempts, "delay", delay, "error", err)
		totalDelay += delay

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{Success: false, Attempts: attempt + 1, TotalDelay: totalDelay, LastError: ctx.Err()}
		}
	}

	exhausted := errs.New(errs.CategoryRetryExhausted, "operation failed after all retry attempts", lastErr)
	return Result{Success: false, Attempts: maxAttempts, TotalDelay: totalDelay, LastError: exhausted}
}

// DoValue is like Do but for operations that return a value; on success
// the value is returned alongside a successful Result.
func DoValue[T any](ctx context.Context, policy Policy, operation func() (T, error)) (T, Result) {
	var last T
	result := Do(ctx, policy, func() error {
		v, err := operation()
		if err == nil {
			last = v
		}
		return err
	})
	return last, result
}
