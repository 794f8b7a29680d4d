// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	stderrors "errors"
	"math/rand"
	"time"

	"github.com/jllopis/watt/pkg/errors"
)

// RetryAfterAttribute is the WattError attribute carrying a server supplied
// wait, formatted as a time.Duration string.
const RetryAfterAttribute = "retry_after"

// RetryConfig is an exponential backoff policy.
type RetryConfig struct {
	// MaxAttempts counts the first call; values below 1 mean 1.
	MaxAttempts  int
	InitialDelay time.Duration
	// MaxDelay caps both the computed backoff and a Retry-After hint.
	MaxDelay time.Duration
	// Multiplier defaults to 2.
	Multiplier float64
	// Jitter spreads each delay by ±Jitter of its value.
	Jitter float64

	// IsRecoverable decides whether err is worth another attempt. Nil uses
	// the WattError Recoverable flag.
	IsRecoverable func(error) bool
	// OnRetry runs before attempt (1-based) with the error that caused it.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns three attempts starting at 100ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Multiplier:    2,
		Jitter:        0.1,
		IsRecoverable: isRecoverableDefault,
	}
}

func (rc RetryConfig) WithMaxAttempts(n int) RetryConfig {
	rc.MaxAttempts = n
	return rc
}

func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

func (rc RetryConfig) WithIsRecoverable(fn func(error) bool) RetryConfig {
	rc.IsRecoverable = fn
	return rc
}

// Do is Retry for functions without a result.
func (rc RetryConfig) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Retry(ctx, rc, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Retry calls fn until it succeeds, returns an unrecoverable error or runs
// out of attempts. The last error is returned as is; cancellation while
// waiting yields a CANCELLED error.
func Retry[T any](ctx context.Context, rc RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	attempts := max(rc.MaxAttempts, 1)
	recoverable := rc.IsRecoverable
	if recoverable == nil {
		recoverable = isRecoverableDefault
	}

	var zero T
	for attempt := 1; ; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		if attempt >= attempts || !recoverable(err) {
			return zero, err
		}

		wait := rc.delay(attempt, err)
		if rc.OnRetry != nil {
			rc.OnRetry(attempt+1, err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, errors.New(errors.CodeCancelled, "context canceled during retry", ctx.Err()).
				WithContext("attempt", attempt).
				WithContext("max_attempts", attempts)
		case <-timer.C:
		}
	}
}

// delay is the wait after the given failed attempt. A Retry-After hint on
// err replaces the computed backoff when it is longer.
func (rc RetryConfig) delay(attempt int, err error) time.Duration {
	mult := rc.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := float64(rc.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	if rc.Jitter > 0 {
		d += d * rc.Jitter * (2*rand.Float64() - 1)
	}
	wait := time.Duration(max(d, 0))
	if hint, ok := RetryAfter(err); ok && hint > wait {
		wait = hint
	}
	if rc.MaxDelay > 0 && wait > rc.MaxDelay {
		wait = rc.MaxDelay
	}
	return wait
}

// RetryAfter returns the server supplied wait recorded on err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var we *errors.WattError
	if !stderrors.As(err, &we) {
		return 0, false
	}
	raw, ok := we.Attributes[RetryAfterAttribute]
	if !ok {
		return 0, false
	}
	d, perr := time.ParseDuration(raw)
	if perr != nil || d < 0 {
		return 0, false
	}
	return d, true
}

// isRecoverableDefault never retries cancellation. WattErrors are retried
// only when flagged recoverable; anything else is assumed transient.
func isRecoverableDefault(err error) bool {
	if err == nil || stderrors.Is(err, context.Canceled) {
		return false
	}
	var we *errors.WattError
	if stderrors.As(err, &we) {
		return we.Recoverable
	}
	return true
}
