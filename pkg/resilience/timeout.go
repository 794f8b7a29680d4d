// SPDX-License-Identifier: Apache-2.0
// Package resilience provides the timing, retry, circuit breaker and fallback
// primitives used around tools and the model gateway.
package resilience

import (
	"context"
	"time"

	"github.com/jllopis/watt/pkg/errors"
)

// WithTimeout executes fn under a cancelling deadline of d.
// Unlike Race, fn's context is cancelled when the deadline passes, so fn must
// honour ctx to actually stop. Returns errors.CodeTimeout on expiry.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return fn(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := fn(ctx)
		done <- result{value, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		if ctx.Err() == context.DeadlineExceeded {
			return zero, errors.New(errors.CodeTimeout, "operation exceeded timeout", ctx.Err()).
				WithContext("timeout", d.String()).
				WithRecoverable(true)
		}
		return zero, errors.New(errors.CodeCancelled, "operation cancelled", ctx.Err())
	case res := <-done:
		return res.value, res.err
	}
}
