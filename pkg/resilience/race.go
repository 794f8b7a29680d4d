// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	"fmt"
	"time"
)

// Outcome is the result of a Race.
type Outcome[T any] struct {
	Value    T
	Err      error
	TimedOut bool
	Elapsed  time.Duration
}

// Race runs fn against a timer of d and returns whichever finishes first.
//
// The losing fn is not cancelled: it receives a context detached from ctx's
// cancellation and keeps running in its own goroutine until it returns. Its
// result is then discarded. Callers must assume side effects of fn can land
// after Race has reported a timeout. Race also ignores ctx.Done while waiting,
// so cancellation is observed by the caller once Race returns. A panic in fn
// is reported as Err.
func Race[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) Outcome[T] {
	start := time.Now()
	detached := context.WithoutCancel(ctx)

	done := make(chan Outcome[T], 1)
	go func() {
		var out Outcome[T]
		defer func() {
			if r := recover(); r != nil {
				out = Outcome[T]{Err: fmt.Errorf("panic: %v", r)}
			}
			done <- out
		}()
		out.Value, out.Err = fn(detached)
	}()

	if d <= 0 {
		out := <-done
		out.Elapsed = time.Since(start)
		return out
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case out := <-done:
		out.Elapsed = time.Since(start)
		return out
	case <-timer.C:
		var zero T
		return Outcome[T]{Value: zero, TimedOut: true, Elapsed: time.Since(start)}
	}
}
