// SPDX-License-Identifier: Apache-2.0
package resilience

import (
	"context"
	stderrors "errors"
)

// Attempt is one alternative in a fallback chain.
type Attempt[T any] struct {
	Name string
	Run  func(context.Context) (T, error)
}

// FallbackConfig controls when the chain moves on to the next attempt.
type FallbackConfig struct {
	// ShouldFallback decides whether err justifies trying the next attempt.
	// If nil, every error except cancellation falls back.
	ShouldFallback func(error) bool

	// OnFallback is called when attempt from failed and next is about to run.
	OnFallback func(from, next string, err error)
}

// WithFallback runs attempts in order and returns the first success.
// The name of the attempt that produced the value is returned with it.
// When all attempts fail, the primary error is returned joined with the rest.
func WithFallback[T any](ctx context.Context, cfg FallbackConfig, attempts ...Attempt[T]) (T, string, error) {
	var (
		zero T
		errs []error
	)
	for i, a := range attempts {
		value, err := a.Run(ctx)
		if err == nil {
			return value, a.Name, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil || !shouldFallback(cfg, err) || i == len(attempts)-1 {
			break
		}
		if cfg.OnFallback != nil {
			cfg.OnFallback(a.Name, attempts[i+1].Name, err)
		}
	}
	if len(errs) == 0 {
		return zero, "", nil
	}
	if len(errs) == 1 {
		return zero, "", errs[0]
	}
	return zero, "", stderrors.Join(errs...)
}

func shouldFallback(cfg FallbackConfig, err error) bool {
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	if cfg.ShouldFallback == nil {
		return true
	}
	return cfg.ShouldFallback(err)
}
