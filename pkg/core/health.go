// SPDX-License-Identifier: Apache-2.0
package core

import (
	"context"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health state of a component.
type HealthStatus string

const (
	// HealthHealthy indicates the component is fully operational.
	HealthHealthy HealthStatus = "HEALTHY"

	// HealthDegraded indicates some dependencies are failing but runs can proceed.
	HealthDegraded HealthStatus = "DEGRADED"

	// HealthUnhealthy indicates the component is not operational.
	HealthUnhealthy HealthStatus = "UNHEALTHY"
)

// HealthResult represents the result of a health check.
type HealthResult struct {
	Component string       `json:"component"`
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Critical  bool         `json:"critical"`
	LastCheck time.Time    `json:"last_check"`
}

// HealthChecker checks the health of a component.
type HealthChecker interface {
	Check(ctx context.Context) HealthResult
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) HealthResult

// Check implements HealthChecker.
func (f HealthCheckFunc) Check(ctx context.Context) HealthResult {
	return f(ctx)
}

// BoolHealthChecker wraps a boolean probe such as a tool adapter's HealthCheck.
// Non-critical probes degrade instead of failing the overall status.
func BoolHealthChecker(probe func(ctx context.Context) bool, critical bool) HealthChecker {
	return HealthCheckFunc(func(ctx context.Context) HealthResult {
		res := HealthResult{Status: HealthHealthy, Critical: critical}
		if !probe(ctx) {
			res.Status = HealthDegraded
			res.Message = "probe failed"
			if critical {
				res.Status = HealthUnhealthy
			}
		}
		return res
	})
}

// HealthRegistry runs registered checkers concurrently and aggregates them.
type HealthRegistry struct {
	mu       sync.RWMutex
	checkers map[string]HealthChecker
	timeout  time.Duration
}

// NewHealthRegistry creates a registry whose checks are bounded by timeout.
func NewHealthRegistry(timeout time.Duration) *HealthRegistry {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthRegistry{checkers: make(map[string]HealthChecker), timeout: timeout}
}

// Register adds or replaces the checker for name.
func (r *HealthRegistry) Register(name string, checker HealthChecker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[name] = checker
}

// CheckAll returns per-component results sorted by name and the overall status.
func (r *HealthRegistry) CheckAll(ctx context.Context) ([]HealthResult, HealthStatus) {
	r.mu.RLock()
	checkers := make(map[string]HealthChecker, len(r.checkers))
	for name, c := range r.checkers {
		checkers[name] = c
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make([]HealthResult, 0, len(checkers))
	)
	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker HealthChecker) {
			defer wg.Done()
			res := checker.Check(ctx)
			res.Component = name
			if res.LastCheck.IsZero() {
				res.LastCheck = time.Now().UTC()
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(name, checker)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Component < results[j].Component })

	overall := HealthHealthy
	for _, res := range results {
		switch res.Status {
		case HealthUnhealthy:
			return results, HealthUnhealthy
		case HealthDegraded:
			overall = HealthDegraded
		}
	}
	return results, overall
}
