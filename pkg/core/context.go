package core

import (
	"context"

	"github.com/google/uuid"
)

type runIDKey struct{}
type tenantIDKey struct{}

// WithRunID attaches a run id to the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run id if present.
func RunID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok && id != ""
}

// WithTenantID attaches the calling tenant to the context.
func WithTenantID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, id)
}

// TenantID returns the tenant id if present.
func TenantID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantIDKey{}).(string)
	return id, ok && id != ""
}

// NewRunID generates a run identifier.
func NewRunID() string {
	return "run-" + uuid.NewString()
}
