// Package tenant carries the tenant identity through request and task
// lifetimes. Every storage call resolves the tenant from the ambient
// context; the only bypass is the explicit system scope used by
// administrative maintenance.
package tenant

import (
	"context"

	"cartograph-backend/internal/errors"
)

// ContextKey represents a context key type.
type ContextKey string

// Context keys.
const (
	ContextKeyTenantID ContextKey = "tenant_id"
	ContextKeyActorID  ContextKey = "actor_id"
	ContextKeySystem   ContextKey = "system_scope"
)

// WithTenant adds the tenant ID to the context.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ContextKeyTenantID, tenantID)
}

// Get extracts the tenant ID from the context.
func Get(ctx context.Context) (string, bool) {
	tenantID, ok := ctx.Value(ContextKeyTenantID).(string)
	return tenantID, ok && tenantID != ""
}

// FromContext extracts the tenant ID and fails when it is absent. A missing
// tenant on a tenant-scoped path is a programming error, not user input.
func FromContext(ctx context.Context) (string, error) {
	tenantID, ok := Get(ctx)
	if !ok {
		return "", errors.Internal(errors.CodeTenantMissing, "no tenant in context").
			WithSeverity(errors.SeverityHigh).
			Build()
	}
	return tenantID, nil
}

// WithActor adds the acting user or worker ID to the context.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, ContextKeyActorID, actorID)
}

// Actor extracts the actor ID from the context, or "" when unattributed.
func Actor(ctx context.Context) string {
	actorID, _ := ctx.Value(ContextKeyActorID).(string)
	return actorID
}

// WithSystem marks the context as system-scoped. System scope bypasses
// tenant filtering for administrative maintenance and is never set on
// user-facing paths.
func WithSystem(ctx context.Context) context.Context {
	return context.WithValue(ctx, ContextKeySystem, true)
}

// IsSystem reports whether the context runs in system scope.
func IsSystem(ctx context.Context) bool {
	system, _ := ctx.Value(ContextKeySystem).(bool)
	return system
}

// EnsureSame verifies that a row's tenant matches the context tenant.
// System scope passes unconditionally.
func EnsureSame(ctx context.Context, rowTenantID string) error {
	if IsSystem(ctx) {
		return nil
	}
	tenantID, err := FromContext(ctx)
	if err != nil {
		return err
	}
	if rowTenantID != tenantID {
		return errors.Forbidden(errors.CodeCrossTenant, "resource belongs to another tenant").
			WithTenant(tenantID).
			Build()
	}
	return nil
}

// Scope runs fn with the tenant set for its duration. The derived context
// never escapes fn, so the tenant is cleared on every exit path.
func Scope(ctx context.Context, tenantID string, fn func(context.Context) error) error {
	return fn(WithTenant(ctx, tenantID))
}
