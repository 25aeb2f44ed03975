package auth

import (
	"context"

	"github.com/seawatch/subscriptions/internal/model"
)

type callerKey struct{}

// ContextWithAuth attaches the authenticated caller to ctx.
func ContextWithAuth(ctx context.Context, caller *model.AuthContext) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// AuthFromContext returns the authenticated caller, or nil outside /api/v1.
func AuthFromContext(ctx context.Context) *model.AuthContext {
	caller, _ := ctx.Value(callerKey{}).(*model.AuthContext)
	return caller
}

// UserIDFromContext returns the owning operator of the presented key.
// Subscriptions and webhook endpoints are scoped by this ID.
func UserIDFromContext(ctx context.Context) string {
	if caller := AuthFromContext(ctx); caller != nil {
		return caller.UserID
	}
	return ""
}

// KeyIDFromContext returns the presented key's ID.
func KeyIDFromContext(ctx context.Context) string {
	if caller := AuthFromContext(ctx); caller != nil {
		return caller.KeyID
	}
	return ""
}

// IsAdmin reports whether the caller holds the admin scope.
func IsAdmin(ctx context.Context) bool {
	caller := AuthFromContext(ctx)
	return caller != nil && caller.IsAdmin()
}
