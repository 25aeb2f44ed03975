package middleware

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/seawatch/subscriptions/internal/auth"
	"github.com/seawatch/subscriptions/internal/model"
)

type Middleware = func(http.Handler) http.Handler

// RequireScope admits callers holding any of scopes; admin holds them all.
// It must run after Auth.
func RequireScope(scopes ...string) Middleware {
	denied := "Insufficient permissions. Required scope: " + strings.Join(scopes, " or ")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := auth.AuthFromContext(r.Context())
			switch {
			case caller == nil:
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
			case slices.ContainsFunc(scopes, caller.HasScope):
				next.ServeHTTP(w, r)
			default:
				writeError(w, http.StatusForbidden, "FORBIDDEN", denied)
			}
		})
	}
}

func RequireRead() Middleware    { return RequireScope(model.ScopeRead) }
func RequireWrite() Middleware   { return RequireScope(model.ScopeWrite) }
func RequireAdmin() Middleware   { return RequireScope(model.ScopeAdmin) }
func RequireWebhook() Middleware { return RequireScope(model.ScopeWebhook) }

// RequireTrigger guards manual execution of a subscription.
func RequireTrigger() Middleware { return RequireScope(model.ScopeTrigger) }

// RequireIngest guards event submission.
func RequireIngest() Middleware { return RequireScope(model.ScopeIngest) }

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError is the envelope of every error raised by middleware:
// {"error":{"code":..,"message":..}}.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(struct {
		Error errorDetail `json:"error"`
	}{errorDetail{Code: code, Message: message}})
}
