package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/seawatch/subscriptions/internal/auth"
	"github.com/seawatch/subscriptions/internal/model"
)

func serveWithScopes(mw func(http.Handler) http.Handler, scopes []string) *httptest.ResponseRecorder {
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/v1/subscriptions", nil)
	if scopes != nil {
		req = req.WithContext(auth.ContextWithAuth(req.Context(), &model.AuthContext{
			KeyID:  "key-1",
			UserID: "operator-1",
			Scopes: scopes,
		}))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name     string
		scopes   []string
		required []string
		want     int
	}{
		{"read grants read", []string{model.ScopeRead}, []string{model.ScopeRead}, http.StatusOK},
		{"admin grants ingest", []string{model.ScopeAdmin}, []string{model.ScopeIngest}, http.StatusOK},
		{"admin grants trigger", []string{model.ScopeAdmin}, []string{model.ScopeTrigger}, http.StatusOK},
		{"any of several", []string{model.ScopeTrigger}, []string{model.ScopeWrite, model.ScopeTrigger}, http.StatusOK},
		{"read cannot write", []string{model.ScopeRead}, []string{model.ScopeWrite}, http.StatusForbidden},
		{"write cannot ingest", []string{model.ScopeWrite}, []string{model.ScopeIngest}, http.StatusForbidden},
		{"ingest cannot trigger", []string{model.ScopeIngest}, []string{model.ScopeTrigger}, http.StatusForbidden},
		{"webhook cannot admin", []string{model.ScopeWebhook}, []string{model.ScopeAdmin}, http.StatusForbidden},
		{"empty scopes", []string{}, []string{model.ScopeRead}, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveWithScopes(RequireScope(tt.required...), tt.scopes)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRequireScope_ForbiddenMessage(t *testing.T) {
	rec := serveWithScopes(RequireScope(model.ScopeWrite, model.ScopeTrigger), []string{model.ScopeRead})
	if !strings.Contains(rec.Body.String(), "Required scope: write or trigger") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestRequireScope_NoAuthContext(t *testing.T) {
	rec := serveWithScopes(RequireRead(), nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestConvenienceMiddleware(t *testing.T) {
	tests := map[string]struct {
		mw    func() func(http.Handler) http.Handler
		scope string
	}{
		"RequireRead":    {RequireRead, model.ScopeRead},
		"RequireWrite":   {RequireWrite, model.ScopeWrite},
		"RequireAdmin":   {RequireAdmin, model.ScopeAdmin},
		"RequireWebhook": {RequireWebhook, model.ScopeWebhook},
		"RequireTrigger": {RequireTrigger, model.ScopeTrigger},
		"RequireIngest":  {RequireIngest, model.ScopeIngest},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			if rec := serveWithScopes(tt.mw(), []string{tt.scope}); rec.Code != http.StatusOK {
				t.Errorf("own scope: status = %d", rec.Code)
			}
			if rec := serveWithScopes(tt.mw(), []string{model.ScopeAdmin}); rec.Code != http.StatusOK {
				t.Errorf("admin: status = %d", rec.Code)
			}
		})
	}
}
