package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/seawatch/subscriptions/internal/auth"
	"github.com/seawatch/subscriptions/internal/model"
)

// defaultMinAuthDuration pads every authentication so hits, misses and
// cache hits are indistinguishable by timing.
const defaultMinAuthDuration = 200 * time.Millisecond

// KeyStore is the API key persistence the auth middleware reads.
type KeyStore interface {
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*model.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id string) error
	RehashAPIKey(ctx context.Context, id, hash string) error
}

// CallerCache caches verified callers by key fingerprint.
type CallerCache interface {
	GetAuthContext(ctx context.Context, fingerprint string) (*model.AuthContext, error)
	SetAuthContext(ctx context.Context, fingerprint string, caller *model.AuthContext) error
}

// AuthConfig wires the auth middleware.
type AuthConfig struct {
	Logger     *slog.Logger
	Repository KeyStore
	Cache      CallerCache
	// MinDuration overrides defaultMinAuthDuration when positive.
	MinDuration time.Duration
}

// Auth authenticates /api/v1 requests by API key (Bearer or X-API-Key) and
// attaches the caller to the request context.
func Auth(cfg AuthConfig) func(http.Handler) http.Handler {
	floor := cfg.MinDuration
	if floor <= 0 {
		floor = defaultMinAuthDuration
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			caller, reason := authenticate(r.Context(), cfg, extractAPIKey(r))
			if wait := floor - time.Since(start); wait > 0 {
				time.Sleep(wait)
			}

			log := cfg.Logger.With(
				slog.String("ip", r.RemoteAddr),
				slog.String("endpoint", r.Method+" "+r.URL.Path),
				slog.String("request_id", GetRequestID(r.Context())),
			)
			if caller == nil {
				log.Warn("authentication failed", slog.String("reason", reason))
				writeAuthError(w)
				return
			}
			log.Debug("authenticated",
				slog.String("key_id", caller.KeyID),
				slog.String("key_prefix", caller.KeyPrefix),
				slog.String("user_id", caller.UserID),
				slog.Bool("cache_hit", reason == "cache"),
			)

			annotateRequest(r.Context(), caller)
			next.ServeHTTP(w, r.WithContext(auth.ContextWithAuth(r.Context(), caller)))
		})
	}
}

// authenticate resolves key to a caller. On failure it returns nil and a
// log reason; on success the reason is "cache" or "verified".
func authenticate(ctx context.Context, cfg AuthConfig, key string) (*model.AuthContext, string) {
	if key == "" {
		return nil, "missing_key"
	}
	parsed, err := auth.ParseAPIKey(key)
	if err != nil {
		return nil, "invalid_format"
	}

	fingerprint := auth.Fingerprint(key)
	if cached, _ := cfg.Cache.GetAuthContext(ctx, fingerprint); cached != nil {
		return cached, "cache"
	}

	candidates, err := cfg.Repository.GetAPIKeysByPrefix(ctx, parsed.Prefix)
	if err != nil {
		cfg.Logger.Error("database error during auth", slog.String("error", err.Error()))
		return nil, "lookup_failed"
	}

	var matched *model.APIKey
	for _, k := range candidates {
		if ok, err := auth.VerifySecret(key, k.KeyHash); err == nil && ok {
			matched = k
			break
		}
	}
	if matched == nil {
		return nil, "invalid_key"
	}

	caller := model.NewAuthContext(matched)
	if err := cfg.Cache.SetAuthContext(ctx, fingerprint, caller); err != nil {
		cfg.Logger.Warn("failed to cache auth context", slog.String("error", err.Error()))
	}
	go touchKey(context.WithoutCancel(ctx), cfg, matched, key)
	return caller, "verified"
}

// touchKey records usage and upgrades hashes made with weaker parameters.
func touchKey(ctx context.Context, cfg AuthConfig, key *model.APIKey, plaintext string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cfg.Repository.UpdateAPIKeyLastUsed(ctx, key.ID); err != nil {
		cfg.Logger.Warn("failed to stamp key usage", slog.String("key_id", key.ID), slog.String("error", err.Error()))
	}
	if !auth.NeedsRehash(key.KeyHash) {
		return
	}
	hash, err := auth.HashSecret(plaintext)
	if err == nil {
		err = cfg.Repository.RehashAPIKey(ctx, key.ID, hash)
	}
	if err != nil {
		cfg.Logger.Warn("failed to rehash API key", slog.String("key_id", key.ID), slog.String("error", err.Error()))
	}
}

// extractAPIKey reads "Authorization: Bearer <key>", then X-API-Key.
func extractAPIKey(r *http.Request) string {
	if key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(key)
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

// writeAuthError answers 401 with one message for every failure so keys
// cannot be enumerated.
func writeAuthError(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or missing API key")
}
