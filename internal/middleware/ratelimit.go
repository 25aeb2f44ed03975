package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/seawatch/subscriptions/internal/auth"
	"github.com/seawatch/subscriptions/internal/cache"
	"github.com/seawatch/subscriptions/internal/model"
)

// Limiter takes tokens from per-key buckets. *cache.Cache implements it.
type Limiter interface {
	CheckAPIRateLimit(ctx context.Context, keyID string, perMinute, burst int) (*cache.RateLimitResult, error)
	CheckEventRateLimit(ctx context.Context, keyID string, perSecond, burst int) (*cache.RateLimitResult, error)
}

// RateLimitConfig configures RateLimitAPI and RateLimitEvents.
type RateLimitConfig struct {
	Logger *slog.Logger
	Cache  Limiter
	// APIEnabled turns on the per-tier API budget.
	APIEnabled bool
	// EventsRPS caps event submissions per key per second. Zero disables it.
	EventsRPS   int
	EventsBurst int
}

// RateLimitAPI applies the caller's tier budget. Must run after Auth.
func RateLimitAPI(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return limit(cfg, "api", func(ctx context.Context, caller *model.AuthContext) (int, *cache.RateLimitResult, error) {
		if !cfg.APIEnabled {
			return 0, nil, nil
		}
		tier := model.TierLimits(caller.RateLimitTier)
		if tier.RequestsPerMinute == 0 {
			return 0, nil, nil
		}
		res, err := cfg.Cache.CheckAPIRateLimit(ctx, caller.KeyID, tier.RequestsPerMinute, tier.Burst)
		return tier.RequestsPerMinute, res, err
	})
}

// RateLimitEvents throttles POST /api/v1/events per key, on top of
// RateLimitAPI.
func RateLimitEvents(cfg RateLimitConfig) func(http.Handler) http.Handler {
	return limit(cfg, "events", func(ctx context.Context, caller *model.AuthContext) (int, *cache.RateLimitResult, error) {
		if cfg.EventsRPS <= 0 {
			return 0, nil, nil
		}
		res, err := cfg.Cache.CheckEventRateLimit(ctx, caller.KeyID, cfg.EventsRPS, cfg.EventsBurst)
		return cfg.EventsRPS, res, err
	})
}

// checkFunc returns the advertised limit and the bucket result. A nil result
// means the request is not limited.
type checkFunc func(ctx context.Context, caller *model.AuthContext) (int, *cache.RateLimitResult, error)

func limit(cfg RateLimitConfig, kind string, check checkFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := auth.AuthFromContext(r.Context())
			if caller == nil || cfg.Cache == nil {
				next.ServeHTTP(w, r)
				return
			}

			limit, res, err := check(r.Context(), caller)
			if err != nil {
				// fail open
				cfg.Logger.Error("rate limit check failed",
					slog.String("type", kind),
					slog.String("key_id", caller.KeyID),
					slog.String("error", err.Error()),
				)
			}
			if res == nil {
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w, limit, res.Remaining, res.ResetAt)
			if res.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			cfg.Logger.Warn("rate limit exceeded",
				slog.String("type", kind),
				slog.String("key_id", caller.KeyID),
				slog.String("ip", r.RemoteAddr),
				slog.String("endpoint", r.Method+" "+r.URL.Path),
				slog.Int64("retry_after_seconds", int64(res.RetryAfter.Seconds())),
				slog.String("request_id", GetRequestID(r.Context())),
			)
			writeRateLimitError(w, res.RetryAfter)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, limit int, remaining int64, resetAt time.Time) {
	if limit <= 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(max(remaining, 0), 10))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}

// writeRateLimitError answers 429 with Retry-After of at least one second.
func writeRateLimitError(w http.ResponseWriter, retryAfter time.Duration) {
	secs := max(int(retryAfter.Seconds()), 1)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "RATE_LIMITED",
		fmt.Sprintf("Rate limit exceeded. Retry after %d seconds.", secs))
}
