package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/seawatch/subscriptions/internal/auth"
	"github.com/seawatch/subscriptions/internal/handler/dto"
	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/repository"
)

// APIKeyStore is the key persistence used by APIKeyHandler.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKeyByID(ctx context.Context, id string) (*model.APIKey, error)
	ListAPIKeysByUserID(ctx context.Context, userID string) ([]*model.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
	RotateAPIKey(ctx context.Context, oldID string, next *model.APIKey) (time.Time, error)
}

// AuthCacheInvalidator drops cached caller identities for a revoked key.
type AuthCacheInvalidator interface {
	InvalidateKey(ctx context.Context, keyID string) error
}

// APIKeyHandler lets operators manage their own API keys.
type APIKeyHandler struct {
	logger *slog.Logger
	keys   APIKeyStore
	cache  AuthCacheInvalidator
	now    func() time.Time
}

func NewAPIKeyHandler(logger *slog.Logger, keys APIKeyStore, cache AuthCacheInvalidator) *APIKeyHandler {
	return &APIKeyHandler{
		logger: logger.With("handler", "api_keys"),
		keys:   keys,
		cache:  cache,
		now:    time.Now,
	}
}

// CreateAPIKey handles POST /api/v1/api-keys
func (h *APIKeyHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caller := auth.AuthFromContext(ctx)
	if caller == nil {
		writeErrorJSON(w, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required")
		return
	}

	var req model.APIKeyCreateRequest
	if err := dto.Decode(r.Body, &req); err != nil {
		var verr *dto.ValidationError
		if errors.As(err, &verr) {
			writeErrorJSON(w, http.StatusBadRequest, "INVALID_INPUT", verr.Error())
			return
		}
		writeErrorJSON(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{model.ScopeRead}
	}
	// A key never carries more than the key that minted it.
	for _, scope := range req.Scopes {
		if !caller.HasScope(scope) {
			writeErrorJSON(w, http.StatusForbidden, "FORBIDDEN", "Cannot grant scope "+scope)
			return
		}
	}
	tier := model.TierFree
	if req.RateLimitTier != "" && req.RateLimitTier != tier {
		if !caller.IsAdmin() {
			writeErrorJSON(w, http.StatusForbidden, "FORBIDDEN", "Only admins may assign a rate limit tier")
			return
		}
		tier = req.RateLimitTier
	}

	generated, err := auth.GenerateAPIKey(req.Env)
	if err != nil {
		h.logger.Error("failed to generate API key", slog.String("error", err.Error()))
		writeErrorJSON(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate API key")
		return
	}

	key := &model.APIKey{
		ID:            ulid.Make().String(),
		UserID:        caller.UserID,
		KeyHash:       generated.Hash,
		KeyPrefix:     generated.Prefix,
		Scopes:        req.Scopes,
		RateLimitTier: tier,
		Name:          req.Name,
		CreatedAt:     h.now().UTC(),
	}
	if err := h.keys.CreateAPIKey(ctx, key); err != nil {
		h.logger.Error("failed to create API key", slog.String("error", err.Error()))
		writeErrorJSON(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create API key")
		return
	}

	h.logger.Info("API key created",
		slog.String("key_id", key.ID),
		slog.String("key_prefix", key.KeyPrefix),
		slog.String("user_id", key.UserID),
		slog.String("tier", key.RateLimitTier),
	)
	writeJSON(w, http.StatusCreated, model.NewAPIKeyCreateResponse(key, generated.Plaintext))
}

// ListAPIKeys handles GET /api/v1/api-keys
func (h *APIKeyHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.keys.ListAPIKeysByUserID(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		h.logger.Error("failed to list API keys", slog.String("error", err.Error()))
		writeErrorJSON(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list API keys")
		return
	}

	resp := make([]model.APIKeyResponse, 0, len(keys))
	for _, k := range keys {
		resp = append(resp, k.ToResponse())
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": resp})
}

// RevokeAPIKey handles DELETE /api/v1/api-keys/{key_id}
func (h *APIKeyHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key, ok := h.ownedLiveKey(w, r)
	if !ok {
		return
	}

	if err := h.keys.RevokeAPIKey(ctx, key.ID); err != nil {
		if errors.Is(err, repository.ErrAPIKeyNotFound) {
			writeKeyNotFound(w)
			return
		}
		h.logger.Error("failed to revoke API key", slog.String("error", err.Error()))
		writeErrorJSON(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke API key")
		return
	}
	h.invalidate(ctx, key.ID)

	h.logger.Info("API key revoked", slog.String("key_id", key.ID), slog.String("user_id", key.UserID))
	w.WriteHeader(http.StatusNoContent)
}

// RotateAPIKey handles POST /api/v1/api-keys/{key_id}/rotate. The new key
// inherits name, scopes and tier; the old key stops working immediately.
func (h *APIKeyHandler) RotateAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	old, ok := h.ownedLiveKey(w, r)
	if !ok {
		return
	}

	generated, err := auth.GenerateAPIKey(auth.EnvLive)
	if err != nil {
		h.logger.Error("failed to generate API key", slog.String("error", err.Error()))
		writeErrorJSON(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate API key")
		return
	}

	next := &model.APIKey{
		ID:            ulid.Make().String(),
		UserID:        old.UserID,
		KeyHash:       generated.Hash,
		KeyPrefix:     generated.Prefix,
		Scopes:        old.Scopes,
		RateLimitTier: old.RateLimitTier,
		Name:          old.Name,
		CreatedAt:     h.now().UTC(),
	}
	revokedAt, err := h.keys.RotateAPIKey(ctx, old.ID, next)
	if err != nil {
		if errors.Is(err, repository.ErrAPIKeyNotFound) {
			writeKeyNotFound(w)
			return
		}
		h.logger.Error("failed to rotate API key", slog.String("error", err.Error()))
		writeErrorJSON(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to rotate API key")
		return
	}
	h.invalidate(ctx, old.ID)

	h.logger.Info("API key rotated",
		slog.String("old_key_id", old.ID),
		slog.String("new_key_id", next.ID),
		slog.String("user_id", old.UserID),
	)
	writeJSON(w, http.StatusCreated, model.APIKeyRotateResponse{
		OldKeyID:        old.ID,
		OldKeyRevokedAt: revokedAt,
		NewKey:          model.NewAPIKeyCreateResponse(next, generated.Plaintext),
	})
}

// ownedLiveKey resolves {key_id} to a live key of the caller. Foreign,
// missing and revoked keys all answer 404.
func (h *APIKeyHandler) ownedLiveKey(w http.ResponseWriter, r *http.Request) (*model.APIKey, bool) {
	key, err := h.keys.GetAPIKeyByID(r.Context(), chi.URLParam(r, "key_id"))
	if err != nil {
		if !errors.Is(err, repository.ErrAPIKeyNotFound) {
			h.logger.Error("failed to load API key", slog.String("error", err.Error()))
		}
		writeKeyNotFound(w)
		return nil, false
	}
	if key.UserID != auth.UserIDFromContext(r.Context()) || key.IsRevoked() {
		writeKeyNotFound(w)
		return nil, false
	}
	return key, true
}

func (h *APIKeyHandler) invalidate(ctx context.Context, keyID string) {
	if h.cache == nil {
		return
	}
	if err := h.cache.InvalidateKey(ctx, keyID); err != nil {
		h.logger.Warn("failed to drop cached auth context",
			slog.String("key_id", keyID),
			slog.String("error", err.Error()),
		)
	}
}

func writeKeyNotFound(w http.ResponseWriter) {
	writeErrorJSON(w, http.StatusNotFound, "KEY_NOT_FOUND", "API key not found or already revoked")
}
