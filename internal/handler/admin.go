package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/repository"
)

// AdminSubscriptionGetter loads any subscription regardless of owner.
type AdminSubscriptionGetter interface {
	GetSubscriptionByID(ctx context.Context, id string) (*model.Subscription, error)
	ListTriggersBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*model.Trigger, error)
}

// AdminUserDirectory looks up operators and their API keys.
type AdminUserDirectory interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	ListAPIKeysByUserID(ctx context.Context, userID string) ([]*model.APIKey, error)
}

// AssetGroupEvictor drops a cached asset group expansion.
type AssetGroupEvictor interface {
	DeleteAssetGroup(ctx context.Context, groupGUID string) error
}

// AdminHandler provides admin-only endpoints for debugging and operations.
type AdminHandler struct {
	subs    AdminSubscriptionGetter
	users   AdminUserDirectory
	groups  AssetGroupEvictor
	logger  *slog.Logger
	started time.Time
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(subs AdminSubscriptionGetter, users AdminUserDirectory, groups AssetGroupEvictor, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		subs:    subs,
		users:   users,
		groups:  groups,
		logger:  logger,
		started: time.Now(),
	}
}

// SubscriptionLookupResponse is a subscription with its owner and recent
// triggers. Owner is nil when the operator record is gone.
type SubscriptionLookupResponse struct {
	Subscription *model.Subscription `json:"subscription"`
	Owner        *model.User         `json:"owner,omitempty"`
	Triggers     []*model.Trigger    `json:"recent_triggers"`
}

// LookupSubscription handles GET /api/v1/admin/subscriptions/{id}.
// Unlike the owner API it ignores accessibility.
func (h *AdminHandler) LookupSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	sub, err := h.subs.GetSubscriptionByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrSubscriptionNotFound) {
			writeErrorJSON(w, http.StatusNotFound, "NOT_FOUND", "subscription not found")
			return
		}
		h.logger.Error("failed to load subscription", "error", err, "subscription_id", id)
		writeErrorJSON(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load subscription")
		return
	}

	triggers, err := h.subs.ListTriggersBySubscription(ctx, id, 20)
	if err != nil {
		h.logger.Error("failed to list triggers", "error", err, "subscription_id", id)
		writeErrorJSON(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list triggers")
		return
	}
	if triggers == nil {
		triggers = []*model.Trigger{}
	}

	owner, err := h.users.GetUserByID(ctx, sub.OwnerID)
	if err != nil {
		if !errors.Is(err, repository.ErrUserNotFound) {
			h.logger.Warn("failed to load subscription owner", "error", err, "owner_id", sub.OwnerID)
		}
		owner = nil
	}

	writeJSON(w, http.StatusOK, SubscriptionLookupResponse{Subscription: sub, Owner: owner, Triggers: triggers})
}

// AdminAPIKeyListResponse represents the response for API key listing.
type AdminAPIKeyListResponse struct {
	Keys  []model.APIKeyResponse `json:"keys"`
	Total int                    `json:"total"`
}

// ListAPIKeysByUser handles GET /api/v1/admin/api-keys?user_id={id}
// Lists all API keys for a specific user (admin only).
func (h *AdminHandler) ListAPIKeysByUser(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeErrorJSON(w, http.StatusBadRequest, "MISSING_USER_ID", "query parameter 'user_id' is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	keys, err := h.users.ListAPIKeysByUserID(ctx, userID)
	if err != nil {
		h.logger.Error("failed to list API keys",
			"error", err,
			"user_id", userID,
		)
		writeErrorJSON(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list API keys")
		return
	}

	response := AdminAPIKeyListResponse{
		Keys:  make([]model.APIKeyResponse, 0, len(keys)),
		Total: len(keys),
	}

	for _, key := range keys {
		response.Keys = append(response.Keys, key.ToResponse())
	}

	writeJSON(w, http.StatusOK, response)
}

// EvictAssetGroup handles DELETE /api/v1/admin/asset-groups/{guid}. The next
// evaluation re-reads the group from the asset module.
func (h *AdminHandler) EvictAssetGroup(w http.ResponseWriter, r *http.Request) {
	guid := chi.URLParam(r, "guid")

	if err := h.groups.DeleteAssetGroup(r.Context(), guid); err != nil {
		h.logger.Error("failed to evict asset group", "error", err, "group_guid", guid)
		writeErrorJSON(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to evict asset group")
		return
	}

	h.logger.Info("asset group evicted", "group_guid", guid)
	w.WriteHeader(http.StatusNoContent)
}

// StatsResponse represents operational statistics.
type StatsResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Uptime    string    `json:"uptime,omitempty"`
}

// Stats handles GET /api/v1/admin/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, r *http.Request) {
	response := StatsResponse{
		Timestamp: time.Now().UTC(),
		Service:   "seawatch-subscriptions",
		Version:   Version,
		Uptime:    time.Since(h.started).Truncate(time.Second).String(),
	}
	writeJSON(w, http.StatusOK, response)
}

// writeErrorJSON writes a JSON error response.
func writeErrorJSON(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}
