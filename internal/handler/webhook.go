package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/seawatch/subscriptions/internal/auth"
	"github.com/seawatch/subscriptions/internal/handler/dto"
	"github.com/seawatch/subscriptions/internal/middleware"
	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/webhook"
)

// EndpointStore is the webhook persistence the handler needs.
type EndpointStore interface {
	CreateEndpoint(ctx context.Context, endpoint *model.WebhookEndpoint) error
	GetEndpoint(ctx context.Context, id string) (*model.WebhookEndpoint, error)
	ListEndpointsByUser(ctx context.Context, userID string) ([]*model.WebhookEndpoint, error)
	UpdateEndpoint(ctx context.Context, endpoint *model.WebhookEndpoint) error
	UpdateEndpointSecret(ctx context.Context, id, secretHash string) error
	DeleteEndpoint(ctx context.Context, id string) error
	ListDeliveriesByEndpoint(ctx context.Context, endpointID string, statuses []string, limit, offset int) ([]*model.WebhookDelivery, int, error)
	ResetDeliveryForRetry(ctx context.Context, endpointID, deliveryID string) error
}

// WebhookHandler handles webhook management endpoints. Routes are mounted
// behind middleware.RequireWebhook.
type WebhookHandler struct {
	repo          EndpointStore
	logger        *slog.Logger
	allowInsecure bool
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(repo EndpointStore, logger *slog.Logger, allowInsecure bool) *WebhookHandler {
	return &WebhookHandler{
		repo:          repo,
		logger:        logger.With("handler", "webhook"),
		allowInsecure: allowInsecure,
	}
}

// Create handles POST /api/v1/webhooks
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := auth.UserIDFromContext(ctx)

	var req model.WebhookEndpointCreateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validateURL(ctx, req.TargetURL); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_URL", err.Error())
		return
	}

	eventTypes := req.EventTypes
	if len(eventTypes) == 0 {
		eventTypes = []model.EventType{model.EventTypeSubscriptionTriggered}
	}

	secret, err := webhook.GenerateSecret()
	if err != nil {
		h.internalError(w, "failed to generate secret", err)
		return
	}

	now := time.Now()
	endpoint := &model.WebhookEndpoint{
		ID:          ulid.Make().String(),
		UserID:      userID,
		TargetURL:   req.TargetURL,
		SecretHash:  webhook.HashSecret(secret),
		Enabled:     true,
		EventTypes:  eventTypes,
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.repo.CreateEndpoint(ctx, endpoint); err != nil {
		h.internalError(w, "failed to create endpoint", err)
		return
	}

	h.logger.Info("webhook endpoint created",
		"endpoint_id", endpoint.ID,
		"user_id", userID,
	)

	// The plaintext secret is only returned here and on rotation.
	writeJSON(w, http.StatusCreated, model.WebhookEndpointCreateResponse{
		WebhookEndpointResponse: endpoint.ToResponse(),
		Secret:                  secret,
	})
}

// List handles GET /api/v1/webhooks
func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	endpoints, err := h.repo.ListEndpointsByUser(r.Context(), auth.UserIDFromContext(r.Context()))
	if err != nil {
		h.internalError(w, "failed to list endpoints", err)
		return
	}

	resp := make([]model.WebhookEndpointResponse, len(endpoints))
	for i, ep := range endpoints {
		resp[i] = ep.ToResponse()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"webhooks": resp,
	})
}

// Get handles GET /api/v1/webhooks/{id}
func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := h.owned(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, endpoint.ToResponse())
}

// Update handles PATCH /api/v1/webhooks/{id}
func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := h.owned(w, r)
	if !ok {
		return
	}

	var req model.WebhookEndpointUpdateRequest
	if !h.decode(w, r, &req) {
		return
	}

	if req.Name != nil {
		endpoint.Name = *req.Name
	}
	if req.Description != nil {
		endpoint.Description = *req.Description
	}
	if req.TargetURL != nil {
		if err := h.validateURL(r.Context(), *req.TargetURL); err != nil {
			h.writeError(w, http.StatusBadRequest, "INVALID_URL", err.Error())
			return
		}
		endpoint.TargetURL = *req.TargetURL
	}
	if req.Enabled != nil {
		endpoint.Enabled = *req.Enabled
	}
	if req.EventTypes != nil {
		endpoint.EventTypes = *req.EventTypes
	}
	endpoint.UpdatedAt = time.Now()

	if err := h.repo.UpdateEndpoint(r.Context(), endpoint); err != nil {
		h.internalError(w, "failed to update endpoint", err)
		return
	}

	h.logger.Info("webhook endpoint updated", "endpoint_id", endpoint.ID)
	writeJSON(w, http.StatusOK, endpoint.ToResponse())
}

// Delete handles DELETE /api/v1/webhooks/{id}
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := h.owned(w, r)
	if !ok {
		return
	}

	if err := h.repo.DeleteEndpoint(r.Context(), endpoint.ID); err != nil {
		h.internalError(w, "failed to delete endpoint", err)
		return
	}

	h.logger.Info("webhook endpoint deleted", "endpoint_id", endpoint.ID)
	w.WriteHeader(http.StatusNoContent)
}

// RotateSecret handles POST /api/v1/webhooks/{id}/rotate-secret
func (h *WebhookHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := h.owned(w, r)
	if !ok {
		return
	}

	newSecret, err := webhook.GenerateSecret()
	if err != nil {
		h.internalError(w, "failed to generate secret", err)
		return
	}

	if err := h.repo.UpdateEndpointSecret(r.Context(), endpoint.ID, webhook.HashSecret(newSecret)); err != nil {
		h.internalError(w, "failed to update secret", err)
		return
	}

	h.logger.Info("webhook secret rotated", "endpoint_id", endpoint.ID)
	writeJSON(w, http.StatusOK, map[string]string{
		"secret": newSecret,
	})
}

// ListDeliveries handles GET /api/v1/webhooks/{id}/deliveries
func (h *WebhookHandler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := h.owned(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(query.Get("per_page"))
	if perPage < 1 || perPage > 100 {
		perPage = 20
	}

	deliveries, total, err := h.repo.ListDeliveriesByEndpoint(r.Context(), endpoint.ID, query["status"], perPage, (page-1)*perPage)
	if err != nil {
		h.internalError(w, "failed to list deliveries", err)
		return
	}

	resp := make([]model.WebhookDeliveryResponse, len(deliveries))
	for i, d := range deliveries {
		resp[i] = d.ToResponse()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deliveries": resp,
		"pagination": map[string]any{
			"total":    total,
			"page":     page,
			"per_page": perPage,
		},
	})
}

// RetryDelivery handles POST /api/v1/webhooks/{id}/deliveries/{deliveryId}/retry
func (h *WebhookHandler) RetryDelivery(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := h.owned(w, r)
	if !ok {
		return
	}
	deliveryID := chi.URLParam(r, "deliveryId")

	if err := h.repo.ResetDeliveryForRetry(r.Context(), endpoint.ID, deliveryID); err != nil {
		if errors.Is(err, webhook.ErrDeliveryNotFound) {
			h.writeError(w, http.StatusNotFound, "NOT_FOUND", "Delivery not found or not exhausted")
			return
		}
		h.internalError(w, "failed to retry delivery", err)
		return
	}

	h.logger.Info("webhook delivery retry requested",
		"delivery_id", deliveryID,
		"endpoint_id", endpoint.ID,
	)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "retry_scheduled",
	})
}

// owned loads the endpoint named in the path. Endpoints of other users
// answer 404 so IDs cannot be enumerated.
func (h *WebhookHandler) owned(w http.ResponseWriter, r *http.Request) (*model.WebhookEndpoint, bool) {
	endpoint, err := h.repo.GetEndpoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, webhook.ErrEndpointNotFound) {
			h.writeError(w, http.StatusNotFound, "NOT_FOUND", "Webhook not found")
			return nil, false
		}
		h.internalError(w, "failed to get endpoint", err)
		return nil, false
	}
	if endpoint.UserID != auth.UserIDFromContext(r.Context()) {
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", "Webhook not found")
		return nil, false
	}
	return endpoint, true
}

func (h *WebhookHandler) validateURL(ctx context.Context, target string) error {
	if err := middleware.ValidateWebhookURL(target); err != nil {
		return err
	}
	return webhook.ValidateTargetURL(ctx, target, webhook.ValidationOptions{AllowInsecure: h.allowInsecure})
}

func (h *WebhookHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := dto.Decode(r.Body, dst)
	if err == nil {
		return true
	}
	var verr *dto.ValidationError
	if errors.As(err, &verr) {
		h.writeError(w, http.StatusBadRequest, "INVALID_INPUT", verr.Error())
	} else {
		h.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
	}
	return false
}

func (h *WebhookHandler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, "error", err)
	h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
}

func (h *WebhookHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, dto.ErrorResponse{Error: message, Code: code})
}
