package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seawatch/subscriptions/internal/auth"
	"github.com/seawatch/subscriptions/internal/handler/dto"
	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/service"
)

// SubscriptionHandler handles HTTP requests for subscription operations.
type SubscriptionHandler struct {
	svc    *service.SubscriptionService
	logger *slog.Logger
	now    func() time.Time
}

// NewSubscriptionHandler creates a new SubscriptionHandler.
func NewSubscriptionHandler(svc *service.SubscriptionService, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		svc:    svc,
		logger: logger.With("handler", "subscription"),
		now:    time.Now,
	}
}

// Create handles POST /api/v1/subscriptions.
func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req dto.SubscriptionRequest
	if err := dto.Decode(r.Body, &req); err != nil {
		h.handleDecodeError(w, err)
		return
	}

	sub, err := h.svc.Create(r.Context(), service.CreateSubscriptionInput{
		OwnerID:           auth.UserIDFromContext(r.Context()),
		SubscriptionInput: req.ToInput(),
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, dto.ToSubscriptionResponse(sub, h.now()))
}

// Get handles GET /api/v1/subscriptions/{id}.
func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.Get(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dto.ToSubscriptionResponse(sub, h.now()))
}

// List handles GET /api/v1/subscriptions.
func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	input := service.ListSubscriptionsInput{
		CallerID:    auth.UserIDFromContext(r.Context()),
		Cursor:      query.Get("cursor"),
		Name:        query.Get("name"),
		TriggerType: model.TriggerType(query.Get("trigger_type")),
		MessageType: model.MessageType(query.Get("message_type")),
		AssetGUID:   query.Get("asset_guid"),
	}
	if l := query.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			input.Limit = parsed
		}
	}
	if a := query.Get("active"); a != "" {
		active, err := strconv.ParseBool(a)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "INVALID_INPUT", "active must be true or false")
			return
		}
		input.Active = &active
	}

	result, err := h.svc.List(r.Context(), input)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, dto.ToSubscriptionListResponse(result.Subscriptions, h.now(), result.NextCursor, result.HasMore))
}

// Update handles PUT /api/v1/subscriptions/{id}.
func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req dto.SubscriptionRequest
	if err := dto.Decode(r.Body, &req); err != nil {
		h.handleDecodeError(w, err)
		return
	}

	sub, err := h.svc.Update(r.Context(), service.UpdateSubscriptionInput{
		ID:                chi.URLParam(r, "id"),
		CallerID:          auth.UserIDFromContext(r.Context()),
		SubscriptionInput: req.ToInput(),
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	h.logger.Info("subscription_updated", "subscription_id", sub.ID)
	writeJSON(w, http.StatusOK, dto.ToSubscriptionResponse(sub, h.now()))
}

// Delete handles DELETE /api/v1/subscriptions/{id}.
func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id")); err != nil {
		h.handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Activate handles POST /api/v1/subscriptions/{id}/activate.
func (h *SubscriptionHandler) Activate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// Deactivate handles POST /api/v1/subscriptions/{id}/deactivate.
func (h *SubscriptionHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *SubscriptionHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	sub, err := h.svc.SetActive(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"), active)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.ToSubscriptionResponse(sub, h.now()))
}

// NameAvailable handles GET /api/v1/subscriptions/name-available?name=.
func (h *SubscriptionHandler) NameAvailable(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	available, err := h.svc.NameAvailable(r.Context(), auth.UserIDFromContext(r.Context()), name)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.NameAvailableResponse{Name: name, Available: available})
}

// Trigger handles POST /api/v1/subscriptions/{id}/trigger. The body is optional.
func (h *SubscriptionHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req dto.ManualTriggerRequest
	if r.ContentLength != 0 {
		if err := dto.Decode(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
			h.handleDecodeError(w, err)
			return
		}
	}

	triggers, err := h.svc.TriggerManually(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"), service.ManualTriggerInput{
		AssetGUIDs: req.AssetGUIDs,
		Start:      req.Start,
		End:        req.End,
	})
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, dto.TriggerListResponse{Data: triggers})
}

// Triggers handles GET /api/v1/subscriptions/{id}/triggers.
func (h *SubscriptionHandler) Triggers(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	triggers, err := h.svc.ListTriggers(r.Context(), auth.UserIDFromContext(r.Context()), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}
	if triggers == nil {
		triggers = []*model.Trigger{}
	}

	writeJSON(w, http.StatusOK, dto.TriggerListResponse{Data: triggers})
}

func (h *SubscriptionHandler) handleDecodeError(w http.ResponseWriter, err error) {
	var verr *dto.ValidationError
	if errors.As(err, &verr) {
		h.writeError(w, http.StatusBadRequest, "INVALID_INPUT", verr.Error())
		return
	}
	h.writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
}

// handleServiceError maps service errors to HTTP responses.
func (h *SubscriptionHandler) handleServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrSubscriptionNotFound):
		h.writeError(w, http.StatusNotFound, "NOT_FOUND", "Subscription not found")
	case errors.Is(err, service.ErrNotAuthorised):
		h.writeError(w, http.StatusForbidden, "NOT_AUTHORISED", "Not authorised for this subscription")
	case errors.Is(err, service.ErrNameTaken):
		h.writeError(w, http.StatusConflict, "NAME_TAKEN", "Subscription name already taken")
	case errors.Is(err, service.ErrInvalidInput):
		h.writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, service.ErrExecutionFailure):
		h.logger.Warn("subscription execution failed", "error", err)
		h.writeError(w, http.StatusBadGateway, "EXECUTION_FAILURE", "Upstream module unavailable")
	default:
		h.logger.Error("internal error", "error", err)
		h.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

func (h *SubscriptionHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, dto.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
