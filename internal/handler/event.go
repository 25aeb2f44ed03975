package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/oklog/ulid/v2"

	"github.com/seawatch/subscriptions/internal/handler/dto"
	"github.com/seawatch/subscriptions/internal/matcher"
	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/upstream"
)

// EventPublisher enqueues events for asynchronous evaluation.
type EventPublisher interface {
	Publish(ctx context.Context, event *model.Event) (string, error)
}

// EventDryRunner evaluates an event without storing triggers.
type EventDryRunner interface {
	DryRun(ctx context.Context, event *model.Event) (*matcher.Result, error)
}

// EventHandler accepts inbound positions and activity reports.
type EventHandler struct {
	publisher EventPublisher
	evaluator EventDryRunner
	logger    *slog.Logger
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(publisher EventPublisher, evaluator EventDryRunner, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		publisher: publisher,
		evaluator: evaluator,
		logger:    logger.With("handler", "event"),
	}
}

// Submit handles POST /api/v1/events.
func (h *EventHandler) Submit(w http.ResponseWriter, r *http.Request) {
	event, ok := h.decode(w, r)
	if !ok {
		return
	}

	streamID, err := h.publisher.Publish(r.Context(), event)
	if err != nil {
		h.logger.Error("failed to enqueue event", "event_id", event.ID, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, dto.ErrorResponse{
			Error: "Event queue unavailable",
			Code:  "QUEUE_UNAVAILABLE",
		})
		return
	}

	writeJSON(w, http.StatusAccepted, dto.EventAcceptedResponse{
		EventID:  event.ID,
		StreamID: streamID,
		Status:   "queued",
	})
}

// Evaluate handles POST /api/v1/events/evaluate.
func (h *EventHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	event, ok := h.decode(w, r)
	if !ok {
		return
	}

	result, err := h.evaluator.DryRun(r.Context(), event)
	if err != nil {
		if errors.Is(err, upstream.ErrUnavailable) {
			h.logger.Warn("dry run failed", "event_id", event.ID, "error", err)
			writeJSON(w, http.StatusBadGateway, dto.ErrorResponse{
				Error: "Upstream module unavailable",
				Code:  "EXECUTION_FAILURE",
			})
			return
		}
		h.logger.Error("dry run failed", "event_id", event.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, dto.ErrorResponse{
			Error: "Internal server error",
			Code:  "INTERNAL_ERROR",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *EventHandler) decode(w http.ResponseWriter, r *http.Request) (*model.Event, bool) {
	var req dto.EventRequest
	if err := dto.Decode(r.Body, &req); err != nil {
		var verr *dto.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: verr.Error(), Code: "INVALID_INPUT"})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "Invalid request body", Code: "INVALID_JSON"})
		return nil, false
	}

	event := req.ToEvent(ulid.Make().String())
	if err := event.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: err.Error(), Code: "INVALID_INPUT"})
		return nil, false
	}
	return event, true
}
