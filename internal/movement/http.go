package movement

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/upstream"
)

// HTTPSource calls the movement module's REST API.
type HTTPSource struct {
	client *upstream.Client
}

// NewHTTPSource creates a movement source over client.
func NewHTTPSource(client *upstream.Client) *HTTPSource {
	return &HTTPSource{client: client}
}

// ConnectIDsByDateRangeAndGeometry implements Source.
func (s *HTTPSource) ConnectIDsByDateRangeAndGeometry(ctx context.Context, q ConnectIDQuery) (*ConnectIDPage, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var page ConnectIDPage
	if err := s.client.PostJSON(ctx, "/movements/connect-ids", q, &page); err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return &ConnectIDPage{Page: q.Page, TotalPages: q.Page}, nil
		}
		return nil, fmt.Errorf("query connect ids: %w", err)
	}
	if page.Page == 0 {
		page.Page = q.Page
	}
	return &page, nil
}

type movementListResponse struct {
	Movements []model.Movement `json:"movements"`
}

// MovementsByConnectID implements Source.
func (s *HTTPSource) MovementsByConnectID(ctx context.Context, connectID string, window model.OutputWindow) ([]model.Movement, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	query := url.Values{
		"connectId": {connectID},
		"from":      {window.Start.UTC().Format(time.RFC3339)},
		"to":        {window.End.UTC().Format(time.RFC3339)},
	}

	var resp movementListResponse
	if err := s.client.GetJSON(ctx, "/movements", query, &resp); err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list movements for %s: %w", connectID, err)
	}
	return resp.Movements, nil
}
