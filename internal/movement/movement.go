// Package movement is the port to the movement module: which assets reported
// positions inside a geometry during a date range, and their tracks.
package movement

import (
	"context"
	"errors"
	"time"

	"github.com/seawatch/subscriptions/internal/model"
)

// ErrInvalidQuery is returned for queries the movement module would reject.
var ErrInvalidQuery = errors.New("invalid movement query")

// ConnectIDQuery selects assets with positions inside WKT during [Start, End].
// Page is 1-based.
type ConnectIDQuery struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	WKT      string    `json:"wkt"`
	Page     int       `json:"page"`
	PageSize int       `json:"page_size"`
}

// Validate checks the query before it is sent.
func (q ConnectIDQuery) Validate() error {
	if q.Start.After(q.End) {
		return model.ErrWindowOrder
	}
	if q.WKT == "" || q.Page < 1 || q.PageSize < 1 {
		return ErrInvalidQuery
	}
	return nil
}

// ConnectIDPage is one page of connect IDs.
type ConnectIDPage struct {
	ConnectIDs []string `json:"connect_ids"`
	Page       int      `json:"page"`
	TotalPages int      `json:"total_pages"`
}

// Last reports whether no further pages follow.
func (p *ConnectIDPage) Last(pageSize int) bool {
	if p.TotalPages > 0 {
		return p.Page >= p.TotalPages
	}
	return len(p.ConnectIDs) < pageSize
}

// Source is the capability the movement module provides.
type Source interface {
	ConnectIDsByDateRangeAndGeometry(ctx context.Context, q ConnectIDQuery) (*ConnectIDPage, error)
	MovementsByConnectID(ctx context.Context, connectID string, window model.OutputWindow) ([]model.Movement, error)
}
