package movement

import (
	"context"
	"slices"
	"sync"

	"github.com/seawatch/subscriptions/internal/geo"
	"github.com/seawatch/subscriptions/internal/model"
)

// MemorySource is an in-memory Source for development and tests.
// It answers geometry queries by testing stored positions against the area.
type MemorySource struct {
	mu        sync.RWMutex
	movements []model.Movement
	queries   []ConnectIDQuery
	err       error
}

// NewMemorySource creates a MemorySource seeded with movements.
func NewMemorySource(movements ...model.Movement) *MemorySource {
	return &MemorySource{movements: slices.Clone(movements)}
}

// Add stores more movements.
func (m *MemorySource) Add(movements ...model.Movement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.movements = append(m.movements, movements...)
}

// FailWith makes every call return err until cleared with nil.
func (m *MemorySource) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Queries returns the connect-id queries received so far.
func (m *MemorySource) Queries() []ConnectIDQuery {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.queries)
}

// ConnectIDsByDateRangeAndGeometry implements Source.
func (m *MemorySource) ConnectIDsByDateRangeAndGeometry(ctx context.Context, q ConnectIDQuery) (*ConnectIDPage, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.queries = append(m.queries, q)
	failure := m.err
	m.mu.Unlock()
	if failure != nil {
		return nil, failure
	}

	area, err := geo.ParseArea(q.WKT)
	if err != nil {
		return nil, err
	}
	window := model.OutputWindow{Start: q.Start, End: q.End}

	m.mu.RLock()
	seen := make(map[string]struct{})
	for _, mv := range m.movements {
		if !window.Contains(mv.Timestamp) || !area.Contains(mv.Lat, mv.Lon) {
			continue
		}
		seen[mv.ConnectID] = struct{}{}
	}
	m.mu.RUnlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	totalPages := (len(ids) + q.PageSize - 1) / q.PageSize
	if totalPages == 0 {
		totalPages = 1
	}
	start := (q.Page - 1) * q.PageSize
	if start > len(ids) {
		start = len(ids)
	}
	end := min(start+q.PageSize, len(ids))

	return &ConnectIDPage{
		ConnectIDs: ids[start:end],
		Page:       q.Page,
		TotalPages: totalPages,
	}, nil
}

// MovementsByConnectID implements Source.
func (m *MemorySource) MovementsByConnectID(ctx context.Context, connectID string, window model.OutputWindow) ([]model.Movement, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}

	var out []model.Movement
	for _, mv := range m.movements {
		if mv.ConnectID == connectID && window.Contains(mv.Timestamp) {
			out = append(out, mv)
		}
	}
	slices.SortFunc(out, func(a, b model.Movement) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}
