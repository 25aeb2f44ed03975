// Package filter narrows candidate assets to those whose movements fall inside
// a subscription's areas during an output window.
package filter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/seawatch/subscriptions/internal/geo"
	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/movement"
)

const (
	DefaultPageSize = 1000
	DefaultMaxPages = 100
)

var (
	// ErrTooManyPages is returned when the movement module keeps paging past MaxPages.
	ErrTooManyPages = errors.New("movement lookup exceeded page limit")
	// ErrInvalidArea is returned when a subscription area cannot be parsed.
	ErrInvalidArea = errors.New("invalid subscription area")
)

// Verdict is the outcome of a local geometry check.
type Verdict int

const (
	// Undecided means the event carries no usable geometry.
	Undecided Verdict = iota
	Inside
	Outside
)

// AreaFilterer filters assets by subscription areas using the movement module.
type AreaFilterer struct {
	movements movement.Source
	pageSize  int
	maxPages  int
	logger    *slog.Logger
}

// New creates an AreaFilterer. Non-positive limits fall back to the defaults.
func New(movements movement.Source, pageSize, maxPages int, logger *slog.Logger) *AreaFilterer {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &AreaFilterer{
		movements: movements,
		pageSize:  pageSize,
		maxPages:  maxPages,
		logger:    logger.With("component", "filter"),
	}
}

// FilterAssetsBySubscriptionAreas returns the candidates that have movements
// inside areas during window, in candidate order. With no areas the
// candidates pass unchanged. With no candidates every matching connect ID is
// returned, sorted.
func (f *AreaFilterer) FilterAssetsBySubscriptionAreas(ctx context.Context, areas []model.AreaRef, candidates []string, window model.OutputWindow) ([]string, error) {
	if len(areas) == 0 {
		return dedupe(candidates), nil
	}
	if err := window.Validate(); err != nil {
		return nil, err
	}

	union, err := UnionWKT(areas)
	if err != nil {
		return nil, err
	}

	found, err := f.GetConnectIDsByDateRangeAndGeometry(ctx, window, union)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		slices.Sort(found)
		return found, nil
	}

	hits := make(map[string]struct{}, len(found))
	for _, id := range found {
		hits[id] = struct{}{}
	}
	out := make([]string, 0, len(candidates))
	for _, id := range dedupe(candidates) {
		if _, ok := hits[id]; ok {
			out = append(out, id)
		}
	}

	f.logger.Debug("filtered assets by area",
		"areas", len(areas),
		"candidates", len(candidates),
		"matched", len(out),
	)
	return out, nil
}

// GetConnectIDsByDateRangeAndGeometry pages through the movement module and
// returns every distinct connect ID with a position inside wkt during window.
func (f *AreaFilterer) GetConnectIDsByDateRangeAndGeometry(ctx context.Context, window model.OutputWindow, wkt string) ([]string, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	ids := make([]string, 0)

	for page := 1; ; page++ {
		if page > f.maxPages {
			return nil, fmt.Errorf("%w: %d pages of %d", ErrTooManyPages, f.maxPages, f.pageSize)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := f.movements.ConnectIDsByDateRangeAndGeometry(ctx, movement.ConnectIDQuery{
			Start:    window.Start,
			End:      window.End,
			WKT:      wkt,
			Page:     page,
			PageSize: f.pageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("connect ids page %d: %w", page, err)
		}

		for _, id := range res.ConnectIDs {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}

		if res.Last(f.pageSize) {
			return ids, nil
		}
	}
}

// EventInAreas checks the event geometry against the areas locally.
func EventInAreas(event *model.Event, areas []model.AreaRef) (Verdict, error) {
	if len(areas) == 0 {
		return Inside, nil
	}
	if event.Geometry == "" {
		return Undecided, nil
	}

	g, err := geo.ParseGeometry(event.Geometry)
	if err != nil {
		return Undecided, err
	}

	for _, ref := range areas {
		area, err := geo.ParseArea(ref.WKT)
		if err != nil {
			return Undecided, fmt.Errorf("%w %q: %w", ErrInvalidArea, ref.Code, err)
		}
		if area.Intersects(g) {
			return Inside, nil
		}
	}
	return Outside, nil
}

// UnionWKT parses every area and merges them into one MULTIPOLYGON.
func UnionWKT(areas []model.AreaRef) (string, error) {
	parsed := make([]*geo.Area, 0, len(areas))
	for _, ref := range areas {
		a, err := geo.ParseArea(ref.WKT)
		if err != nil {
			return "", fmt.Errorf("%w %q: %w", ErrInvalidArea, ref.Code, err)
		}
		parsed = append(parsed, a)
	}
	return geo.Union(parsed...)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
