package model

import (
	"errors"
	"time"
)

// ErrWindowOrder is returned when a window starts after it ends.
var ErrWindowOrder = errors.New("output window start must not be after end")

// DefaultHistoryDays is used when a subscription has no history configured.
const DefaultHistoryDays = 1

// OutputWindow is a start/end date range used to scope queries.
// The zero value is not a valid window.
type OutputWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewOutputWindow returns a window in UTC, rejecting start > end.
func NewOutputWindow(start, end time.Time) (OutputWindow, error) {
	w := OutputWindow{Start: start.UTC(), End: end.UTC()}
	if err := w.Validate(); err != nil {
		return OutputWindow{}, err
	}
	return w, nil
}

// Validate checks that the window is set and ordered.
func (w OutputWindow) Validate() error {
	if w.Start.IsZero() || w.End.IsZero() {
		return errors.New("output window start and end are required")
	}
	if w.Start.After(w.End) {
		return ErrWindowOrder
	}
	return nil
}

// Contains reports whether t falls inside the window, bounds included.
func (w OutputWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Duration returns the length of the window.
func (w OutputWindow) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Span returns the smallest window covering both w and o.
func (w OutputWindow) Span(o OutputWindow) OutputWindow {
	out := w
	if o.Start.Before(out.Start) {
		out.Start = o.Start
	}
	if o.End.After(out.End) {
		out.End = o.End
	}
	return out
}

// IsZero reports whether neither bound is set.
func (w OutputWindow) IsZero() bool {
	return w.Start.IsZero() && w.End.IsZero()
}

// WindowEndingAt returns the window [t - history, t].
// A non-positive history falls back to DefaultHistoryDays.
func WindowEndingAt(t time.Time, history int, unit HistoryUnit) OutputWindow {
	end := t.UTC()
	if history <= 0 {
		return OutputWindow{Start: end.AddDate(0, 0, -DefaultHistoryDays), End: end}
	}

	var start time.Time
	switch unit {
	case HistoryUnitWeeks:
		start = end.AddDate(0, 0, -7*history)
	case HistoryUnitMonths:
		start = end.AddDate(0, -history, 0)
	default:
		start = end.AddDate(0, 0, -history)
	}
	return OutputWindow{Start: start, End: end}
}
