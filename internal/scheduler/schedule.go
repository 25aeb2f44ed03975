// Package scheduler fires SCHEDULER subscriptions at their configured time of day.
package scheduler

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTimeExpression is returned for time expressions that are not HH:MM.
var ErrInvalidTimeExpression = errors.New("time expression must be HH:MM")

// ParseTimeExpression parses "HH:MM" (UTC) into hour and minute.
func ParseTimeExpression(expr string) (int, int, error) {
	t, err := time.Parse("15:04", expr)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTimeExpression, expr)
	}
	return t.Hour(), t.Minute(), nil
}

// FirstExecution returns the first HH:MM strictly after now.
func FirstExecution(now time.Time, timeExpression string) (time.Time, error) {
	h, m, err := ParseTimeExpression(timeExpression)
	if err != nil {
		return time.Time{}, err
	}
	now = now.UTC()
	next := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, time.UTC)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

// NextExecution returns the run that follows one at from: frequency days
// later at HH:MM. A frequency of 0 means the subscription runs once and nil
// is returned.
func NextExecution(from time.Time, frequency int, timeExpression string) (*time.Time, error) {
	if frequency < 0 {
		return nil, fmt.Errorf("frequency must not be negative: %d", frequency)
	}
	h, m, err := ParseTimeExpression(timeExpression)
	if err != nil {
		return nil, err
	}
	if frequency == 0 {
		return nil, nil
	}

	from = from.UTC()
	next := time.Date(from.Year(), from.Month(), from.Day(), h, m, 0, 0, time.UTC).AddDate(0, 0, frequency)
	return &next, nil
}

// NextAfter advances from by frequency until the result is after now, so
// missed runs are skipped rather than replayed.
func NextAfter(from, now time.Time, frequency int, timeExpression string) (*time.Time, error) {
	next, err := NextExecution(from, frequency, timeExpression)
	for err == nil && next != nil && !next.After(now) {
		next, err = NextExecution(*next, frequency, timeExpression)
	}
	return next, err
}
