package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeExpression(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr    string
		h, m    int
		wantErr bool
	}{
		{"06:30", 6, 30, false},
		{"00:00", 0, 0, false},
		{"23:59", 23, 59, false},
		{"24:00", 0, 0, true},
		{"6:30", 0, 0, true},
		{"06:60", 0, 0, true},
		{"", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			h, m, err := ParseTimeExpression(tt.expr)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTimeExpression)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.h, h)
			assert.Equal(t, tt.m, m)
		})
	}
}

func TestFirstExecution(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	later, err := FirstExecution(now, "09:15")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC), later)

	tomorrow, err := FirstExecution(now, "08:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC), tomorrow, "same minute is not after now")
}

func TestNextExecution(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC)

	next, err := NextExecution(from, 7, "09:15")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 3, 17, 9, 15, 0, 0, time.UTC), *next)

	once, err := NextExecution(from, 0, "09:15")
	require.NoError(t, err)
	assert.Nil(t, once)

	_, err = NextExecution(from, -1, "09:15")
	assert.Error(t, err)

	_, err = NextExecution(from, 1, "nine")
	assert.ErrorIs(t, err, ErrInvalidTimeExpression)
}

func TestNextAfter_SkipsMissedRuns(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)

	next, err := NextAfter(from, now, 2, "06:00")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 3, 11, 6, 0, 0, 0, time.UTC), *next)
}
