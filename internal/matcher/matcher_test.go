package matcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seawatch/subscriptions/internal/asset"
	"github.com/seawatch/subscriptions/internal/filter"
	"github.com/seawatch/subscriptions/internal/metrics"
	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/movement"
)

const biscay = "POLYGON((-10 43, -1 43, -1 48, -10 48, -10 43))"

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type staticCandidates struct {
	subs map[model.TriggerType][]model.Subscription
	err  error
}

func (s *staticCandidates) Candidates(ctx context.Context, tt model.TriggerType) ([]model.Subscription, error) {
	return s.subs[tt], s.err
}

func (s *staticCandidates) ListActiveByTriggerType(ctx context.Context, tt model.TriggerType) ([]model.Subscription, error) {
	return s.Candidates(ctx, tt)
}

type memTriggers struct {
	mu   sync.Mutex
	keys map[string]struct{}
	all  []*model.Trigger
}

func newMemTriggers() *memTriggers {
	return &memTriggers{keys: make(map[string]struct{})}
}

func (m *memTriggers) CreateTrigger(ctx context.Context, t *model.Trigger) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fmt.Sprintf("%s|%s|%s", t.SubscriptionID, t.EventID, t.AssetGUID)
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = struct{}{}
	m.all = append(m.all, t)
	return true, nil
}

func logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func subscription(id string, mutate func(*model.Subscription)) model.Subscription {
	s := model.Subscription{
		ID:            id,
		OwnerID:       "owner",
		Name:          id,
		Active:        true,
		Accessibility: model.AccessibilityPrivate,
		Output:        model.Output{MessageType: model.MessageTypePosition, History: 2, HistoryUnit: model.HistoryUnitDays},
		Execution:     model.Execution{TriggerType: model.TriggerIncomingPosition},
	}
	if mutate != nil {
		mutate(&s)
	}
	return s
}

type env struct {
	eval      *Evaluator
	triggers  *memTriggers
	movements *movement.MemorySource
	recorder  *metrics.InMemoryRecorder
}

func newEnv(subs ...model.Subscription) *env {
	assets := asset.NewMemorySource()
	assets.Put(
		model.Asset{GUID: "a1", ConnectID: "c1", CFR: "ESP000000001"},
		model.Asset{GUID: "a2", ConnectID: "c2"},
	)
	assets.PutGroup("fleet", "a2")

	movements := movement.NewMemorySource(
		model.Movement{ID: "m1", ConnectID: "c1", Timestamp: now.Add(-time.Hour), Lat: 45, Lon: -5},
		model.Movement{ID: "m2", ConnectID: "c2", Timestamp: now.Add(-time.Hour), Lat: 60, Lon: 20},
	)

	byType := make(map[model.TriggerType][]model.Subscription)
	for _, s := range subs {
		byType[s.Execution.TriggerType] = append(byType[s.Execution.TriggerType], s)
	}

	triggers := newMemTriggers()
	recorder := metrics.NewInMemory()
	e := New(
		&staticCandidates{subs: byType},
		triggers,
		asset.NewResolver(assets, nil, 0, logger()),
		filter.New(movements, 0, 0, logger()),
		recorder,
		logger(),
	)
	e.now = func() time.Time { return now }
	return &env{eval: e, triggers: triggers, movements: movements, recorder: recorder}
}

func position(assetGUID, geometry string) *model.Event {
	return &model.Event{
		ID:         "evt-" + assetGUID,
		Type:       model.InboundPosition,
		AssetGUID:  assetGUID,
		OccurredAt: now,
		Geometry:   geometry,
		Payload:    []byte(`{"speed": 8.5, "source": "INMARSAT_C"}`),
	}
}

func TestEvaluate_Matching(t *testing.T) {
	t.Parallel()

	past := now.Add(-48 * time.Hour)
	yesterday := now.Add(-24 * time.Hour)

	tests := []struct {
		name   string
		sub    model.Subscription
		event  *model.Event
		match  bool
		reason string
	}{
		{
			name:  "no restrictions",
			sub:   subscription("s", nil),
			event: position("a1", ""),
			match: true,
		},
		{
			name:   "inactive",
			sub:    subscription("s", func(s *model.Subscription) { s.Active = false }),
			event:  position("a1", ""),
			reason: SkipInactive,
		},
		{
			name: "expired",
			sub: subscription("s", func(s *model.Subscription) {
				s.StartDate = &past
				s.EndDate = &yesterday
			}),
			event:  position("a1", ""),
			reason: SkipInactive,
		},
		{
			name: "direct asset",
			sub: subscription("s", func(s *model.Subscription) {
				s.Assets = []model.AssetRef{{GUID: "a1", Type: model.AssetRefAsset}}
			}),
			event: position("a1", ""),
			match: true,
		},
		{
			name: "other asset",
			sub: subscription("s", func(s *model.Subscription) {
				s.Assets = []model.AssetRef{{GUID: "a2", Type: model.AssetRefAsset}}
			}),
			event:  position("a1", ""),
			reason: SkipAsset,
		},
		{
			name: "asset through group",
			sub: subscription("s", func(s *model.Subscription) {
				s.Assets = []model.AssetRef{{GUID: "fleet", Type: model.AssetRefGroup}}
			}),
			event: position("a2", ""),
			match: true,
		},
		{
			name: "condition fails",
			sub: subscription("s", func(s *model.Subscription) {
				s.Conditions = []model.Condition{{Field: "speed", Operator: model.OpGreaterThan, Value: 10}}
			}),
			event:  position("a1", ""),
			reason: SkipConditions,
		},
		{
			name: "point inside area",
			sub: subscription("s", func(s *model.Subscription) {
				s.Areas = []model.AreaRef{{Code: "BISCAY", Type: model.AreaTypeUserArea, WKT: biscay}}
			}),
			event: position("a2", "POINT(-5 45)"),
			match: true,
		},
		{
			name: "point outside area",
			sub: subscription("s", func(s *model.Subscription) {
				s.Areas = []model.AreaRef{{Code: "BISCAY", Type: model.AreaTypeUserArea, WKT: biscay}}
			}),
			event:  position("a1", "POINT(20 20)"),
			reason: SkipArea,
		},
		{
			name: "no geometry confirmed by movements",
			sub: subscription("s", func(s *model.Subscription) {
				s.Areas = []model.AreaRef{{Code: "BISCAY", Type: model.AreaTypeUserArea, WKT: biscay}}
			}),
			event: position("a1", ""),
			match: true,
		},
		{
			name: "no geometry rejected by movements",
			sub: subscription("s", func(s *model.Subscription) {
				s.Areas = []model.AreaRef{{Code: "BISCAY", Type: model.AreaTypeUserArea, WKT: biscay}}
			}),
			event:  position("a2", ""),
			reason: SkipArea,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(tt.sub)

			res, err := e.eval.Evaluate(context.Background(), tt.event)
			require.NoError(t, err)

			if tt.match {
				assert.Equal(t, []string{tt.sub.ID}, res.Matched)
				require.Len(t, res.Triggers, 1)
				assert.Equal(t, model.TriggerStatusPending, res.Triggers[0].Status)
				assert.Equal(t, model.TriggerIncomingPosition, res.Triggers[0].Source)
				assert.Len(t, e.triggers.all, 1)
				return
			}
			assert.Empty(t, res.Matched)
			assert.Equal(t, 1, res.Skipped[tt.reason])
			assert.Empty(t, e.triggers.all)
		})
	}
}

func TestEvaluate_TriggerFields(t *testing.T) {
	t.Parallel()

	e := newEnv(subscription("s1", nil))
	res, err := e.eval.Evaluate(context.Background(), position("a1", ""))
	require.NoError(t, err)
	require.Len(t, res.Triggers, 1)

	tr := res.Triggers[0]
	assert.NotEmpty(t, tr.ID)
	assert.Equal(t, "s1", tr.SubscriptionID)
	assert.Equal(t, "evt-a1", tr.EventID)
	assert.Equal(t, "a1", tr.AssetGUID)
	assert.Equal(t, "c1", tr.ConnectID, "connect id is resolved from the asset")
	assert.Equal(t, now.Add(-48*time.Hour), tr.Window.Start)
	assert.Equal(t, now, tr.Window.End)
	assert.Equal(t, model.DefaultTriggerMaxAttempts, tr.MaxAttempts)

	snap := e.recorder.Snapshot()
	assert.Equal(t, uint64(1), snap.EventsEvaluated)
	assert.Equal(t, uint64(1), snap.TriggersCreated)
}

func TestEvaluate_TriggerWindowCoversEventWindow(t *testing.T) {
	t.Parallel()

	e := newEnv(subscription("s1", nil))
	event := position("a1", "")
	trip := model.OutputWindow{Start: now.Add(-5 * 24 * time.Hour), End: now.Add(-time.Hour)}
	event.Window = &trip

	res, err := e.eval.Evaluate(context.Background(), event)
	require.NoError(t, err)
	require.Len(t, res.Triggers, 1)
	assert.Equal(t, model.OutputWindow{Start: trip.Start, End: now}, res.Triggers[0].Window)
}

func TestEvaluate_DuplicateEvent(t *testing.T) {
	t.Parallel()

	e := newEnv(subscription("s1", nil))
	ctx := context.Background()

	_, err := e.eval.Evaluate(ctx, position("a1", ""))
	require.NoError(t, err)

	res, err := e.eval.Evaluate(ctx, position("a1", ""))
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, res.Matched)
	assert.Empty(t, res.Triggers)
	assert.Equal(t, 1, res.Skipped[SkipDuplicate])
	assert.Len(t, e.triggers.all, 1)
}

func TestDryRun_DoesNotPersist(t *testing.T) {
	t.Parallel()

	e := newEnv(subscription("s1", nil), subscription("s2", nil))
	res, err := e.eval.DryRun(context.Background(), position("a1", ""))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"s1", "s2"}, res.Matched)
	assert.Len(t, res.Triggers, 2)
	assert.Empty(t, e.triggers.all)
}

func TestEvaluate_OnlyMatchingTriggerType(t *testing.T) {
	t.Parallel()

	fa := subscription("fa", func(s *model.Subscription) {
		s.Execution.TriggerType = model.TriggerIncomingFAReport
	})
	e := newEnv(fa, subscription("pos", nil))

	event := position("a1", "")
	event.Type = model.InboundFAReport
	res, err := e.eval.Evaluate(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, []string{"fa"}, res.Matched)
	assert.Equal(t, model.TriggerIncomingFAReport, res.Triggers[0].Source)
}

func TestEvaluate_Errors(t *testing.T) {
	t.Parallel()

	t.Run("invalid event", func(t *testing.T) {
		t.Parallel()
		e := newEnv()
		_, err := e.eval.Evaluate(context.Background(), &model.Event{Type: model.InboundPosition})
		assert.ErrorIs(t, err, model.ErrEventIDRequired)
	})

	t.Run("movement module down", func(t *testing.T) {
		t.Parallel()
		e := newEnv(subscription("s", func(s *model.Subscription) {
			s.Areas = []model.AreaRef{{Code: "BISCAY", WKT: biscay}}
		}))
		boom := errors.New("movement down")
		e.movements.FailWith(boom)

		_, err := e.eval.Evaluate(context.Background(), position("a1", ""))
		assert.ErrorIs(t, err, boom)
	})
}

func TestCachedCandidates(t *testing.T) {
	t.Parallel()

	repo := &staticCandidates{subs: map[model.TriggerType][]model.Subscription{
		model.TriggerIncomingPosition: {subscription("s1", nil)},
	}}
	cache := &mapCandidateCache{entries: make(map[model.TriggerType][]model.Subscription)}
	recorder := metrics.NewInMemory()
	c := NewCachedCandidates(repo, cache, 0, recorder, logger())

	for i := 0; i < 2; i++ {
		subs, err := c.Candidates(context.Background(), model.TriggerIncomingPosition)
		require.NoError(t, err)
		assert.Len(t, subs, 1)
	}

	snap := recorder.Snapshot()
	assert.Equal(t, uint64(1), snap.CandidateCacheMisses)
	assert.Equal(t, uint64(1), snap.CandidateCacheHits)
}

type mapCandidateCache struct {
	mu      sync.Mutex
	entries map[model.TriggerType][]model.Subscription
}

func (m *mapCandidateCache) GetCandidates(ctx context.Context, tt model.TriggerType) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.entries[tt]
	if !ok {
		return nil, errors.New("miss")
	}
	return subs, nil
}

func (m *mapCandidateCache) SetCandidates(ctx context.Context, tt model.TriggerType, subs []model.Subscription, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[tt] = subs
	return nil
}
