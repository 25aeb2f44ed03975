package execution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seawatch/subscriptions/internal/asset"
	"github.com/seawatch/subscriptions/internal/metrics"
	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/movement"
	"github.com/seawatch/subscriptions/internal/notify"
	"github.com/seawatch/subscriptions/internal/repository"
	"github.com/seawatch/subscriptions/internal/storage"
)

var testNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type settled struct {
	done      bool
	keys      []string
	errMsg    string
	next      time.Time
	exhausted bool
}

type memTriggers struct {
	mu      sync.Mutex
	due     []*model.Trigger
	settled map[string]settled
	lease   time.Duration
}

func (m *memTriggers) ClaimDueTriggers(_ context.Context, limit int, lease time.Duration) ([]*model.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lease = lease
	n := min(limit, len(m.due))
	out := m.due[:n]
	m.due = m.due[n:]
	return out, nil
}

func (m *memTriggers) MarkTriggerDone(_ context.Context, id string, keys []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled[id] = settled{done: true, keys: keys}
	return nil
}

func (m *memTriggers) MarkTriggerFailed(_ context.Context, id, errMsg string, next time.Time, exhausted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settled[id] = settled{errMsg: errMsg, next: next, exhausted: exhausted}
	return nil
}

type memSubs map[string]*model.Subscription

func (m memSubs) GetSubscriptionByID(_ context.Context, id string) (*model.Subscription, error) {
	s, ok := m[id]
	if !ok {
		return nil, repository.ErrSubscriptionNotFound
	}
	return s, nil
}

type recordingPublisher struct {
	calls []string
	keys  [][]string
	err   error
}

func (p *recordingPublisher) PublishTriggered(_ context.Context, sub *model.Subscription, t *model.Trigger) error {
	if p.err != nil {
		return p.err
	}
	p.calls = append(p.calls, sub.ID+"/"+t.ID)
	p.keys = append(p.keys, t.ExtractKeys)
	return nil
}

type fixture struct {
	worker    *Worker
	triggers  *memTriggers
	subs      memSubs
	movements *movement.MemorySource
	store     *storage.MemoryStore
	mailer    *notify.LogMailer
	webhooks  *recordingPublisher
	recorder  *metrics.InMemoryRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	assets := asset.NewMemorySource()
	assets.Put(model.Asset{GUID: "a1", ConnectID: "c1", Name: "Maria", CFR: "ESP000000001"})

	f := &fixture{
		triggers: &memTriggers{settled: make(map[string]settled)},
		subs: memSubs{
			"sub1": {
				ID: "sub1", OwnerID: "owner", Name: "Biscay watch", Active: true,
				Output: model.Output{
					MessageType:        model.MessageTypePosition,
					Emails:             []string{"ops@example.com"},
					IncludeAttachments: true,
					WebhookEndpointID:  "ep1",
					VesselIdentifiers:  []model.VesselIdentifier{model.VesselIdentifierCFR},
				},
			},
		},
		movements: movement.NewMemorySource(
			model.Movement{ID: "m1", ConnectID: "c1", Timestamp: testNow.Add(-2 * time.Hour), Lat: 43.5, Lon: -3.25, Speed: 8.5, Course: 270, Source: "AIS"},
			model.Movement{ID: "m2", ConnectID: "c2", Timestamp: testNow.Add(-1 * time.Hour), Lat: 44, Lon: -4},
		),
		store:    storage.NewMemory(),
		mailer:   notify.NewLogMailer(logger),
		webhooks: &recordingPublisher{},
		recorder: metrics.NewInMemory(),
	}

	f.worker = NewWorker(Deps{
		Triggers:      f.triggers,
		Subscriptions: f.subs,
		Movements:     f.movements,
		Assets:        assets,
		Store:         f.store,
		Mailer:        f.mailer,
		Webhooks:      f.webhooks,
	}, time.Second, 10, logger, f.recorder)
	f.worker.now = func() time.Time { return testNow }
	return f
}

func newTrigger(id, subID string) *model.Trigger {
	return &model.Trigger{
		ID:             id,
		SubscriptionID: subID,
		EventID:        "evt-" + id,
		AssetGUID:      "a1",
		ConnectID:      "c1",
		Source:         model.TriggerIncomingPosition,
		Window:         model.OutputWindow{Start: testNow.Add(-24 * time.Hour), End: testNow},
		Status:         model.TriggerStatusPending,
		MaxAttempts:    model.DefaultTriggerMaxAttempts,
	}
}

func TestWorker_ExecutesPositionTrigger(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.triggers.due = []*model.Trigger{newTrigger("trg1", "sub1")}

	require.NoError(t, f.worker.processOnce(context.Background()))

	res := f.triggers.settled["trg1"]
	require.True(t, res.done)
	assert.Equal(t, []string{"extracts/sub1/trg1/positions.csv"}, res.keys)
	assert.Equal(t, DefaultLease, f.triggers.lease)

	obj, ok := f.store.Get("extracts/sub1/trg1/positions.csv")
	require.True(t, ok)
	assert.Equal(t, "text/csv", obj.ContentType)
	lines := strings.Split(strings.TrimSpace(string(obj.Data)), "\n")
	require.Len(t, lines, 2, "header plus the one movement of c1")
	assert.Equal(t, "m1,c1,2026-05-01T10:00:00Z,43.500000,-3.250000,8.50,270.0,AIS", lines[1])

	sent := f.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "[Biscay watch] Maria", sent[0].Subject)
	assert.Contains(t, sent[0].Body, "CFR: ESP000000001")
	require.Len(t, sent[0].Attachments, 1)

	assert.Equal(t, []string{"sub1/trg1"}, f.webhooks.calls)
	assert.Equal(t, res.keys, f.webhooks.keys[0], "webhook sees stored extract keys")

	snap := f.recorder.Snapshot()
	assert.Equal(t, uint64(1), snap.Labelled["triggers_executed:done"])
	assert.Equal(t, uint64(1), snap.Labelled["emails_sent:success"])
	assert.Equal(t, uint64(1), snap.Labelled["execution_duration:count"])
}

func TestWorker_ActivityReportAttachment(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.subs["sub1"].Output.MessageType = model.MessageTypeFAReport
	trg := newTrigger("trg1", "sub1")
	trg.Payload = []byte(`{"report_type":"DECLARATION","species":["HKE"]}`)
	f.triggers.due = []*model.Trigger{trg}

	require.NoError(t, f.worker.processOnce(context.Background()))

	require.True(t, f.triggers.settled["trg1"].done)
	obj, ok := f.store.Get("extracts/sub1/trg1/activity-report.json")
	require.True(t, ok)
	assert.Equal(t, "application/json", obj.ContentType)
	assert.Contains(t, string(obj.Data), `"report_type": "DECLARATION"`)
}

func TestWorker_NoOutputNoEmail(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sub := f.subs["sub1"]
	sub.Output.MessageType = model.MessageTypeNone
	sub.Output.Emails = nil
	f.triggers.due = []*model.Trigger{newTrigger("trg1", "sub1")}

	require.NoError(t, f.worker.processOnce(context.Background()))

	res := f.triggers.settled["trg1"]
	assert.True(t, res.done)
	assert.Empty(t, res.keys)
	assert.Empty(t, f.store.Keys())
	assert.Empty(t, f.mailer.Sent())
	assert.Len(t, f.webhooks.calls, 1)
}

func TestWorker_WithoutObjectStorage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.worker.deps.Store = nil
	f.triggers.due = []*model.Trigger{newTrigger("trg1", "sub1")}

	require.NoError(t, f.worker.processOnce(context.Background()))

	assert.True(t, f.triggers.settled["trg1"].done)
	require.Len(t, f.mailer.Sent(), 1)
	assert.Len(t, f.mailer.Sent()[0].Attachments, 1, "attachments still emailed")
}

func TestWorker_FailureSchedulesRetry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.mailer.FailWith(errors.New("relay down"))
	f.triggers.due = []*model.Trigger{newTrigger("trg1", "sub1")}

	require.NoError(t, f.worker.processOnce(context.Background()))

	res := f.triggers.settled["trg1"]
	assert.False(t, res.done)
	assert.False(t, res.exhausted)
	assert.Contains(t, res.errMsg, "relay down")
	assert.True(t, res.next.After(time.Now()))

	snap := f.recorder.Snapshot()
	assert.Equal(t, uint64(1), snap.Labelled["triggers_executed:failed"])
	assert.Equal(t, uint64(1), snap.Labelled["emails_sent:failed"])
}

func TestWorker_FailureOnLastAttemptExhausts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.store.FailWith(errors.New("bucket gone"))
	trg := newTrigger("trg1", "sub1")
	trg.AttemptCount = trg.MaxAttempts - 1
	f.triggers.due = []*model.Trigger{trg}

	require.NoError(t, f.worker.processOnce(context.Background()))

	res := f.triggers.settled["trg1"]
	assert.True(t, res.exhausted)
	assert.Contains(t, res.errMsg, "bucket gone")
	assert.Empty(t, f.mailer.Sent())
}

func TestWorker_SubscriptionGone(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	deletedAt := testNow.Add(-time.Minute)
	f.subs["sub2"] = &model.Subscription{ID: "sub2", Name: "removed", Active: true, DeletedAt: &deletedAt}
	f.triggers.due = []*model.Trigger{newTrigger("trg1", "missing"), newTrigger("trg2", "sub2")}

	require.NoError(t, f.worker.processOnce(context.Background()))

	for _, id := range []string{"trg1", "trg2"} {
		res := f.triggers.settled[id]
		assert.True(t, res.exhausted, id)
		assert.Equal(t, ErrSubscriptionGone.Error(), res.errMsg, id)
	}
	assert.Empty(t, f.webhooks.calls)
	assert.Equal(t, uint64(2), f.recorder.Snapshot().Labelled["triggers_executed:exhausted"])
}

func TestWorker_InactiveSubscriptionStillDelivers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.subs["sub1"].Active = false
	f.triggers.due = []*model.Trigger{newTrigger("trg1", "sub1")}

	require.NoError(t, f.worker.processOnce(context.Background()))

	res := f.triggers.settled["trg1"]
	assert.True(t, res.done, res.errMsg)
	assert.Len(t, f.mailer.Sent(), 1)
	assert.Equal(t, []string{"sub1/trg1"}, f.webhooks.calls)
}

func TestWorker_MovementFailureRetries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.movements.FailWith(errors.New("movement module unavailable"))
	f.triggers.due = []*model.Trigger{newTrigger("trg1", "sub1")}

	require.NoError(t, f.worker.processOnce(context.Background()))

	res := f.triggers.settled["trg1"]
	assert.False(t, res.exhausted)
	assert.Contains(t, res.errMsg, "fetch movements")
}

func TestWorker_ResolvesConnectIDFromAsset(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	trg := newTrigger("trg1", "sub1")
	trg.ConnectID = ""
	f.triggers.due = []*model.Trigger{trg}

	require.NoError(t, f.worker.processOnce(context.Background()))

	obj, ok := f.store.Get("extracts/sub1/trg1/positions.csv")
	require.True(t, ok)
	assert.Contains(t, string(obj.Data), "m1,c1")
}

func TestWorker_WebhookFailureRetriesBeforeEmail(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.webhooks.err = errors.New("db down")
	f.triggers.due = []*model.Trigger{newTrigger("trg1", "sub1")}

	require.NoError(t, f.worker.processOnce(context.Background()))

	assert.Contains(t, f.triggers.settled["trg1"].errMsg, "publish webhook")
	assert.Empty(t, f.mailer.Sent())
}

func TestWorker_RunTwice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.worker.mu.Lock()
		defer f.worker.mu.Unlock()
		return f.worker.started
	}, time.Second, 5*time.Millisecond)

	assert.Error(t, f.worker.Run(ctx))
	cancel()
	assert.NoError(t, <-done)
}

func TestPositionsCSV_Empty(t *testing.T) {
	t.Parallel()

	data, err := PositionsCSV(nil)
	require.NoError(t, err)
	assert.Equal(t, "id,connect_id,timestamp,lat,lon,speed,course,source\n", string(data))
}
