package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seawatch/subscriptions/internal/asset"
	"github.com/seawatch/subscriptions/internal/auth"
	"github.com/seawatch/subscriptions/internal/filter"
	"github.com/seawatch/subscriptions/internal/handler/dto"
	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/movement"
	"github.com/seawatch/subscriptions/internal/repository"
	"github.com/seawatch/subscriptions/internal/service"
)

type subStore struct {
	mu       sync.Mutex
	subs     map[string]*model.Subscription
	triggers []*model.Trigger
}

func newSubStore() *subStore {
	return &subStore{subs: make(map[string]*model.Subscription)}
}

func (m *subStore) CreateSubscription(_ context.Context, s *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.subs[s.ID] = &cp
	return nil
}

func (m *subStore) GetSubscriptionByID(_ context.Context, id string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, repository.ErrSubscriptionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *subStore) ListSubscriptions(_ context.Context, f repository.SubscriptionFilter, _ string, _ int) ([]*model.Subscription, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Subscription
	for _, s := range m.subs {
		if s.VisibleTo(f.ViewerID) {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, "", nil
}

func (m *subStore) UpdateSubscription(_ context.Context, s *model.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.subs[s.ID] = &cp
	return nil
}

func (m *subStore) SetSubscriptionActive(_ context.Context, id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.subs[id]; ok {
		s.Active = active
	}
	return nil
}

func (m *subStore) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}

func (m *subStore) SubscriptionNameExists(_ context.Context, ownerID, name, excludeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subs {
		if s.OwnerID == ownerID && s.ID != excludeID && strings.EqualFold(s.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

func (m *subStore) CreateTrigger(_ context.Context, t *model.Trigger) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers = append(m.triggers, t)
	return true, nil
}

func (m *subStore) ListTriggersBySubscription(_ context.Context, subscriptionID string, _ int) ([]*model.Trigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Trigger
	for _, t := range m.triggers {
		if t.SubscriptionID == subscriptionID {
			out = append(out, t)
		}
	}
	return out, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSubscriptionHandler(t *testing.T) (*SubscriptionHandler, *subStore) {
	t.Helper()
	logger := discardLogger()

	assets := asset.NewMemorySource()
	assets.Put(model.Asset{GUID: "a1", ConnectID: "c1"})
	movements := movement.NewMemorySource()

	store := newSubStore()
	svc := service.NewSubscriptionService(
		store,
		nil,
		asset.NewResolver(assets, nil, 0, logger),
		filter.New(movements, 0, 0, logger),
		nil,
		logger,
	)
	return NewSubscriptionHandler(svc, logger), store
}

// serve routes a request through chi so URL params resolve.
func serve(pattern, method, target, userID string, body string, h http.HandlerFunc) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.Method(method, pattern, h)

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if userID != "" {
		req = req.WithContext(auth.ContextWithAuth(req.Context(), &model.AuthContext{
			KeyID:  "key-" + userID,
			UserID: userID,
			Scopes: []string{model.ScopeRead, model.ScopeWrite, model.ScopeTrigger},
		}))
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

const createBody = `{
	"name": "Biscay watch",
	"active": true,
	"output": {"message_type": "POSITION", "emails": ["ops@example.com"], "history": 1, "history_unit": "DAYS"},
	"execution": {"trigger_type": "INC_POSITION"},
	"assets": [{"guid": "a1", "type": "ASSET"}]
}`

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) dto.ErrorResponse {
	t.Helper()
	var resp dto.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestSubscriptionHandler_Create(t *testing.T) {
	t.Parallel()
	h, store := newTestSubscriptionHandler(t)

	rec := serve("/subscriptions", http.MethodPost, "/subscriptions", "u1", createBody, h.Create)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp dto.SubscriptionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "Biscay watch", resp.Name)
	assert.Equal(t, "u1", resp.OwnerID)
	assert.Len(t, store.subs, 1)

	rec = serve("/subscriptions", http.MethodPost, "/subscriptions", "u1", createBody, h.Create)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NAME_TAKEN", decodeError(t, rec).Code)
}

func TestSubscriptionHandler_CreateBadRequests(t *testing.T) {
	t.Parallel()
	h, _ := newTestSubscriptionHandler(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed", `{"name":`, "INVALID_JSON"},
		{"unknown field", `{"name":"x","bogus":1}`, "INVALID_JSON"},
		{"missing name", `{"execution":{"trigger_type":"INC_POSITION"}}`, "INVALID_INPUT"},
		{"bad email", `{"name":"x","output":{"emails":["nope"]},"execution":{"trigger_type":"INC_POSITION"}}`, "INVALID_INPUT"},
		{"service validation", `{"name":"x","execution":{"trigger_type":"NEVER"}}`, "INVALID_INPUT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := serve("/subscriptions", http.MethodPost, "/subscriptions", "u1", tt.body, h.Create)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decodeError(t, rec).Code)
		})
	}
}

func TestSubscriptionHandler_OwnershipAndNotFound(t *testing.T) {
	t.Parallel()
	h, _ := newTestSubscriptionHandler(t)

	rec := serve("/subscriptions", http.MethodPost, "/subscriptions", "u1", createBody, h.Create)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created dto.SubscriptionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = serve("/subscriptions/{id}", http.MethodGet, "/subscriptions/"+created.ID, "u1", "", h.Get)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve("/subscriptions/{id}", http.MethodGet, "/subscriptions/missing", "u1", "", h.Get)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)

	rec = serve("/subscriptions/{id}", http.MethodDelete, "/subscriptions/"+created.ID, "u2", "", h.Delete)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "NOT_AUTHORISED", decodeError(t, rec).Code)

	rec = serve("/subscriptions/{id}/deactivate", http.MethodPost, "/subscriptions/"+created.ID+"/deactivate", "u1", "", h.Deactivate)
	require.Equal(t, http.StatusOK, rec.Code)
	var deactivated dto.SubscriptionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deactivated))
	assert.False(t, deactivated.Active)

	rec = serve("/subscriptions/{id}", http.MethodDelete, "/subscriptions/"+created.ID, "u1", "", h.Delete)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSubscriptionHandler_List(t *testing.T) {
	t.Parallel()
	h, _ := newTestSubscriptionHandler(t)

	require.Equal(t, http.StatusCreated, serve("/subscriptions", http.MethodPost, "/subscriptions", "u1", createBody, h.Create).Code)

	rec := serve("/subscriptions", http.MethodGet, "/subscriptions?limit=10", "u1", "", h.List)
	require.Equal(t, http.StatusOK, rec.Code)
	var list dto.SubscriptionListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list.Data, 1)
	require.NotNil(t, list.Pagination)
	assert.False(t, list.Pagination.HasMore)

	rec = serve("/subscriptions", http.MethodGet, "/subscriptions?active=maybe", "u1", "", h.List)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubscriptionHandler_NameAvailable(t *testing.T) {
	t.Parallel()
	h, _ := newTestSubscriptionHandler(t)

	require.Equal(t, http.StatusCreated, serve("/subscriptions", http.MethodPost, "/subscriptions", "u1", createBody, h.Create).Code)

	rec := serve("/subscriptions/name-available", http.MethodGet, "/subscriptions/name-available?name=biscay+watch", "u1", "", h.NameAvailable)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp dto.NameAvailableResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Available)

	rec = serve("/subscriptions/name-available", http.MethodGet, "/subscriptions/name-available?name=other", "u1", "", h.NameAvailable)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Available)
}

func TestSubscriptionHandler_TriggerAndHistory(t *testing.T) {
	t.Parallel()
	h, store := newTestSubscriptionHandler(t)

	rec := serve("/subscriptions", http.MethodPost, "/subscriptions", "u1", createBody, h.Create)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created dto.SubscriptionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	end := time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
	body := `{"start":"` + start + `","end":"` + end + `"}`
	rec = serve("/subscriptions/{id}/trigger", http.MethodPost, "/subscriptions/"+created.ID+"/trigger", "u1", body, h.Trigger)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var triggered dto.TriggerListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &triggered))
	assert.NotEmpty(t, triggered.Data)
	assert.Len(t, store.triggers, len(triggered.Data))

	rec = serve("/subscriptions/{id}/trigger", http.MethodPost, "/subscriptions/"+created.ID+"/trigger", "u1", `{"start":"`+start+`"}`, h.Trigger)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "start without end")

	rec = serve("/subscriptions/{id}/trigger", http.MethodPost, "/subscriptions/"+created.ID+"/trigger", "u1", "", h.Trigger)
	assert.Equal(t, http.StatusAccepted, rec.Code, "empty body is allowed")

	rec = serve("/subscriptions/{id}/trigger", http.MethodPost, "/subscriptions/"+created.ID+"/trigger", "u2", "", h.Trigger)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve("/subscriptions/{id}/triggers", http.MethodGet, "/subscriptions/"+created.ID+"/triggers", "u1", "", h.Triggers)
	require.Equal(t, http.StatusOK, rec.Code)
	var history dto.TriggerListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	assert.Len(t, history.Data, len(store.triggers))
}
