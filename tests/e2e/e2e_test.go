//go:build e2e

// The API under test must run with WEBHOOK_ALLOW_INSECURE=true so the plain
// http receiver started here is an accepted webhook target.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/seawatch/subscriptions/internal/auth"
	"github.com/seawatch/subscriptions/internal/model"
	"github.com/seawatch/subscriptions/internal/repository"
	"github.com/seawatch/subscriptions/internal/webhook"
)

const (
	systemUserID = "system"
	systemEmail  = "system@seawatch.local"
)

type apiKeyCreateResponse struct {
	ID     string   `json:"id"`
	Key    string   `json:"key"`
	Scopes []string `json:"scopes"`
}

type subscriptionResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Status string `json:"status"`
}

type triggerListResponse struct {
	Data []model.Trigger `json:"data"`
}

type eventAcceptedResponse struct {
	EventID  string `json:"event_id"`
	StreamID string `json:"stream_id"`
	Status   string `json:"status"`
}

type webhookCreateResponse struct {
	ID        string `json:"id"`
	TargetURL string `json:"target_url"`
	Secret    string `json:"secret"`
}

type webhookRequest struct {
	Headers http.Header
	Body    []byte
}

type triggeredPayload struct {
	EventType string                   `json:"event_type"`
	EventID   string                   `json:"event_id"`
	Data      model.TriggeredEventData `json:"data"`
}

func TestE2ESmoke(t *testing.T) {
	baseURL := envOrDefault("SEAWATCH_BASE_URL", "http://localhost:8080")
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Fatalf("DATABASE_URL is required for e2e tests")
	}

	bootstrapKey := bootstrapAdminKey(t, dbURL)
	testKey := createAPIKey(t, baseURL, bootstrapKey)

	webhookURL, deliveries, shutdown := startWebhookReceiver(t)
	defer shutdown()
	endpoint := createWebhookEndpoint(t, baseURL, testKey, webhookURL)

	assetGUID := "e2e-asset-" + ulid.Make().String()
	sub := createSubscription(t, baseURL, testKey, assetGUID, endpoint.ID)
	defer doJSON(t, http.MethodDelete, baseURL+"/api/v1/subscriptions/"+sub.ID, testKey, nil, nil)

	accepted := submitPosition(t, baseURL, testKey, assetGUID)
	trigger := waitForTrigger(t, baseURL, testKey, sub.ID, accepted.EventID)
	if trigger.AssetGUID != assetGUID {
		t.Fatalf("trigger asset = %q, want %q", trigger.AssetGUID, assetGUID)
	}

	waitForWebhookDelivery(t, deliveries, endpoint.Secret, sub.ID)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func newRepository(t *testing.T, ctx context.Context, dbURL string) *repository.Repository {
	t.Helper()

	repo, err := repository.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	if _, err := repo.GetOrCreateUser(ctx, &model.User{ID: systemUserID, Email: systemEmail}); err != nil {
		repo.Close()
		t.Fatalf("ensure user: %v", err)
	}
	return repo
}

func insertAPIKey(t *testing.T, ctx context.Context, repo *repository.Repository, name, tier string, scopes ...string) string {
	t.Helper()

	generated, err := auth.GenerateAPIKey(auth.EnvLive)
	if err != nil {
		t.Fatalf("generate api key: %v", err)
	}

	apiKey := &model.APIKey{
		ID:            ulid.Make().String(),
		UserID:        systemUserID,
		KeyHash:       generated.Hash,
		KeyPrefix:     generated.Prefix,
		Scopes:        scopes,
		RateLimitTier: tier,
		Name:          name,
		CreatedAt:     time.Now().UTC(),
	}
	if err := repo.CreateAPIKey(ctx, apiKey); err != nil {
		t.Fatalf("create api key: %v", err)
	}
	return generated.Plaintext
}

func bootstrapAdminKey(t *testing.T, dbURL string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo := newRepository(t, ctx, dbURL)
	defer repo.Close()

	return insertAPIKey(t, ctx, repo, "e2e-bootstrap", model.TierUnlimited, model.ScopeAdmin)
}

func createAPIKey(t *testing.T, baseURL, bootstrapKey string) string {
	t.Helper()

	payload := map[string]any{
		"name":   "e2e-key",
		"scopes": []string{"admin"},
	}

	var resp apiKeyCreateResponse
	status := doJSON(t, http.MethodPost, baseURL+"/api/v1/api-keys", bootstrapKey, payload, &resp)
	if status != http.StatusCreated {
		t.Fatalf("expected 201 from api key create, got %d", status)
	}
	if resp.Key == "" {
		t.Fatalf("api key response missing key")
	}
	return resp.Key
}

func createSubscription(t *testing.T, baseURL, apiKey, assetGUID, endpointID string) subscriptionResponse {
	t.Helper()

	payload := map[string]any{
		"name":          fmt.Sprintf("e2e-%d", time.Now().UnixNano()),
		"active":        true,
		"accessibility": "PRIVATE",
		"output": map[string]any{
			"message_type":        "NONE",
			"webhook_endpoint_id": endpointID,
			"history":             1,
			"history_unit":        "DAYS",
		},
		"execution": map[string]any{
			"trigger_type": "INC_POSITION",
		},
		"assets": []map[string]any{
			{"guid": assetGUID, "type": "ASSET"},
		},
	}

	var resp subscriptionResponse
	status := doJSON(t, http.MethodPost, baseURL+"/api/v1/subscriptions", apiKey, payload, &resp)
	if status != http.StatusCreated {
		t.Fatalf("expected 201 from subscription create, got %d", status)
	}
	if resp.ID == "" || resp.Status != "active" {
		t.Fatalf("unexpected subscription create response: %+v", resp)
	}
	return resp
}

func submitPosition(t *testing.T, baseURL, apiKey, assetGUID string) eventAcceptedResponse {
	t.Helper()

	payload := map[string]any{
		"type":        "POSITION",
		"asset_guid":  assetGUID,
		"occurred_at": time.Now().UTC().Format(time.RFC3339),
		"geometry":    "POINT(11.97 57.70)",
	}

	var resp eventAcceptedResponse
	status := doJSON(t, http.MethodPost, baseURL+"/api/v1/events", apiKey, payload, &resp)
	if status != http.StatusAccepted {
		t.Fatalf("expected 202 from event submit, got %d", status)
	}
	if resp.EventID == "" || resp.StreamID == "" {
		t.Fatalf("event response missing fields: %+v", resp)
	}
	return resp
}

// waitForTrigger polls the trigger history until the event's trigger has
// been executed.
func waitForTrigger(t *testing.T, baseURL, apiKey, subscriptionID, eventID string) model.Trigger {
	t.Helper()

	endpoint := fmt.Sprintf("%s/api/v1/subscriptions/%s/triggers", baseURL, subscriptionID)
	var last model.TriggerStatus

	deadline := time.Now().Add(20 * time.Second)
	for time.Now().Before(deadline) {
		var resp triggerListResponse
		status := doJSON(t, http.MethodGet, endpoint, apiKey, nil, &resp)
		if status == http.StatusOK {
			for _, tr := range resp.Data {
				if tr.EventID != eventID {
					continue
				}
				last = tr.Status
				if tr.Status == model.TriggerStatusDone {
					return tr
				}
			}
		}
		time.Sleep(250 * time.Millisecond)
	}

	t.Fatalf("trigger for event %s not executed in time (last status %q)", eventID, last)
	return model.Trigger{}
}

func startWebhookReceiver(t *testing.T) (string, <-chan webhookRequest, func()) {
	t.Helper()

	received := make(chan webhookRequest, 4)

	listener, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		t.Fatalf("listen webhook: %v", err)
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		received <- webhookRequest{Headers: r.Header.Clone(), Body: body}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Handler: handler}
	go func() {
		_ = srv.Serve(listener)
	}()

	host := envOrDefault("E2E_WEBHOOK_HOST", "host.docker.internal")
	port := listener.Addr().(*net.TCPAddr).Port
	url := fmt.Sprintf("http://%s:%d/webhook", host, port)

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}

	return url, received, shutdown
}

func createWebhookEndpoint(t *testing.T, baseURL, apiKey, targetURL string) webhookCreateResponse {
	t.Helper()

	payload := map[string]any{
		"target_url":  targetURL,
		"event_types": []string{string(model.EventTypeSubscriptionTriggered)},
		"name":        "e2e-webhook",
	}

	var resp webhookCreateResponse
	status := doJSON(t, http.MethodPost, baseURL+"/api/v1/webhooks", apiKey, payload, &resp)
	if status != http.StatusCreated {
		t.Fatalf("expected 201 from webhook create, got %d", status)
	}
	if resp.ID == "" || resp.Secret == "" {
		t.Fatalf("webhook create response missing fields")
	}
	return resp
}

func waitForWebhookDelivery(t *testing.T, deliveries <-chan webhookRequest, secret, subscriptionID string) {
	t.Helper()

	select {
	case req := <-deliveries:
		signature := req.Headers.Get(webhook.HeaderSignature)
		if signature == "" {
			t.Fatalf("missing %s header", webhook.HeaderSignature)
		}
		if req.Headers.Get(webhook.HeaderDeliveryID) == "" {
			t.Fatalf("missing %s header", webhook.HeaderDeliveryID)
		}
		if got := req.Headers.Get(webhook.HeaderEventType); got != string(model.EventTypeSubscriptionTriggered) {
			t.Fatalf("unexpected %s header %q", webhook.HeaderEventType, got)
		}

		ts, err := strconv.ParseInt(req.Headers.Get(webhook.HeaderTimestamp), 10, 64)
		if err != nil {
			t.Fatalf("invalid %s header: %v", webhook.HeaderTimestamp, err)
		}
		if err := webhook.ValidateSignature(webhook.HashSecret(secret), signature, ts, req.Body, webhook.DefaultReplayWindow); err != nil {
			t.Fatalf("signature check failed: %v", err)
		}

		var payload triggeredPayload
		if err := json.Unmarshal(req.Body, &payload); err != nil {
			t.Fatalf("decode webhook payload: %v", err)
		}
		if payload.EventType != string(model.EventTypeSubscriptionTriggered) {
			t.Fatalf("unexpected event_type %q", payload.EventType)
		}
		if payload.Data.SubscriptionID != subscriptionID {
			t.Fatalf("unexpected subscription_id %q in webhook payload", payload.Data.SubscriptionID)
		}
	case <-time.After(20 * time.Second):
		t.Fatalf("timed out waiting for webhook delivery")
	}
}

func doJSON(t *testing.T, method, url, apiKey string, body any, out any) int {
	t.Helper()

	var buf io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		buf = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, url, buf)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if out != nil {
		decoder := json.NewDecoder(resp.Body)
		if err := decoder.Decode(out); err != nil && resp.ContentLength != 0 {
			t.Fatalf("decode response: %v", err)
		}
	}

	return resp.StatusCode
}

// TestE2EScheduledWindowEnds validates that a subscription whose end date
// has passed reports expired and produces no triggers.
func TestE2EScheduledWindowEnds(t *testing.T) {
	baseURL := envOrDefault("SEAWATCH_BASE_URL", "http://localhost:8080")
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Fatalf("DATABASE_URL is required for e2e tests")
	}

	bootstrapKey := bootstrapAdminKey(t, dbURL)
	testKey := createAPIKey(t, baseURL, bootstrapKey)

	assetGUID := "e2e-expiry-" + ulid.Make().String()
	end := time.Now().UTC().Add(3 * time.Second)
	payload := map[string]any{
		"name":     fmt.Sprintf("e2e-expiry-%d", time.Now().UnixNano()),
		"active":   true,
		"end_date": end.Format(time.RFC3339),
		"output": map[string]any{
			"message_type": "NONE",
			"history":      1,
			"history_unit": "DAYS",
		},
		"execution": map[string]any{"trigger_type": "INC_POSITION"},
		"assets":    []map[string]any{{"guid": assetGUID, "type": "ASSET"}},
	}

	var sub subscriptionResponse
	if status := doJSON(t, http.MethodPost, baseURL+"/api/v1/subscriptions", testKey, payload, &sub); status != http.StatusCreated {
		t.Fatalf("expected 201 from subscription create, got %d", status)
	}
	defer doJSON(t, http.MethodDelete, baseURL+"/api/v1/subscriptions/"+sub.ID, testKey, nil, nil)

	time.Sleep(4 * time.Second)

	var got subscriptionResponse
	if status := doJSON(t, http.MethodGet, baseURL+"/api/v1/subscriptions/"+sub.ID, testKey, nil, &got); status != http.StatusOK {
		t.Fatalf("expected 200 from subscription get, got %d", status)
	}
	if got.Status != string(model.SubscriptionStatusExpired) {
		t.Fatalf("status = %q, want %q", got.Status, model.SubscriptionStatusExpired)
	}

	accepted := submitPosition(t, baseURL, testKey, assetGUID)
	time.Sleep(2 * time.Second)

	var triggers triggerListResponse
	doJSON(t, http.MethodGet, baseURL+"/api/v1/subscriptions/"+sub.ID+"/triggers", testKey, nil, &triggers)
	for _, tr := range triggers.Data {
		if tr.EventID == accepted.EventID {
			t.Fatalf("expired subscription produced trigger %s", tr.ID)
		}
	}
}

// TestE2ERateLimiting validates that rate limiting returns 429 with proper headers.
func TestE2ERateLimiting(t *testing.T) {
	baseURL := envOrDefault("SEAWATCH_BASE_URL", "http://localhost:8080")
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Fatalf("DATABASE_URL is required for e2e tests")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo := newRepository(t, ctx, dbURL)
	defer repo.Close()

	// Free tier: 60 RPM, burst 10
	testKey := insertAPIKey(t, ctx, repo, "e2e-ratelimit-test", model.TierFree, model.ScopeRead)

	client := &http.Client{Timeout: 10 * time.Second}
	var rateLimited bool
	var lastResp *http.Response

	for i := 0; i < 20; i++ {
		req, err := http.NewRequest(http.MethodGet, baseURL+"/api/v1/subscriptions", nil)
		if err != nil {
			t.Fatalf("create request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+testKey)

		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			rateLimited = true
			lastResp = resp
			break
		}
		resp.Body.Close()
	}

	if !rateLimited {
		t.Fatalf("expected 429 rate limit after burst, but never hit rate limit")
	}

	defer lastResp.Body.Close()

	if lastResp.Header.Get("X-RateLimit-Limit") == "" {
		t.Error("missing X-RateLimit-Limit header on 429 response")
	}
	if remaining := lastResp.Header.Get("X-RateLimit-Remaining"); remaining != "0" {
		t.Errorf("expected X-RateLimit-Remaining=0, got %s", remaining)
	}
	if lastResp.Header.Get("Retry-After") == "" {
		t.Log("Retry-After header not present")
	}

	var errResp map[string]any
	if err := json.NewDecoder(lastResp.Body).Decode(&errResp); err != nil {
		t.Fatalf("decode 429 response: %v", err)
	}
	if errResp["error"] == nil {
		t.Error("429 response missing 'error' field")
	}
}

// TestE2ENoSecretsInResponses validates that API keys and webhook secrets
// are not echoed back.
func TestE2ENoSecretsInResponses(t *testing.T) {
	baseURL := envOrDefault("SEAWATCH_BASE_URL", "http://localhost:8080")
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Fatalf("DATABASE_URL is required for e2e tests")
	}

	bootstrapKey := bootstrapAdminKey(t, dbURL)

	client := &http.Client{Timeout: 10 * time.Second}
	get := func(path, key string) string {
		req, err := http.NewRequest(http.MethodGet, baseURL+path, nil)
		if err != nil {
			t.Fatalf("create request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+key)
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	fakeKey := "sw_live_fake_" + strings.Repeat("x", 32)
	if body := get("/api/v1/subscriptions", fakeKey); strings.Contains(body, fakeKey) {
		t.Error("SECURITY: Error response leaked Authorization header value")
	}

	if body := get("/api/v1/subscriptions", bootstrapKey); strings.Contains(body, bootstrapKey) {
		t.Error("SECURITY: Successful response echoed back the API key")
	}

	var created webhookCreateResponse
	status := doJSON(t, http.MethodPost, baseURL+"/api/v1/webhooks", bootstrapKey, map[string]any{
		"target_url": "https://example.com/e2e-secret-check",
	}, &created)
	if status != http.StatusCreated {
		t.Fatalf("expected 201 from webhook create, got %d", status)
	}
	defer doJSON(t, http.MethodDelete, baseURL+"/api/v1/webhooks/"+created.ID, bootstrapKey, nil, nil)

	for _, path := range []string{"/api/v1/webhooks", "/api/v1/webhooks/" + created.ID} {
		if body := get(path, bootstrapKey); strings.Contains(body, created.Secret) {
			t.Errorf("SECURITY: %s exposed the webhook secret", path)
		}
	}
}
