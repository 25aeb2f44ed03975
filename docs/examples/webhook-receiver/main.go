// Command webhook-receiver is a reference receiver for Seawatch subscription
// webhooks. It checks the signature and timestamp, drops redelivered
// payloads and logs what arrived.
//
//	SEAWATCH_WEBHOOK_SECRET=<secret from endpoint create> go run .
//
// Register https://<host>/webhook as an endpoint and put its id in a
// subscription's output.webhook_endpoint_id.
package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	replayWindow = 5 * time.Minute
	maxBody      = 1 << 20
	seenCapacity = 10_000
)

type delivery struct {
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Data      struct {
		SubscriptionID   string `json:"subscription_id"`
		SubscriptionName string `json:"subscription_name"`
		TriggerID        string `json:"trigger_id"`
		Source           string `json:"source"`
		AssetGUID        string `json:"asset_guid"`
		Window           struct {
			Start time.Time `json:"start"`
			End   time.Time `json:"end"`
		} `json:"window"`
		ExtractKeys []string `json:"extract_keys"`
	} `json:"data"`
}

func main() {
	secret := os.Getenv("SEAWATCH_WEBHOOK_SECRET")
	if secret == "" {
		slog.Error("SEAWATCH_WEBHOOK_SECRET is required")
		os.Exit(1)
	}
	addr := ":9000"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}

	r := &receiver{key: signingKey(secret), seen: newSeenSet(seenCapacity)}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", r.handle)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	slog.Info("listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// signingKey derives the HMAC key: Seawatch signs with the hex SHA-256 of
// the secret, never the secret itself.
func signingKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return []byte(hex.EncodeToString(sum[:]))
}

type receiver struct {
	key  []byte
	seen *seenSet
}

func (rc *receiver) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	if err := verify(rc.key, r.Header.Get("X-Seawatch-Signature"), r.Header.Get("X-Seawatch-Timestamp"), body, time.Now()); err != nil {
		slog.Warn("rejected delivery", "error", err)
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	// Retries reuse the delivery id; answer 200 so they stop.
	id := r.Header.Get("X-Seawatch-Delivery-Id")
	if !rc.seen.add(id) {
		slog.Info("duplicate delivery", "delivery_id", id)
		w.WriteHeader(http.StatusOK)
		return
	}

	var d delivery
	if err := json.Unmarshal(body, &d); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	slog.Info("delivery",
		"delivery_id", id,
		"event", d.EventType,
		"subscription", d.Data.SubscriptionName,
		"subscription_id", d.Data.SubscriptionID,
		"asset", d.Data.AssetGUID,
		"window_start", d.Data.Window.Start,
		"window_end", d.Data.Window.End,
		"extracts", d.Data.ExtractKeys,
	)
	w.WriteHeader(http.StatusOK)
}

func verify(key []byte, signature, timestamp string, body []byte, now time.Time) error {
	if signature == "" || timestamp == "" {
		return errors.New("missing signature headers")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.New("malformed timestamp")
	}
	if now.Sub(time.Unix(ts, 0)).Abs() > replayWindow {
		return errors.New("timestamp outside replay window")
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return errors.New("malformed signature")
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return errors.New("signature mismatch")
	}
	return nil
}

// seenSet remembers the most recent delivery ids, oldest evicted first.
type seenSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	limit int
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{ids: make(map[string]struct{}, limit), limit: limit}
}

// add reports whether id is new. Empty ids are always new.
func (s *seenSet) add(id string) bool {
	if id == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if len(s.order) == s.limit {
		delete(s.ids, s.order[0])
		s.order = s.order[1:]
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}
