package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Pinger is a dependency the readiness check can reach.
type Pinger interface {
	Ping(ctx context.Context) error
}

const checkTimeout = 3 * time.Second

// HealthHandler serves the liveness and readiness checks.
type HealthHandler struct {
	logger *slog.Logger
	deps   map[string]Pinger
	order  []string
}

// NewHealthHandler checks postgres and redis. A nil dependency reports
// "disabled" and does not fail readiness.
func NewHealthHandler(logger *slog.Logger, db, cache Pinger) *HealthHandler {
	h := &HealthHandler{logger: logger.With("handler", "health"), deps: map[string]Pinger{}}
	return h.WithCheck("postgres", db).WithCheck("redis", cache)
}

func (h *HealthHandler) WithCheck(name string, dep Pinger) *HealthHandler {
	if _, seen := h.deps[name]; !seen {
		h.order = append(h.order, name)
	}
	h.deps[name] = dep
	return h
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz handles GET /healthz. It never touches a dependency.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Readyz handles GET /readyz. Dependencies are checked in parallel; any
// failure answers 503. Error details go to the log, not the response.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.order))
	)
	var g errgroup.Group
	for _, name := range h.order {
		dep := h.deps[name]
		if dep == nil {
			checks[name] = "disabled"
			continue
		}
		g.Go(func() error {
			state := "ok"
			if err := dep.Ping(ctx); err != nil {
				h.logger.Warn("readiness check failed", slog.String("dependency", name), slog.String("error", err.Error()))
				state = "unavailable"
			}
			mu.Lock()
			checks[name] = state
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	resp := HealthResponse{Status: "ok", Checks: checks}
	code := http.StatusOK
	for _, state := range checks {
		if state == "unavailable" {
			resp.Status = "unavailable"
			code = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, resp)
}
