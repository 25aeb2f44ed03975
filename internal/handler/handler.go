// Package handler holds the HTTP handlers of the subscriptions API.
package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/seawatch/subscriptions/internal/handler/dto"
)

// Version is reported by GET /.
const Version = "0.3.0"

const serviceName = "seawatch-subscriptions"

// RootHandler serves GET / and the router fallbacks.
type RootHandler struct {
	started time.Time
	now     func() time.Time
}

func NewRootHandler() *RootHandler {
	return &RootHandler{started: time.Now(), now: time.Now}
}

type serviceInfo struct {
	Service       string `json:"service"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Info handles GET /
func (h *RootHandler) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, serviceInfo{
		Service:       serviceName,
		Version:       Version,
		UptimeSeconds: int64(h.now().Sub(h.started).Seconds()),
	})
}

func (h *RootHandler) NotFound(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, dto.ErrorResponse{Error: "No route for " + r.Method + " " + r.URL.Path, Code: "NOT_FOUND"})
}

func (h *RootHandler) MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed, dto.ErrorResponse{Error: r.Method + " is not supported here", Code: "METHOD_NOT_ALLOWED"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
