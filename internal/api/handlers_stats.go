package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/shohag/hookrelay/internal/circuitbreaker"
	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/storage"
)

type HealthHandler struct {
	checks   map[string]ReadyCheck
	breakers *circuitbreaker.Registry
}

func NewHealthHandler(checks map[string]ReadyCheck, breakers *circuitbreaker.Registry) *HealthHandler {
	return &HealthHandler{checks: checks, breakers: breakers}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "hookrelay",
	})
}

// Ready runs every dependency check and answers 503 if any fails.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": state,
		"checks": results,
	})
}

func (h *HealthHandler) Breakers(w http.ResponseWriter, r *http.Request) {
	if h.breakers == nil {
		writeJSON(w, http.StatusOK, circuitbreaker.Stats{})
		return
	}
	writeJSON(w, http.StatusOK, h.breakers.Stats())
}

type OutboxHandler struct {
	store storage.Storage
}

func NewOutboxHandler(store storage.Storage) *OutboxHandler {
	return &OutboxHandler{store: store}
}

type requeueRequest struct {
	IDs []string `json:"ids"`
}

// Requeue resets FAILED outbox rows to PENDING. An empty body requeues all.
func (h *OutboxHandler) Requeue(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	n, err := h.store.RequeueFailedOutbox(r.Context(), req.IDs, time.Now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to requeue outbox")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requeued": n,
	})
}

func (h *OutboxHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]int64, 3)
	for _, status := range []models.OutboxStatus{models.OutboxPending, models.OutboxPublished, models.OutboxFailed} {
		n, err := h.store.CountOutbox(r.Context(), status)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to get outbox stats")
			return
		}
		stats[string(status)] = n
	}
	writeJSON(w, http.StatusOK, stats)
}
