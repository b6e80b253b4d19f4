package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/hookrelay/internal/ingest"
	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/storage"
)

type EventHandler struct {
	ingest *ingest.Service
	store  storage.Storage
}

func NewEventHandler(svc *ingest.Service, store storage.Storage) *EventHandler {
	return &EventHandler{ingest: svc, store: store}
}

type sendEventRequest struct {
	ProjectID      string          `json:"project_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

const maxPayloadSize = 256 * 1024 // 256KB

func (h *EventHandler) Send(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadSize)
	var req sendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}

	res, err := h.ingest.Ingest(r.Context(), ingest.Request{
		ProjectID:      req.ProjectID,
		EventType:      req.EventType,
		Payload:        req.Payload,
		IdempotencyKey: key,
	})
	if errors.Is(err, ingest.ErrInvalidEvent) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to ingest event")
		return
	}

	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	evt, err := h.store.GetEvent(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get event")
		return
	}
	if evt == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}

	deliveries, err := h.store.ListDeliveriesByEvent(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []models.Delivery{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event":      evt,
		"deliveries": deliveries,
	})
}
