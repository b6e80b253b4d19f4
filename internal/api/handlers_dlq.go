package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/hookrelay/internal/dlq"
	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/storage"
)

type DLQHandler struct {
	svc *dlq.Service
}

func NewDLQHandler(svc *dlq.Service) *DLQHandler {
	return &DLQHandler{svc: svc}
}

func writeDLQError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, dlq.ErrNotFound):
		writeError(w, http.StatusNotFound, "delivery not found")
	case errors.Is(err, dlq.ErrNotInDLQ):
		writeError(w, http.StatusConflict, "delivery is not in the dead letter queue")
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func (h *DLQHandler) List(w http.ResponseWriter, r *http.Request) {
	deliveries, err := h.svc.List(r.Context(), storage.DLQFilter{
		EndpointID: r.URL.Query().Get("endpoint_id"),
		Limit:      queryInt(r, "limit", 50),
		Offset:     queryInt(r, "offset", 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if deliveries == nil {
		deliveries = []models.Delivery{}
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func (h *DLQHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, dlq.ErrNotFound) || errors.Is(err, dlq.ErrNotInDLQ) {
		writeError(w, http.StatusNotFound, "dead letter not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get dead letter")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (h *DLQHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get dead letter stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *DLQHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.Retry(r.Context(), id); err != nil {
		writeDLQError(w, err, "failed to retry dead letter")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"retried": id,
	})
}

type bulkRetryRequest struct {
	DeliveryIDs []string `json:"delivery_ids"`
}

func (h *DLQHandler) RetryBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.DeliveryIDs) == 0 {
		writeError(w, http.StatusBadRequest, "delivery_ids is required")
		return
	}
	writeJSON(w, http.StatusOK, h.svc.RetryMany(r.Context(), req.DeliveryIDs))
}

func (h *DLQHandler) Purge(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.Purge(r.Context(), r.URL.Query().Get("endpoint_id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to purge dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"purged": n,
	})
}
