package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/hookrelay/internal/models"
	"github.com/shohag/hookrelay/internal/storage"
)

const maxAttemptPage = 100

// DeliveryHandler exposes a delivery's state and its attempt audit trail.
type DeliveryHandler struct {
	store storage.Storage
}

func NewDeliveryHandler(store storage.Storage) *DeliveryHandler {
	return &DeliveryHandler{store: store}
}

// loadDelivery writes the 404 or 500 itself and returns nil in that case.
func (h *DeliveryHandler) loadDelivery(w http.ResponseWriter, r *http.Request) *models.Delivery {
	d, err := h.store.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get delivery")
		return nil
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "delivery not found")
		return nil
	}
	return d
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	if d := h.loadDelivery(w, r); d != nil {
		writeJSON(w, http.StatusOK, d)
	}
}

// ListAttempts pages through a delivery's attempts in attempt order. The
// total is reported in X-Total-Count.
func (h *DeliveryHandler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	d := h.loadDelivery(w, r)
	if d == nil {
		return
	}
	attempts, err := h.store.ListAttempts(r.Context(), d.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get attempts")
		return
	}

	limit := queryInt(r, "limit", maxAttemptPage)
	if limit == 0 || limit > maxAttemptPage {
		limit = maxAttemptPage
	}
	offset := queryInt(r, "offset", 0)
	total := len(attempts)
	page := []models.DeliveryAttempt{}
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		page = append(page, attempts[offset:end]...)
	}

	w.Header().Set("X-Total-Count", strconv.Itoa(total))
	writeJSON(w, http.StatusOK, page)
}
