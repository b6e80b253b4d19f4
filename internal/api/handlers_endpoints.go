package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shohag/hookrelay/internal/endpoint"
)

type EndpointHandler struct {
	svc *endpoint.Service
}

func NewEndpointHandler(svc *endpoint.Service) *EndpointHandler {
	return &EndpointHandler{svc: svc}
}

func writeEndpointError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, endpoint.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, endpoint.ErrNotFound):
		writeError(w, http.StatusNotFound, "endpoint not found")
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func (h *EndpointHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req endpoint.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created, err := h.svc.Create(r.Context(), req)
	if err != nil {
		writeEndpointError(w, err, "failed to create endpoint")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *EndpointHandler) Get(w http.ResponseWriter, r *http.Request) {
	ep, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEndpointError(w, err, "failed to get endpoint")
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (h *EndpointHandler) List(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	eps, err := h.svc.List(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list endpoints")
		return
	}
	writeJSON(w, http.StatusOK, eps)
}

func (h *EndpointHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ep, err := h.svc.Get(r.Context(), id)
	if err != nil {
		writeEndpointError(w, err, "failed to get endpoint")
		return
	}

	ep, err = h.svc.SetEnabled(r.Context(), id, !ep.Enabled)
	if err != nil {
		writeEndpointError(w, err, "failed to toggle endpoint")
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (h *EndpointHandler) CheckSourceIP(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	allowed, err := h.svc.SourceAllowed(r.Context(), chi.URLParam(r, "id"), ip)
	if err != nil {
		writeEndpointError(w, err, "failed to check source ip")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ip":      ip,
		"allowed": allowed,
	})
}

func (h *EndpointHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req endpoint.SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sub, err := h.svc.Subscribe(r.Context(), req)
	if err != nil {
		writeEndpointError(w, err, "failed to create subscription")
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

func (h *EndpointHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	subs, err := h.svc.ListSubscriptions(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	writeJSON(w, http.StatusOK, subs)
}
