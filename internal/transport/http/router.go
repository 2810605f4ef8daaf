package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"accountpool/internal/bus"
	"accountpool/internal/event"
	"accountpool/internal/lifecycle"
)

// Handler serves the ops surface: health, metrics, shadow lookups, and a
// local event injection endpoint that mirrors the bus path. The injection
// endpoint always answers 200 with the structured acknowledgement, so the
// caller can tell ok/ignored/error apart without HTTP semantics in the way.
type Handler struct {
	environment string
	subscribers []bus.Handler
	shadow      func(accountID string) (lifecycle.ShadowRecord, bool)
	health      func(ctx context.Context) error
}

func NewHandler(environment string, subscribers []bus.Handler, shadow func(string) (lifecycle.ShadowRecord, bool), health func(context.Context) error) *Handler {
	return &Handler{
		environment: environment,
		subscribers: subscribers,
		shadow:      shadow,
		health:      health,
	}
}

func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Get("/readyz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/v1/events", h.handleInjectEvent)
	r.Get("/v1/accounts/{accountID}/shadow", h.handleShadow)

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleInjectEvent(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, event.AckError("BadRequest"))
		return
	}

	decoded, err := event.Decode(raw, event.ExpectEnvironment(h.environment))
	if err != nil {
		writeJSON(w, http.StatusOK, event.AckFromDecodeError(err))
		return
	}

	ack := event.AckOK()
	for _, sub := range h.subscribers {
		if a := sub.HandleEvent(r.Context(), decoded); a.Outcome != event.OutcomeOK {
			ack = a
		}
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *Handler) handleShadow(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if h.shadow == nil {
		http.NotFound(w, r)
		return
	}
	rec, ok := h.shadow(accountID)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
