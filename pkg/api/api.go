// Package api is the HTTP surface: session lifecycle routes, container
// resource snapshots, and the signaling websocket endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/crossview/crossview/pkg/logger"
	"github.com/crossview/crossview/pkg/session"
	"github.com/go-chi/chi/v5"
)

// StatsProvider yields a live resource snapshot for a session's
// environment.
type StatsProvider interface {
	Stats(ctx context.Context, sessionID string) (cpu, mem int64, err error)
}

// Signaling serves a session's signaling channel on an upgraded
// request.
type Signaling interface {
	Handle(w http.ResponseWriter, r *http.Request, sessionID string)
}

type Handler struct {
	sessions *session.Service
	stats    StatsProvider
	relay    Signaling
	log      *logger.Logger
}

func New(sessions *session.Service, stats StatsProvider, relay Signaling, log *logger.Logger) *Handler {
	return &Handler{sessions: sessions, stats: stats, relay: relay, log: log}
}

func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(h.logRequests)
	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", h.createSession)
		r.Get("/sessions", h.listSessions)
		r.Get("/sessions/{id}", h.getSession)
		r.Delete("/sessions/{id}", h.deleteSession)
		r.Get("/containers/{id}/stats", h.containerStats)
	})
	r.Get("/ws/{id}", h.signaling)
	return r
}

type createRequest struct {
	BrowserType string `json:"browser_type"`
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	sess, err := h.sessions.Create(r.Context(), req.BrowserType)
	switch {
	case errors.Is(err, session.ErrUnknownBrowser):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		h.log.Error().Err(err).Msg("session create")
		writeError(w, http.StatusInternalServerError, "could not create session")
	default:
		writeJSON(w, http.StatusCreated, sess)
	}
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.Get(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "registry failure")
	default:
		writeJSON(w, http.StatusOK, sess)
	}
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registry failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.sessions.Stop(r.Context(), id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case err != nil:
		h.log.Error().Err(err).Str("sid", id).Msg("session stop")
		writeError(w, http.StatusInternalServerError, "could not stop session")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "status": string(session.Stopped)})
	}
}

func (h *Handler) containerStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := h.sessions.Container(id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "container not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "registry failure")
		return
	}
	cpu, mem, err := h.stats.Stats(r.Context(), id)
	if err != nil {
		h.log.Warn().Err(err).Str("sid", id).Msg("container stats")
		writeError(w, http.StatusBadGateway, "stats unavailable")
		return
	}
	h.sessions.RecordHealth(id, cpu, mem)
	c.CpuUsage, c.MemoryUsage = cpu, mem
	c.LastHealth = time.Now()
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) signaling(w http.ResponseWriter, r *http.Request) {
	h.relay.Handle(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.log.Debug().Msgf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start).Round(time.Microsecond))
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
