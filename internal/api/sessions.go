package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/intake-voice/internal/domain"
	"github.com/ashureev/intake-voice/internal/store"
	"github.com/go-chi/chi/v5"
)

// SessionStore is the read side of the session repository.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	ListSessions(ctx context.Context, filter store.ListFilter) ([]*domain.Session, error)
}

// SessionsHandler serves live and persisted intake sessions for review.
type SessionsHandler struct {
	sessions SessionRegistry
	store    SessionStore
}

// NewSessionsHandler creates a sessions handler.
func NewSessionsHandler(sessions SessionRegistry, st SessionStore) *SessionsHandler {
	return &SessionsHandler{sessions: sessions, store: st}
}

// RegisterRoutes registers the session review routes.
func (h *SessionsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/api/sessions", h.List)
	r.Get("/api/sessions/{id}", h.Get)
	r.Delete("/api/sessions/{id}", h.Close)
}

// List returns live sessions with ?live=true, persisted history otherwise.
// History accepts ?state= and ?limit=.
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if live, _ := strconv.ParseBool(q.Get("live")); live {
		JSON(w, http.StatusOK, map[string]any{"sessions": h.sessions.Sessions()})
		return
	}

	filter := store.ListFilter{State: q.Get("state")}
	if filter.State != "" {
		if _, ok := domain.ParseState(filter.State); !ok {
			Error(w, http.StatusBadRequest, "unknown state")
			return
		}
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 1000 {
			Error(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		filter.Limit = limit
	}

	sessions, err := h.store.ListSessions(r.Context(), filter)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

// Get returns one session with its turns. Live sessions are served from
// memory so in-flight turns are visible.
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s, ok := h.sessions.Session(id); ok {
		JSON(w, http.StatusOK, s)
		return
	}

	s, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		slog.Error("Failed to load session", "session_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if s == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	JSON(w, http.StatusOK, s)
}

// Close ends a live session.
func (h *SessionsHandler) Close(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !h.sessions.CloseSession(id, "closed by operator") {
		Error(w, http.StatusNotFound, "session not live")
		return
	}
	slog.Info("Session close requested", "session_id", id)
	JSON(w, http.StatusAccepted, map[string]string{"status": "closing"})
}
