package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/intake-voice/internal/domain"
	"github.com/ashureev/intake-voice/internal/identity"
	"github.com/ashureev/intake-voice/internal/transport/livekit"
	"github.com/go-chi/chi/v5"
)

// TokenIssuer mints LiveKit participant credentials.
type TokenIssuer interface {
	Issue(participantName string) (*livekit.ConnectionDetails, error)
}

// ConnectionHandler serves LiveKit connection details to the browser and
// joins the new room on the service side.
type ConnectionHandler struct {
	issuer   TokenIssuer
	sessions SessionRegistry
	limiter  *RateLimiter
	// joinCtx outlives the request; in-process joins stop with it.
	joinCtx     context.Context
	joinTimeout time.Duration
	// JoinRooms is false when an external agent worker is dispatched instead.
	JoinRooms bool
}

// NewConnectionHandler creates a connection-details handler.
func NewConnectionHandler(ctx context.Context, issuer TokenIssuer, sessions SessionRegistry, limiter *RateLimiter, joinTimeout time.Duration) *ConnectionHandler {
	if joinTimeout <= 0 {
		joinTimeout = 90 * time.Second
	}
	return &ConnectionHandler{
		issuer:      issuer,
		sessions:    sessions,
		limiter:     limiter,
		joinCtx:     ctx,
		joinTimeout: joinTimeout,
		JoinRooms:   true,
	}
}

// RegisterRoutes registers the connection-details route.
func (h *ConnectionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/connection-details", h.ConnectionDetails)
}

type connectionRequest struct {
	ParticipantName string `json:"participant_name"`
}

// ConnectionDetails issues a room token for the calling patient.
func (h *ConnectionHandler) ConnectionDetails(w http.ResponseWriter, r *http.Request) {
	clientKey := identity.IPFromRequest(r)
	if patientID := identity.PatientIDFromContext(r.Context()); patientID != "" {
		clientKey = patientID
	}
	if h.limiter != nil && !h.limiter.Allow(clientKey) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req connectionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ParticipantName == "" {
		if patientID := identity.PatientIDFromContext(r.Context()); patientID != "" {
			req.ParticipantName = identity.DisplayName(patientID)
		}
	}

	details, err := h.issuer.Issue(req.ParticipantName)
	if err != nil {
		slog.Error("Failed to issue connection details", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create connection details")
		return
	}

	slog.Info("Connection details issued",
		"room", details.RoomName,
		"participant", details.Identity)

	if h.JoinRooms {
		room := domain.RoomRef{
			Name:        details.RoomName,
			Transport:   domain.TransportLiveKit,
			Participant: details.Identity,
		}
		go h.join(room)
	}

	w.Header().Set("Cache-Control", "no-store")
	JSON(w, http.StatusOK, details)
}

// join runs session creation in the background; the browser connects to
// the room with the returned token while the agent waits for it there.
func (h *ConnectionHandler) join(room domain.RoomRef) {
	ctx, cancel := context.WithTimeout(h.joinCtx, h.joinTimeout)
	defer cancel()
	if _, err := h.sessions.OnRoomConnected(ctx, room); err != nil {
		slog.Warn("LiveKit room join failed", "room", room.Name, "error", err)
	}
}
