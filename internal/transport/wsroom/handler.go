package wsroom

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/ashureev/intake-voice/internal/domain"
	"github.com/ashureev/intake-voice/internal/identity"
	"github.com/coder/websocket"
)

// SessionUnavailable is the close reason sent when no session could start.
const SessionUnavailable = "session_unavailable"

// RoomConnector starts an intake session for a room.
type RoomConnector interface {
	OnRoomConnected(ctx context.Context, room domain.RoomRef) (string, error)
}

// HandlerConfig configures the WebSocket handler.
type HandlerConfig struct {
	AllowedOrigin    string
	IsDev            bool
	InputSampleRate  int
	OutputSampleRate int
	EventBuffer      int
}

// Handler upgrades browser requests into intake sessions.
type Handler struct {
	registry  *Registry
	connector RoomConnector
	cfg       HandlerConfig
}

// NewHandler creates a new WebSocket handler.
func NewHandler(registry *Registry, connector RoomConnector, cfg HandlerConfig) *Handler {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	return &Handler{
		registry:  registry,
		connector: connector,
		cfg:       cfg,
	}
}

// RoomName is the room a browser tab is bound to.
func RoomName(patientID, tabID string) string {
	return "ws:" + patientID + ":" + tabID
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	patientID := identity.PatientIDFromContext(r.Context())
	tabID := identity.TabIDFromContext(r.Context())
	room := RoomName(patientID, tabID)
	slog.Info("Intake socket request", "patient_id", patientID, "room", room, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "patient_id", patientID)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := newConn(ws, room, h.cfg.EventBuffer)
	h.registry.Register(room, conn)
	defer h.registry.Unregister(room, conn)
	defer func() {
		if closeErr := conn.Disconnect(); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "room", room)
		}
	}()

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		conn.readLoop(ctx)
	}()

	// A failed setup may disconnect the socket before we return, so the
	// browser learns why from the close frame.
	conn.setCloseStatus(websocket.StatusTryAgainLater, SessionUnavailable)
	sessionID, err := h.connector.OnRoomConnected(ctx, domain.RoomRef{
		Name:        room,
		Transport:   domain.TransportWebSocket,
		Participant: patientID,
	})
	if err != nil {
		slog.Warn("Intake session unavailable", "error", err, "room", room)
		return
	}
	conn.setCloseStatus(websocket.StatusNormalClosure, "session ended")

	if err := conn.writeJSON(ctx, outboundMessage{
		Type:       "ready",
		SessionID:  sessionID,
		InputRate:  h.cfg.InputSampleRate,
		OutputRate: h.cfg.OutputSampleRate,
	}); err != nil {
		slog.Debug("Failed to send ready frame", "error", err, "room", room)
	}

	select {
	case <-readDone:
	case <-conn.Done():
	}
	slog.Info("Intake socket ended", "room", room, "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.cfg.AllowedOrigin == "*" || origin == h.cfg.AllowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.cfg.AllowedOrigin)
	return false
}
