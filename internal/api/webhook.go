package api

import (
	"log/slog"
	"net/http"

	"github.com/ashureev/intake-voice/internal/transport"
	"github.com/go-chi/chi/v5"
	lkproto "github.com/livekit/protocol/livekit"
	"google.golang.org/protobuf/encoding/protojson"
)

// WebhookReceiver validates and decodes a LiveKit webhook request.
type WebhookReceiver func(r *http.Request) (*lkproto.WebhookEvent, error)

// WebhookHandler turns LiveKit room lifecycle webhooks into disconnects.
type WebhookHandler struct {
	receive       WebhookReceiver
	sessions      SessionRegistry
	agentIdentity string
}

// NewWebhookHandler creates a webhook handler. Events about agentIdentity
// itself are ignored.
func NewWebhookHandler(receive WebhookReceiver, sessions SessionRegistry, agentIdentity string) *WebhookHandler {
	return &WebhookHandler{receive: receive, sessions: sessions, agentIdentity: agentIdentity}
}

// RegisterRoutes registers the webhook route.
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/api/livekit/webhook", h.Webhook)
}

// Webhook handles a single LiveKit webhook delivery.
func (h *WebhookHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	event, err := h.receive(r)
	if err != nil {
		slog.Warn("Rejected LiveKit webhook", "error", err)
		Error(w, http.StatusUnauthorized, "invalid webhook")
		return
	}

	if raw, err := protojson.Marshal(event); err == nil {
		slog.Debug("LiveKit webhook received", "event", event.GetEvent(), "payload", string(raw))
	}

	roomName := event.GetRoom().GetName()
	var reason string
	switch event.GetEvent() {
	case "room_finished":
		reason = "room finished"
	case "participant_left":
		if event.GetParticipant().GetIdentity() == h.agentIdentity {
			break
		}
		reason = "patient left"
	}

	if reason != "" && roomName != "" {
		if id, ok := h.sessions.SessionForRoom(roomName); ok {
			slog.Info("Closing session from LiveKit webhook",
				"session_id", id,
				"room", roomName,
				"event", event.GetEvent())
			h.sessions.OnTransportEvent(id, transport.Event{Kind: transport.EventDisconnect, Reason: reason})
		}
	}

	w.WriteHeader(http.StatusOK)
}
