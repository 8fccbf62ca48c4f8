// Package api provides HTTP handlers for the intake API.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/intake-voice/internal/domain"
	"github.com/ashureev/intake-voice/internal/transport"
)

// SessionRegistry is the orchestrator surface the HTTP layer drives.
type SessionRegistry interface {
	OnRoomConnected(ctx context.Context, room domain.RoomRef) (string, error)
	OnTransportEvent(sessionID string, ev transport.Event)
	Session(id string) (domain.Session, bool)
	Sessions() []domain.Session
	SessionForRoom(roomName string) (string, bool)
	CloseSession(id, reason string) bool
	Len() int
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
