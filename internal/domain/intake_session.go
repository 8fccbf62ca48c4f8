// Package domain contains core domain types for the intake voice service.
package domain

import (
	"time"
)

// State is a conversation state of an intake session.
type State int

const (
	StateIdle State = iota
	StateGreeting
	StateListening
	StateResponding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateResponding:
		return "responding"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ParseState converts a persisted state name back into a State.
func ParseState(s string) (State, bool) {
	for st := StateIdle; st <= StateClosed; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return StateIdle, false
}

// Transport kinds a room can be reached through.
const (
	TransportWebSocket = "websocket"
	TransportLiveKit   = "livekit"
)

// RoomRef identifies the room a session is bound to.
type RoomRef struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	// Participant is the remote (patient) identity, when known.
	Participant string `json:"participant,omitempty"`
}

// Session is the persisted and observable view of one intake conversation.
type Session struct {
	ID          string     `json:"id"`
	Room        RoomRef    `json:"room"`
	State       State      `json:"-"`
	StateName   string     `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CloseReason string     `json:"close_reason,omitempty"`
	Turns       []Turn     `json:"turns,omitempty"`
}

// IsClosed reports whether the session reached its terminal state.
func (s *Session) IsClosed() bool {
	return s.State == StateClosed
}

// Age returns how long the session has existed at now.
func (s *Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}
