package orchestrator

import (
	"errors"
	"fmt"

	"github.com/ashureev/intake-voice/internal/domain"
)

var (
	// ErrShuttingDown is returned when a room connects during Shutdown.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	// ErrUnknownTransport is returned for rooms on an unregistered transport.
	ErrUnknownTransport = errors.New("unknown transport")
)

// Session creation stages reported by SessionCreationError.
const (
	StageRegistry  = "registry"
	StageTransport = "transport"
	StageModel     = "model"
	StageGreeting  = "greeting"
)

// SessionCreationError reports that a room could not be turned into a
// session. The room connection has already been torn down.
type SessionCreationError struct {
	Room  domain.RoomRef
	Stage string
	Err   error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("create session for room %q: %s: %v", e.Room.Name, e.Stage, e.Err)
}

func (e *SessionCreationError) Unwrap() error {
	return e.Err
}

// TransportDesyncError describes an event addressed to a session the
// registry does not know. It is logged and never returned to callers.
type TransportDesyncError struct {
	SessionID string
	Event     string
}

func (e *TransportDesyncError) Error() string {
	return fmt.Sprintf("%s event for unknown session %q", e.Event, e.SessionID)
}

// ModelStreamError is the close reason of a session whose model stream failed.
type ModelStreamError struct {
	SessionID string
	Err       error
}

func (e *ModelStreamError) Error() string {
	return fmt.Sprintf("model stream failed for session %q: %v", e.SessionID, e.Err)
}

func (e *ModelStreamError) Unwrap() error {
	return e.Err
}
