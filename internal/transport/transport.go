// Package transport defines the contract between the orchestrator and the
// real-time audio transport a room is reached through.
package transport

import (
	"context"
	"errors"

	"github.com/ashureev/intake-voice/internal/domain"
)

var (
	// ErrRoomNotFound is returned when no pending connection exists for a room.
	ErrRoomNotFound = errors.New("room not found")
	// ErrConnClosed is returned by SendAudio after the connection closed.
	ErrConnClosed = errors.New("transport connection closed")
)

// EventKind enumerates events a transport connection emits.
type EventKind int

const (
	EventAudioFrame EventKind = iota + 1
	EventTurnEnd
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventAudioFrame:
		return "audio_frame"
	case EventTurnEnd:
		return "turn_end"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is emitted by a Conn.
type Event struct {
	Kind EventKind
	// Audio is 16-bit little-endian mono PCM for EventAudioFrame.
	Audio []byte
	// Transcript is the patient utterance for EventTurnEnd, possibly empty.
	Transcript string
	// Reason describes why the room went away for EventDisconnect.
	Reason string
}

// Conn is an established room connection.
type Conn interface {
	// Events delivers inbound events. The channel is closed once the
	// connection is gone, after a final EventDisconnect.
	Events() <-chan Event
	// SendAudio plays synthesized PCM into the room.
	SendAudio(ctx context.Context, pcm []byte) error
	// Disconnect leaves the room. Safe to call more than once.
	Disconnect() error
}

// TextSender is implemented by connections that can show captions.
type TextSender interface {
	SendText(ctx context.Context, speaker domain.Speaker, text string) error
}

// Adapter connects to rooms of one transport kind.
type Adapter interface {
	Connect(ctx context.Context, room domain.RoomRef) (Conn, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, room domain.RoomRef) (Conn, error)

// Connect calls f.
func (f AdapterFunc) Connect(ctx context.Context, room domain.RoomRef) (Conn, error) {
	return f(ctx, room)
}
