// Package model defines the contract between the orchestrator and a
// streaming speech/language model backend.
package model

import (
	"context"
	"errors"

	"github.com/ashureev/intake-voice/internal/profile"
)

// ErrSessionClosed is returned by Send after Close.
var ErrSessionClosed = errors.New("model session closed")

// EventKind enumerates events a model session emits.
type EventKind int

const (
	// EventPartialTranscript carries the running transcription of patient audio.
	EventPartialTranscript EventKind = iota + 1
	// EventReplyReady carries a complete synthesized reply.
	EventReplyReady
	// EventError reports that the stream failed. No further events follow.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPartialTranscript:
		return "partial_transcript"
	case EventReplyReady:
		return "reply_ready"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is emitted by a Session on its Events channel.
type Event struct {
	Kind  EventKind
	Text  string
	Audio []byte
	Err   error
}

// Input is sent to the model. Exactly one field is set.
type Input struct {
	// Audio is 16-bit little-endian mono PCM at the adapter's input rate.
	// The first frame after a finished turn opens a new user turn.
	Audio []byte
	// Text is a complete user utterance or instruction; it ends the user turn.
	Text string
	// EndTurn closes the user turn opened by streamed Audio and asks for a
	// reply. The model does not answer streamed audio on its own.
	EndTurn bool
}

// Session is one open model conversation.
type Session interface {
	// Send forwards audio or text. It must not block on model output.
	Send(ctx context.Context, in Input) error
	// Events delivers model output until the session fails or is closed.
	// The channel is closed when the session ends.
	Events() <-chan Event
	// Close cancels in-flight work and releases the connection. Safe to call twice.
	Close() error
}

// Opener establishes model sessions.
type Opener interface {
	// Open connects a new session bound to p. One attempt, no retries.
	Open(ctx context.Context, p profile.Profile) (Session, error)
	// Ping verifies the backend is reachable with the configured credentials.
	Ping(ctx context.Context) error
}
