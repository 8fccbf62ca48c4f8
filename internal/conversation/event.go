// Package conversation implements the per-session intake state machine.
//
// A Machine is not safe for concurrent use. The orchestrator feeds it one
// event at a time from the session's queue and performs the returned action.
package conversation

import "fmt"

// EventKind enumerates every input the machine understands.
type EventKind int

const (
	// EventStart is delivered once, right after the session is created.
	EventStart EventKind = iota + 1
	EventAudioFrame
	EventTurnEnd
	EventDisconnect
	EventShutdown
	EventPartialTranscript
	EventReplyReady
	EventModelError
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventAudioFrame:
		return "audio_frame"
	case EventTurnEnd:
		return "turn_end"
	case EventDisconnect:
		return "disconnect"
	case EventShutdown:
		return "shutdown"
	case EventPartialTranscript:
		return "partial_transcript"
	case EventReplyReady:
		return "reply_ready"
	case EventModelError:
		return "model_error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a tagged input. Only the fields relevant to Kind are set.
type Event struct {
	Kind EventKind
	// Audio carries PCM for EventAudioFrame and the reply for EventReplyReady.
	Audio []byte
	// Text is the transcript for EventTurnEnd and EventPartialTranscript,
	// the reply text for EventReplyReady, or the reason for EventDisconnect
	// and EventShutdown.
	Text string
	// Err is the cause for EventModelError.
	Err error
}

// ActionKind enumerates the side effects a transition may request.
type ActionKind int

const (
	ActionNone ActionKind = iota
	// ActionSendGreeting asks the model to produce the opening prompt.
	ActionSendGreeting
	// ActionForwardAudio streams a patient frame to the model.
	ActionForwardAudio
	// ActionRequestReply hands the completed patient utterance to the model.
	ActionRequestReply
	// ActionDeliverReply sends synthesized audio back to the room.
	ActionDeliverReply
	// ActionRelease tears down model and transport resources.
	ActionRelease
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionSendGreeting:
		return "send_greeting"
	case ActionForwardAudio:
		return "forward_audio"
	case ActionRequestReply:
		return "request_reply"
	case ActionDeliverReply:
		return "deliver_reply"
	case ActionRelease:
		return "release"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Action is the single outbound effect of a transition.
type Action struct {
	Kind  ActionKind
	Text  string
	Audio []byte
	// Err is the close reason carried by ActionRelease, nil for a clean close.
	Err error
}
