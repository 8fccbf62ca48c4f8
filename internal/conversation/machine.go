package conversation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ashureev/intake-voice/internal/domain"
)

var (
	// ErrClosed is returned for any event delivered after the session closed.
	ErrClosed = errors.New("conversation closed")
	// ErrUnknownEvent is returned for event kinds outside the enum.
	ErrUnknownEvent = errors.New("unknown conversation event")
)

// Transition describes the outcome of a single Handle call.
type Transition struct {
	From   domain.State
	To     domain.State
	Action Action
	// Turns lists turns created or modified by this event, in log order.
	Turns []domain.Turn
	// Ignored is set when the event was valid but had no effect in From.
	Ignored bool
}

// Changed reports whether the state moved.
func (t Transition) Changed() bool {
	return t.From != t.To
}

// Machine tracks the conversation state and turn log of one session.
type Machine struct {
	state    domain.State
	greeting string
	turns    *domain.TurnLog
	// partial is the latest patient transcript seen while listening.
	partial  string
	closeErr error
	now      func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source used for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// New returns a machine in the Idle state. greeting is the instruction sent
// to the model when the session starts.
func New(greeting string, opts ...Option) *Machine {
	m := &Machine{
		state:    domain.StateIdle,
		greeting: greeting,
		turns:    domain.NewTurnLog(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Machine) State() domain.State {
	return m.state
}

// Turns returns a copy of the turn log.
func (m *Machine) Turns() []domain.Turn {
	return m.turns.Turns()
}

// CloseErr returns the failure that closed the session, nil if it closed
// cleanly or is still open.
func (m *Machine) CloseErr() error {
	return m.closeErr
}

// Handle applies ev and returns the resulting transition. Events arriving
// after Closed return ErrClosed and leave the machine untouched.
func (m *Machine) Handle(ev Event) (Transition, error) {
	tr := Transition{From: m.state, To: m.state}

	if m.state == domain.StateClosed {
		return tr, fmt.Errorf("%w: dropped %s", ErrClosed, ev.Kind)
	}

	var err error
	switch ev.Kind {
	case EventStart:
		err = m.onStart(&tr)
	case EventAudioFrame:
		err = m.onAudioFrame(ev, &tr)
	case EventPartialTranscript:
		err = m.onPartialTranscript(ev, &tr)
	case EventTurnEnd:
		err = m.onTurnEnd(ev, &tr)
	case EventReplyReady:
		err = m.onReplyReady(ev, &tr)
	case EventDisconnect, EventShutdown:
		m.close(nil, &tr)
	case EventModelError:
		cause := ev.Err
		if cause == nil {
			cause = errors.New("model stream failed")
		}
		m.close(cause, &tr)
	default:
		return tr, fmt.Errorf("%w: %s", ErrUnknownEvent, ev.Kind)
	}
	if err != nil {
		return Transition{From: tr.From, To: m.state}, err
	}
	tr.To = m.state
	return tr, nil
}

func (m *Machine) onStart(tr *Transition) error {
	if m.state != domain.StateIdle {
		tr.Ignored = true
		return nil
	}
	turn, err := m.turns.Start(domain.SpeakerAssistant, m.now())
	if err != nil {
		return err
	}
	m.state = domain.StateGreeting
	tr.Turns = append(tr.Turns, turn)
	tr.Action = Action{Kind: ActionSendGreeting, Text: m.greeting}
	return nil
}

func (m *Machine) onAudioFrame(ev Event, tr *Transition) error {
	// Half duplex: patient audio only reaches the model while listening.
	if m.state != domain.StateListening || len(ev.Audio) == 0 {
		tr.Ignored = true
		return nil
	}
	if _, open := m.turns.InFlight(domain.SpeakerPatient); !open {
		turn, err := m.turns.Start(domain.SpeakerPatient, m.now())
		if err != nil {
			return err
		}
		tr.Turns = append(tr.Turns, turn)
	}
	tr.Action = Action{Kind: ActionForwardAudio, Audio: ev.Audio}
	return nil
}

func (m *Machine) onPartialTranscript(ev Event, tr *Transition) error {
	if m.state != domain.StateListening {
		tr.Ignored = true
		return nil
	}
	m.partial = ev.Text
	if _, open := m.turns.InFlight(domain.SpeakerPatient); !open {
		if _, err := m.turns.Start(domain.SpeakerPatient, m.now()); err != nil {
			return err
		}
	}
	turn, err := m.turns.SetText(domain.SpeakerPatient, ev.Text)
	if err != nil {
		return err
	}
	tr.Turns = append(tr.Turns, turn)
	return nil
}

func (m *Machine) onTurnEnd(ev Event, tr *Transition) error {
	if m.state != domain.StateListening {
		// A repeated turn_end while responding has no further effect.
		tr.Ignored = true
		return nil
	}
	transcript := strings.TrimSpace(ev.Text)
	if transcript == "" {
		transcript = strings.TrimSpace(m.partial)
	}
	if transcript == "" {
		tr.Ignored = true
		return nil
	}

	now := m.now()
	if _, open := m.turns.InFlight(domain.SpeakerPatient); !open {
		if _, err := m.turns.Start(domain.SpeakerPatient, now); err != nil {
			return err
		}
	}
	patient, err := m.turns.Complete(domain.SpeakerPatient, transcript, now)
	if err != nil {
		return err
	}
	assistant, err := m.turns.Start(domain.SpeakerAssistant, now)
	if err != nil {
		return err
	}
	m.partial = ""
	m.state = domain.StateResponding
	tr.Turns = append(tr.Turns, patient, assistant)
	tr.Action = Action{Kind: ActionRequestReply, Text: transcript}
	return nil
}

func (m *Machine) onReplyReady(ev Event, tr *Transition) error {
	if m.state != domain.StateGreeting && m.state != domain.StateResponding {
		tr.Ignored = true
		return nil
	}
	turn, err := m.turns.Complete(domain.SpeakerAssistant, ev.Text, m.now())
	if err != nil {
		return err
	}
	m.state = domain.StateListening
	tr.Turns = append(tr.Turns, turn)
	tr.Action = Action{Kind: ActionDeliverReply, Text: ev.Text, Audio: ev.Audio}
	return nil
}

func (m *Machine) close(cause error, tr *Transition) {
	m.state = domain.StateClosed
	m.closeErr = cause
	m.partial = ""
	tr.Action = Action{Kind: ActionRelease, Err: cause}
}
