package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerPatient   Speaker = "patient"
	SpeakerAssistant Speaker = "assistant"
)

var (
	// ErrTurnInFlight is returned when a speaker already has an incomplete turn.
	ErrTurnInFlight = errors.New("speaker already has a turn in flight")
	// ErrNoTurnInFlight is returned when completing a turn that was never started.
	ErrNoTurnInFlight = errors.New("speaker has no turn in flight")
)

// Turn is one utterance in the conversation log.
type Turn struct {
	ID        string     `json:"id"`
	Seq       int        `json:"seq"`
	Speaker   Speaker    `json:"speaker"`
	Text      string     `json:"text"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Completed bool       `json:"completed"`
}

// TurnLog is the ordered list of turns for a session.
// Completed turns are never modified; at most one turn per speaker is open.
type TurnLog struct {
	turns []Turn
	open  map[Speaker]int
}

// NewTurnLog returns an empty turn log.
func NewTurnLog() *TurnLog {
	return &TurnLog{open: make(map[Speaker]int)}
}

// Start appends a new in-flight turn for speaker.
func (l *TurnLog) Start(speaker Speaker, at time.Time) (Turn, error) {
	if _, ok := l.open[speaker]; ok {
		return Turn{}, ErrTurnInFlight
	}
	t := Turn{
		ID:        uuid.NewString(),
		Seq:       len(l.turns),
		Speaker:   speaker,
		StartedAt: at,
	}
	l.turns = append(l.turns, t)
	l.open[speaker] = len(l.turns) - 1
	return t, nil
}

// InFlight returns the open turn for speaker, if any.
func (l *TurnLog) InFlight(speaker Speaker) (Turn, bool) {
	idx, ok := l.open[speaker]
	if !ok {
		return Turn{}, false
	}
	return l.turns[idx], true
}

// SetText replaces the text of the open turn for speaker.
func (l *TurnLog) SetText(speaker Speaker, text string) (Turn, error) {
	idx, ok := l.open[speaker]
	if !ok {
		return Turn{}, ErrNoTurnInFlight
	}
	l.turns[idx].Text = text
	return l.turns[idx], nil
}

// Complete closes the open turn for speaker with its final text.
func (l *TurnLog) Complete(speaker Speaker, text string, at time.Time) (Turn, error) {
	idx, ok := l.open[speaker]
	if !ok {
		return Turn{}, ErrNoTurnInFlight
	}
	end := at
	l.turns[idx].Text = text
	l.turns[idx].EndedAt = &end
	l.turns[idx].Completed = true
	delete(l.open, speaker)
	return l.turns[idx], nil
}

// Turns returns a copy of the log in order.
func (l *TurnLog) Turns() []Turn {
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Len returns the number of turns recorded.
func (l *TurnLog) Len() int {
	return len(l.turns)
}
