package orchestrator

import "github.com/ashureev/intake-voice/internal/domain"

// Observer is notified of session lifecycle changes. Calls come from the
// session's own goroutine and must return quickly.
type Observer interface {
	SessionOpened(s domain.Session)
	StateChanged(sessionID string, from, to domain.State)
	TurnUpdated(sessionID string, turn domain.Turn)
	SessionClosed(s domain.Session)
	EventDropped(sessionID, event string, err error)
}

// Observers fans notifications out to several observers in order.
type Observers []Observer

var _ Observer = Observers(nil)

func (os Observers) SessionOpened(s domain.Session) {
	for _, o := range os {
		o.SessionOpened(s)
	}
}

func (os Observers) StateChanged(sessionID string, from, to domain.State) {
	for _, o := range os {
		o.StateChanged(sessionID, from, to)
	}
}

func (os Observers) TurnUpdated(sessionID string, turn domain.Turn) {
	for _, o := range os {
		o.TurnUpdated(sessionID, turn)
	}
}

func (os Observers) SessionClosed(s domain.Session) {
	for _, o := range os {
		o.SessionClosed(s)
	}
}

func (os Observers) EventDropped(sessionID, event string, err error) {
	for _, o := range os {
		o.EventDropped(sessionID, event, err)
	}
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) SessionOpened(domain.Session) {}
func (NopObserver) StateChanged(string, domain.State, domain.State) {}
func (NopObserver) TurnUpdated(string, domain.Turn) {}
func (NopObserver) SessionClosed(domain.Session) {}
func (NopObserver) EventDropped(string, string, error) {}
