package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/intake-voice/internal/conversation"
	"github.com/ashureev/intake-voice/internal/domain"
	"github.com/ashureev/intake-voice/internal/model"
	"github.com/ashureev/intake-voice/internal/transport"
)

var errModelStreamEnded = errors.New("model stream ended unexpectedly")

// runner owns one session. All state machine input is serialized through
// queue and handled on the run goroutine.
type runner struct {
	id       string
	machine  *conversation.Machine
	conn     transport.Conn
	model    model.Session
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	queue chan conversation.Event
	// ctx scopes outbound model and transport calls. It is canceled as soon
	// as the session starts tearing down.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// streamed is set once patient audio reached the model for the current
	// turn. Only the run goroutine touches it.
	streamed bool

	mu       sync.RWMutex
	snapshot domain.Session
}

func newRunner(id string, room domain.RoomRef, conn transport.Conn, sess model.Session, cfg Config) *runner {
	ctx, cancel := context.WithCancel(context.Background())
	now := cfg.Now()
	return &runner{
		id:       id,
		machine:  conversation.New(cfg.Profile.Greeting, conversation.WithClock(cfg.Now)),
		conn:     conn,
		model:    sess,
		observer: cfg.Observer,
		logger:   cfg.Logger.With("session_id", id, "room", room.Name, "transport", room.Transport),
		now:      cfg.Now,
		queue:    make(chan conversation.Event, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		snapshot: domain.Session{
			ID:        id,
			Room:      room,
			State:     domain.StateIdle,
			StateName: domain.StateIdle.String(),
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}

// greet moves the fresh session into Greeting and asks the model for the
// opening line. It runs before the run loop starts.
func (r *runner) greet(ctx context.Context) error {
	tr, err := r.machine.Handle(conversation.Event{Kind: conversation.EventStart})
	if err != nil {
		return err
	}
	r.record(tr, conversation.Event{Kind: conversation.EventStart}, false)
	return r.model.Send(ctx, model.Input{Text: tr.Action.Text})
}

func (r *runner) start(deliverTransport func(transport.Event), deliverModel func(model.Event)) {
	go r.run()
	go r.pumpTransport(deliverTransport)
	go r.pumpModel(deliverModel)
}

func (r *runner) run() {
	defer close(r.done)
	for {
		r.handle(<-r.queue)
		if r.machine.State() == domain.StateClosed {
			r.drain()
			return
		}
	}
}

// drain reports events queued behind the one that closed the session.
func (r *runner) drain() {
	for {
		select {
		case ev := <-r.queue:
			r.handle(ev)
		default:
			return
		}
	}
}

// finished reports whether the session reached Closed.
func (r *runner) finished() bool {
	select {
	case <-r.done:
		return true
	default:
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot.State == domain.StateClosed
}

// enqueue hands ev to the run loop. It reports false once the session has
// closed. Teardown events cancel outbound work before queueing so they are
// not stuck behind buffered audio.
func (r *runner) enqueue(ev conversation.Event) bool {
	if r.finished() {
		return false
	}
	if ev.Kind == conversation.EventDisconnect || ev.Kind == conversation.EventShutdown {
		r.abort()
	}

	// The closing transition takes r.mu, so an event buffered here is either
	// drained by the run loop or never accepted.
	r.mu.RLock()
	if r.snapshot.State == domain.StateClosed {
		r.mu.RUnlock()
		return false
	}
	select {
	case r.queue <- ev:
		r.mu.RUnlock()
		return true
	default:
	}
	r.mu.RUnlock()

	select {
	case r.queue <- ev:
		return true
	case <-r.done:
		return false
	}
}

func (r *runner) abort() {
	r.cancel()
	if err := r.model.Close(); err != nil {
		r.logger.Debug("Model close during abort failed", "error", err)
	}
}

func (r *runner) handle(ev conversation.Event) {
	tr, err := r.machine.Handle(ev)
	if err != nil {
		if errors.Is(err, conversation.ErrClosed) {
			r.logger.Error("Event delivered after session closed", "event", ev.Kind.String(), "error", err)
		} else {
			r.logger.Error("Event rejected", "event", ev.Kind.String(), "state", tr.From.String(), "error", err)
		}
		r.observer.EventDropped(r.id, ev.Kind.String(), err)
		return
	}
	if tr.Ignored {
		r.logger.Debug("Event ignored", "event", ev.Kind.String(), "state", tr.From.String())
		return
	}

	r.record(tr, ev, true)
	r.perform(tr.Action)

	if tr.To == domain.StateClosed {
		r.observer.SessionClosed(r.Snapshot())
	}
}

// record folds tr into the snapshot and notifies observers of turn and
// state changes.
func (r *runner) record(tr conversation.Transition, ev conversation.Event, notify bool) {
	now := r.now()

	r.mu.Lock()
	r.snapshot.State = tr.To
	r.snapshot.StateName = tr.To.String()
	r.snapshot.UpdatedAt = now
	if len(tr.Turns) > 0 {
		r.snapshot.Turns = r.machine.Turns()
	}
	if tr.To == domain.StateClosed {
		r.snapshot.ClosedAt = &now
		r.snapshot.CloseReason = closeReason(tr, ev)
	}
	r.mu.Unlock()

	if !notify {
		return
	}
	for _, turn := range tr.Turns {
		r.observer.TurnUpdated(r.id, turn)
	}
	if tr.Changed() {
		r.observer.StateChanged(r.id, tr.From, tr.To)
	}
}

func closeReason(tr conversation.Transition, ev conversation.Event) string {
	if tr.Action.Err != nil {
		return tr.Action.Err.Error()
	}
	if ev.Text != "" {
		return ev.Text
	}
	if ev.Kind == conversation.EventShutdown {
		return "server shutting down"
	}
	return "disconnected"
}

func (r *runner) perform(a conversation.Action) {
	switch a.Kind {
	case conversation.ActionNone:
	case conversation.ActionSendGreeting:
		r.sendModel(model.Input{Text: a.Text})
	case conversation.ActionForwardAudio:
		r.streamed = true
		r.sendModel(model.Input{Audio: a.Audio})
	case conversation.ActionRequestReply:
		r.caption(domain.SpeakerPatient, a.Text)
		if r.streamed {
			// The model already heard the turn as audio.
			r.streamed = false
			r.sendModel(model.Input{EndTurn: true})
			return
		}
		r.sendModel(model.Input{Text: a.Text})
	case conversation.ActionDeliverReply:
		r.deliver(a)
	case conversation.ActionRelease:
		r.release(a.Err)
	}
}

func (r *runner) sendModel(in model.Input) {
	if r.ctx.Err() != nil {
		return
	}
	if err := r.model.Send(r.ctx, in); err != nil {
		if r.ctx.Err() != nil {
			return
		}
		r.handle(conversation.Event{
			Kind: conversation.EventModelError,
			Err:  &ModelStreamError{SessionID: r.id, Err: err},
		})
	}
}

func (r *runner) deliver(a conversation.Action) {
	if r.ctx.Err() != nil {
		return
	}
	if len(a.Audio) > 0 {
		if err := r.conn.SendAudio(r.ctx, a.Audio); err != nil {
			if r.ctx.Err() != nil {
				return
			}
			r.logger.Warn("Reply delivery failed, closing session", "error", err)
			r.handle(conversation.Event{Kind: conversation.EventDisconnect, Text: "reply delivery failed"})
			return
		}
	}
	r.caption(domain.SpeakerAssistant, a.Text)
}

func (r *runner) caption(speaker domain.Speaker, text string) {
	sender, ok := r.conn.(transport.TextSender)
	if !ok || text == "" || r.ctx.Err() != nil {
		return
	}
	if err := sender.SendText(r.ctx, speaker, text); err != nil {
		r.logger.Debug("Caption not delivered", "speaker", string(speaker), "error", err)
	}
}

func (r *runner) release(cause error) {
	r.cancel()
	if err := r.model.Close(); err != nil {
		r.logger.Warn("Failed to close model session", "error", err)
	}
	if err := r.conn.Disconnect(); err != nil {
		r.logger.Warn("Failed to disconnect transport", "error", err)
	}
	if cause != nil {
		r.logger.Warn("Intake session closed with error", "error", cause)
		return
	}
	r.logger.Info("Intake session closed", "reason", r.Snapshot().CloseReason)
}

// pumpTransport forwards connection events until the session ends. A
// connection that vanishes without saying so is treated as a disconnect.
func (r *runner) pumpTransport(deliver func(transport.Event)) {
	events := r.conn.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if r.ctx.Err() == nil {
					r.enqueue(conversation.Event{Kind: conversation.EventDisconnect, Text: "transport closed"})
				}
				return
			}
			// Our own Disconnect echoes back as an event; nothing to report.
			if ev.Kind == transport.EventDisconnect && r.ctx.Err() != nil {
				return
			}
			deliver(ev)
		case <-r.done:
			return
		}
	}
}

func (r *runner) pumpModel(deliver func(model.Event)) {
	events := r.model.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if r.ctx.Err() == nil {
					r.enqueue(conversation.Event{
						Kind: conversation.EventModelError,
						Err:  &ModelStreamError{SessionID: r.id, Err: errModelStreamEnded},
					})
				}
				return
			}
			deliver(ev)
		case <-r.done:
			return
		}
	}
}

// Snapshot returns a copy of the session as last recorded.
func (r *runner) Snapshot() domain.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.snapshot
	s.Turns = append([]domain.Turn(nil), r.snapshot.Turns...)
	if r.snapshot.ClosedAt != nil {
		closedAt := *r.snapshot.ClosedAt
		s.ClosedAt = &closedAt
	}
	return s
}
