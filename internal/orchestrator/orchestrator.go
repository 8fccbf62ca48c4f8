// Package orchestrator binds rooms, model sessions and conversation state
// machines into intake sessions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/intake-voice/internal/conversation"
	"github.com/ashureev/intake-voice/internal/domain"
	"github.com/ashureev/intake-voice/internal/model"
	"github.com/ashureev/intake-voice/internal/profile"
	"github.com/ashureev/intake-voice/internal/transport"
	"github.com/google/uuid"
)

const defaultQueueSize = 256

// Config wires an Orchestrator.
type Config struct {
	Profile profile.Profile
	// Transports maps RoomRef.Transport to the adapter serving it.
	Transports map[string]transport.Adapter
	Model      model.Opener
	Observer   Observer
	// QueueSize bounds buffered events per session.
	QueueSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

// Orchestrator is the session registry. It is safe for concurrent use.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*runner
	// rooms maps a room name to the newest session bound to it.
	rooms   map[string]string
	closing bool

	wg sync.WaitGroup
}

// New validates cfg and returns an empty registry.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Model == nil {
		return nil, errors.New("model opener is required")
	}
	if len(cfg.Transports) == 0 {
		return nil, errors.New("at least one transport is required")
	}
	if err := cfg.Profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid profile: %w", err)
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Orchestrator{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]*runner),
		rooms:    make(map[string]string),
	}, nil
}

// OnRoomConnected turns a connected room into a live session: it joins the
// room, opens a model session, sends the greeting and registers the result.
// Any failure tears down what was acquired and returns *SessionCreationError.
func (o *Orchestrator) OnRoomConnected(ctx context.Context, room domain.RoomRef) (string, error) {
	fail := func(stage string, err error) (string, error) {
		o.logger.Error("Failed to create intake session",
			"room", room.Name,
			"transport", room.Transport,
			"stage", stage,
			"error", err)
		return "", &SessionCreationError{Room: room, Stage: stage, Err: err}
	}

	if o.isClosing() {
		return fail(StageRegistry, ErrShuttingDown)
	}
	adapter, ok := o.cfg.Transports[room.Transport]
	if !ok {
		return fail(StageTransport, fmt.Errorf("%w: %q", ErrUnknownTransport, room.Transport))
	}

	conn, err := adapter.Connect(ctx, room)
	if err != nil {
		return fail(StageTransport, err)
	}

	sess, err := o.cfg.Model.Open(ctx, o.cfg.Profile)
	if err != nil {
		_ = conn.Disconnect()
		return fail(StageModel, err)
	}

	id := uuid.NewString()
	r := newRunner(id, room, conn, sess, o.cfg)
	if err := r.greet(ctx); err != nil {
		r.release(err)
		return fail(StageGreeting, err)
	}

	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		r.release(ErrShuttingDown)
		return fail(StageRegistry, ErrShuttingDown)
	}
	o.sessions[id] = r
	o.rooms[room.Name] = id
	o.wg.Add(1)
	o.mu.Unlock()

	o.cfg.Observer.SessionOpened(r.Snapshot())
	r.start(
		func(ev transport.Event) { o.OnTransportEvent(id, ev) },
		func(ev model.Event) { o.OnModelEvent(id, ev) },
	)
	go o.reap(r, room.Name)

	o.logger.Info("Intake session started",
		"session_id", id,
		"room", room.Name,
		"transport", room.Transport)
	return id, nil
}

func (o *Orchestrator) reap(r *runner, roomName string) {
	defer o.wg.Done()
	<-r.done

	o.mu.Lock()
	delete(o.sessions, r.id)
	if o.rooms[roomName] == r.id {
		delete(o.rooms, roomName)
	}
	o.mu.Unlock()
}

// OnTransportEvent routes a room event to its session. Events for unknown
// sessions are logged and dropped.
func (o *Orchestrator) OnTransportEvent(sessionID string, ev transport.Event) {
	var cev conversation.Event
	switch ev.Kind {
	case transport.EventAudioFrame:
		cev = conversation.Event{Kind: conversation.EventAudioFrame, Audio: ev.Audio}
	case transport.EventTurnEnd:
		cev = conversation.Event{Kind: conversation.EventTurnEnd, Text: ev.Transcript}
	case transport.EventDisconnect:
		cev = conversation.Event{Kind: conversation.EventDisconnect, Text: ev.Reason}
	default:
		o.logger.Warn("Unknown transport event", "session_id", sessionID, "kind", int(ev.Kind))
		return
	}
	o.dispatch(sessionID, cev)
}

// OnModelEvent routes model output to its session.
func (o *Orchestrator) OnModelEvent(sessionID string, ev model.Event) {
	var cev conversation.Event
	switch ev.Kind {
	case model.EventPartialTranscript:
		cev = conversation.Event{Kind: conversation.EventPartialTranscript, Text: ev.Text}
	case model.EventReplyReady:
		cev = conversation.Event{Kind: conversation.EventReplyReady, Text: ev.Text, Audio: ev.Audio}
	case model.EventError:
		cev = conversation.Event{
			Kind: conversation.EventModelError,
			Err:  &ModelStreamError{SessionID: sessionID, Err: ev.Err},
		}
	default:
		o.logger.Warn("Unknown model event", "session_id", sessionID, "kind", int(ev.Kind))
		return
	}
	o.dispatch(sessionID, cev)
}

func (o *Orchestrator) dispatch(sessionID string, ev conversation.Event) {
	r, ok := o.runner(sessionID)
	if !ok {
		err := &TransportDesyncError{SessionID: sessionID, Event: ev.Kind.String()}
		o.logger.Warn("Dropping event for unknown session", "error", err)
		o.cfg.Observer.EventDropped(sessionID, ev.Kind.String(), err)
		return
	}
	if !r.enqueue(ev) {
		o.logger.Error("Dropping event for closed session",
			"session_id", sessionID,
			"event", ev.Kind.String())
		o.cfg.Observer.EventDropped(sessionID, ev.Kind.String(), conversation.ErrClosed)
	}
}

// CloseSession disconnects a live session. It reports false if id is unknown
// or the session already closed.
func (o *Orchestrator) CloseSession(id, reason string) bool {
	r, ok := o.runner(id)
	if !ok {
		return false
	}
	return r.enqueue(conversation.Event{Kind: conversation.EventDisconnect, Text: reason})
}

// Session returns a snapshot of a live session.
func (o *Orchestrator) Session(id string) (domain.Session, bool) {
	r, ok := o.runner(id)
	if !ok {
		return domain.Session{}, false
	}
	return r.Snapshot(), true
}

// Sessions returns snapshots of all live sessions, oldest first.
func (o *Orchestrator) Sessions() []domain.Session {
	o.mu.RLock()
	out := make([]domain.Session, 0, len(o.sessions))
	for _, r := range o.sessions {
		out = append(out, r.Snapshot())
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SessionForRoom returns the live session bound to a room name.
func (o *Orchestrator) SessionForRoom(roomName string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	id, ok := o.rooms[roomName]
	return id, ok
}

// Len returns the number of live sessions.
func (o *Orchestrator) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.sessions)
}

// Shutdown refuses new rooms, closes every live session and waits for them
// to release their resources or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	runners := make([]*runner, 0, len(o.sessions))
	for _, r := range o.sessions {
		runners = append(runners, r)
	}
	o.mu.Unlock()

	o.logger.Info("Closing intake sessions", "count", len(runners))
	for _, r := range runners {
		go r.enqueue(conversation.Event{Kind: conversation.EventShutdown, Text: "server shutting down"})
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions to close: %w", ctx.Err())
	}
}

func (o *Orchestrator) runner(id string) (*runner, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.sessions[id]
	return r, ok
}

func (o *Orchestrator) isClosing() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closing
}
