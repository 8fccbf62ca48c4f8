package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/intake-voice/internal/conversation"
	"github.com/ashureev/intake-voice/internal/domain"
	"github.com/ashureev/intake-voice/internal/model"
	"github.com/ashureev/intake-voice/internal/profile"
	"github.com/ashureev/intake-voice/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeConn struct {
	events    chan transport.Event
	closeOnce sync.Once

	mu          sync.Mutex
	audio       [][]byte
	captions    []string
	disconnects int
	sendErr     error
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan transport.Event, 16)}
}

func (c *fakeConn) Events() <-chan transport.Event { return c.events }

func (c *fakeConn) SendAudio(_ context.Context, pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.audio = append(c.audio, pcm)
	return nil
}

func (c *fakeConn) SendText(_ context.Context, speaker domain.Speaker, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.captions = append(c.captions, string(speaker)+":"+text)
	return nil
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	c.disconnects++
	c.mu.Unlock()
	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

func (c *fakeConn) snapshot() (audio [][]byte, captions []string, disconnects int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.audio...), append([]string(nil), c.captions...), c.disconnects
}

type fakeSession struct {
	events    chan model.Event
	closeOnce sync.Once

	mu      sync.Mutex
	inputs  []model.Input
	sendErr error
	closed  bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan model.Event, 16)}
}

func (s *fakeSession) Send(_ context.Context, in model.Input) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return model.ErrSessionClosed
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.inputs = append(s.inputs, in)
	return nil
}

func (s *fakeSession) Events() <-chan model.Event { return s.events }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}

func (s *fakeSession) sent() []model.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Input(nil), s.inputs...)
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeOpener struct {
	mu       sync.Mutex
	sessions []*fakeSession
	openErr  error
	sendErr  error
}

func (f *fakeOpener) Open(context.Context, profile.Profile) (model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := newFakeSession()
	s.sendErr = f.sendErr
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeOpener) Ping(context.Context) error { return nil }

func (f *fakeOpener) last() *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[len(f.sessions)-1]
}

type recordingObserver struct {
	NopObserver

	mu      sync.Mutex
	opened  []string
	closed  []domain.Session
	dropped []error
}

func (r *recordingObserver) SessionOpened(s domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, s.ID)
}

func (r *recordingObserver) SessionClosed(s domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, s)
}

func (r *recordingObserver) EventDropped(_, _ string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped = append(r.dropped, err)
}

func (r *recordingObserver) closedSessions() []domain.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Session(nil), r.closed...)
}

func (r *recordingObserver) droppedErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.dropped...)
}

type fixture struct {
	orch     *Orchestrator
	opener   *fakeOpener
	observer *recordingObserver
	conns    chan *fakeConn
	clock    *clock
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		opener:   &fakeOpener{},
		observer: &recordingObserver{},
		conns:    make(chan *fakeConn, 8),
		clock:    &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	adapter := transport.AdapterFunc(func(context.Context, domain.RoomRef) (transport.Conn, error) {
		c := newFakeConn()
		f.conns <- c
		return c, nil
	})
	failing := transport.AdapterFunc(func(context.Context, domain.RoomRef) (transport.Conn, error) {
		return nil, errors.New("room unreachable")
	})

	orch, err := New(Config{
		Profile: profile.Default(),
		Transports: map[string]transport.Adapter{
			domain.TransportWebSocket: adapter,
			"broken":                  failing,
		},
		Model:    f.opener,
		Observer: f.observer,
		Now:      f.clock.Now,
	})
	require.NoError(t, err)
	f.orch = orch

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return f
}

func (f *fixture) connect(t *testing.T, roomName string) (string, *fakeConn, *fakeSession) {
	t.Helper()
	id, err := f.orch.OnRoomConnected(t.Context(), domain.RoomRef{Name: roomName, Transport: domain.TransportWebSocket})
	require.NoError(t, err)
	return id, <-f.conns, f.opener.last()
}

func waitState(t *testing.T, o *Orchestrator, id string, want domain.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := o.Session(id)
		return ok && s.State == want
	}, waitFor, tick, "session never reached %s", want)
}

func waitGone(t *testing.T, o *Orchestrator, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := o.Session(id)
		return !ok
	}, waitFor, tick)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t)
	id, conn, sess := f.connect(t, "room-1")

	snap, ok := f.orch.Session(id)
	require.True(t, ok)
	assert.Equal(t, domain.StateGreeting, snap.State)
	require.Len(t, sess.sent(), 1)
	assert.Equal(t, profile.Default().Greeting, sess.sent()[0].Text)

	sess.events <- model.Event{Kind: model.EventReplyReady, Text: "Hello, what brings you in?", Audio: []byte{1, 2}}
	waitState(t, f.orch, id, domain.StateListening)
	require.Eventually(t, func() bool {
		audio, captions, _ := conn.snapshot()
		return len(audio) == 1 && len(captions) == 1
	}, waitFor, tick)

	conn.events <- transport.Event{Kind: transport.EventAudioFrame, Audio: []byte{9, 9}}
	conn.events <- transport.Event{Kind: transport.EventTurnEnd, Transcript: "I have a headache"}
	waitState(t, f.orch, id, domain.StateResponding)

	inputs := sess.sent()
	require.Len(t, inputs, 3)
	assert.Equal(t, []byte{9, 9}, inputs[1].Audio)
	assert.True(t, inputs[2].EndTurn, "a streamed turn is closed, not repeated as text")
	assert.Empty(t, inputs[2].Text)

	sess.events <- model.Event{Kind: model.EventReplyReady, Text: "How long has it hurt?", Audio: []byte{3}}
	waitState(t, f.orch, id, domain.StateListening)

	snap, _ = f.orch.Session(id)
	require.Len(t, snap.Turns, 3)
	assert.Equal(t, domain.SpeakerAssistant, snap.Turns[0].Speaker)
	assert.Equal(t, domain.SpeakerPatient, snap.Turns[1].Speaker)
	assert.Equal(t, domain.SpeakerAssistant, snap.Turns[2].Speaker)
	for _, turn := range snap.Turns {
		assert.True(t, turn.Completed)
	}

	conn.events <- transport.Event{Kind: transport.EventDisconnect, Reason: "patient hung up"}
	waitGone(t, f.orch, id)

	_, captions, disconnects := conn.snapshot()
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, []string{
		"assistant:Hello, what brings you in?",
		"patient:I have a headache",
		"assistant:How long has it hurt?",
	}, captions)
	assert.True(t, sess.isClosed())

	closed := f.observer.closedSessions()
	require.Len(t, closed, 1)
	assert.Equal(t, "patient hung up", closed[0].CloseReason)
	assert.Equal(t, domain.StateClosed, closed[0].State)
	assert.NotNil(t, closed[0].ClosedAt)
}

func TestAudioIgnoredWhileGreeting(t *testing.T) {
	f := newFixture(t)
	id, conn, sess := f.connect(t, "room-1")

	conn.events <- transport.Event{Kind: transport.EventAudioFrame, Audio: []byte{1}}
	conn.events <- transport.Event{Kind: transport.EventTurnEnd, Transcript: "early"}
	// Patient audio and turn ends are queued ahead of the reply.
	time.Sleep(20 * time.Millisecond)
	sess.events <- model.Event{Kind: model.EventReplyReady, Text: "Hi"}
	waitState(t, f.orch, id, domain.StateListening)

	assert.Len(t, sess.sent(), 1, "only the greeting should reach the model")
}

func TestPartialTranscriptFallback(t *testing.T) {
	f := newFixture(t)
	id, conn, sess := f.connect(t, "room-1")

	sess.events <- model.Event{Kind: model.EventReplyReady, Text: "Hi"}
	waitState(t, f.orch, id, domain.StateListening)

	sess.events <- model.Event{Kind: model.EventPartialTranscript, Text: "my knee hurts"}
	require.Eventually(t, func() bool {
		s, _ := f.orch.Session(id)
		return len(s.Turns) == 2 && s.Turns[1].Text == "my knee hurts"
	}, waitFor, tick)

	conn.events <- transport.Event{Kind: transport.EventTurnEnd}
	waitState(t, f.orch, id, domain.StateResponding)

	inputs := sess.sent()
	assert.Equal(t, "my knee hurts", inputs[len(inputs)-1].Text)
}

func TestModelErrorClosesSession(t *testing.T) {
	f := newFixture(t)
	id, conn, sess := f.connect(t, "room-1")

	sess.events <- model.Event{Kind: model.EventReplyReady, Text: "Hi", Audio: []byte{1}}
	waitState(t, f.orch, id, domain.StateListening)
	conn.events <- transport.Event{Kind: transport.EventTurnEnd, Transcript: "fever"}
	waitState(t, f.orch, id, domain.StateResponding)
	require.Eventually(t, func() bool {
		_, captions, _ := conn.snapshot()
		return len(captions) == 2
	}, waitFor, tick)
	audioBefore, captionsBefore, _ := conn.snapshot()

	cause := errors.New("quota exhausted")
	f.orch.OnModelEvent(id, model.Event{Kind: model.EventError, Err: cause})
	// A reply racing the error must not reach the patient.
	f.orch.OnModelEvent(id, model.Event{Kind: model.EventReplyReady, Text: "too late", Audio: []byte{7}})
	waitGone(t, f.orch, id)
	f.orch.OnModelEvent(id, model.Event{Kind: model.EventReplyReady, Text: "later still", Audio: []byte{8}})

	closed := f.observer.closedSessions()
	require.Len(t, closed, 1)
	assert.Contains(t, closed[0].CloseReason, "quota exhausted")

	last := closed[0].Turns[len(closed[0].Turns)-1]
	assert.Equal(t, domain.SpeakerAssistant, last.Speaker)
	assert.False(t, last.Completed)

	audio, captions, disconnects := conn.snapshot()
	assert.Equal(t, 1, disconnects)
	assert.Equal(t, audioBefore, audio, "no audio after the model error")
	assert.Equal(t, captionsBefore, captions, "no captions after the model error")
	assert.Len(t, f.observer.droppedErrors(), 2)
}

func TestReplyAfterDisconnectIsNotDelivered(t *testing.T) {
	f := newFixture(t)
	id, conn, sess := f.connect(t, "room-1")

	sess.events <- model.Event{Kind: model.EventReplyReady, Text: "Hi", Audio: []byte{1}}
	waitState(t, f.orch, id, domain.StateListening)
	conn.events <- transport.Event{Kind: transport.EventTurnEnd, Transcript: "cough"}
	waitState(t, f.orch, id, domain.StateResponding)
	require.Eventually(t, func() bool {
		audio, _, _ := conn.snapshot()
		return len(audio) == 1
	}, waitFor, tick)

	f.orch.OnTransportEvent(id, transport.Event{Kind: transport.EventDisconnect, Reason: "patient left"})
	f.orch.OnModelEvent(id, model.Event{Kind: model.EventReplyReady, Text: "late", Audio: []byte{7}})
	waitGone(t, f.orch, id)

	audio, captions, _ := conn.snapshot()
	assert.Len(t, audio, 1)
	assert.NotContains(t, captions, "assistant:late")
}

func TestReplyDeliveryFailureClosesSession(t *testing.T) {
	f := newFixture(t)
	id, conn, sess := f.connect(t, "room-1")

	conn.mu.Lock()
	conn.sendErr = errors.New("socket gone")
	conn.mu.Unlock()

	sess.events <- model.Event{Kind: model.EventReplyReady, Text: "Hi", Audio: []byte{1}}
	waitGone(t, f.orch, id)

	closed := f.observer.closedSessions()
	require.Len(t, closed, 1)
	assert.Equal(t, "reply delivery failed", closed[0].CloseReason)
}

func TestTransportVanishingClosesSession(t *testing.T) {
	f := newFixture(t)
	id, conn, _ := f.connect(t, "room-1")

	conn.closeOnce.Do(func() { close(conn.events) })
	waitGone(t, f.orch, id)

	closed := f.observer.closedSessions()
	require.Len(t, closed, 1)
	assert.Equal(t, "transport closed", closed[0].CloseReason)
}

func TestModelStreamEndingClosesSession(t *testing.T) {
	f := newFixture(t)
	id, _, sess := f.connect(t, "room-1")

	sess.closeOnce.Do(func() { close(sess.events) })
	waitGone(t, f.orch, id)

	closed := f.observer.closedSessions()
	require.Len(t, closed, 1)
	assert.Contains(t, closed[0].CloseReason, errModelStreamEnded.Error())
}

func TestSessionCreationFailures(t *testing.T) {
	t.Run("unknown transport", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orch.OnRoomConnected(t.Context(), domain.RoomRef{Name: "r", Transport: "carrier-pigeon"})

		var cerr *SessionCreationError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, StageTransport, cerr.Stage)
		assert.ErrorIs(t, err, ErrUnknownTransport)
	})

	t.Run("transport connect fails", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.orch.OnRoomConnected(t.Context(), domain.RoomRef{Name: "r", Transport: "broken"})

		var cerr *SessionCreationError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, StageTransport, cerr.Stage)
		assert.Equal(t, 0, f.orch.Len())
	})

	t.Run("model open fails", func(t *testing.T) {
		f := newFixture(t)
		f.opener.openErr = errors.New("bad api key")
		_, err := f.orch.OnRoomConnected(t.Context(), domain.RoomRef{Name: "r", Transport: domain.TransportWebSocket})

		var cerr *SessionCreationError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, StageModel, cerr.Stage)

		conn := <-f.conns
		_, _, disconnects := conn.snapshot()
		assert.Equal(t, 1, disconnects)
		assert.Equal(t, 0, f.orch.Len())
	})

	t.Run("greeting fails", func(t *testing.T) {
		f := newFixture(t)
		f.opener.sendErr = errors.New("stream reset")
		_, err := f.orch.OnRoomConnected(t.Context(), domain.RoomRef{Name: "r", Transport: domain.TransportWebSocket})

		var cerr *SessionCreationError
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, StageGreeting, cerr.Stage)

		conn := <-f.conns
		_, _, disconnects := conn.snapshot()
		assert.Equal(t, 1, disconnects)
		assert.True(t, f.opener.last().isClosed())
		assert.Equal(t, 0, f.orch.Len())
		assert.Empty(t, f.observer.closedSessions())
	})
}

func TestEventsForUnknownSessionAreDropped(t *testing.T) {
	f := newFixture(t)

	f.orch.OnTransportEvent("missing", transport.Event{Kind: transport.EventTurnEnd, Transcript: "hi"})
	f.orch.OnModelEvent("missing", model.Event{Kind: model.EventReplyReady})

	dropped := f.observer.droppedErrors()
	require.Len(t, dropped, 2)
	var desync *TransportDesyncError
	require.ErrorAs(t, dropped[0], &desync)
	assert.Equal(t, "missing", desync.SessionID)
}

func TestSessionForRoomAndListing(t *testing.T) {
	f := newFixture(t)
	first, _, _ := f.connect(t, "room-a")
	f.clock.Advance(time.Second)
	second, _, _ := f.connect(t, "room-b")

	id, ok := f.orch.SessionForRoom("room-b")
	require.True(t, ok)
	assert.Equal(t, second, id)

	_, ok = f.orch.SessionForRoom("room-z")
	assert.False(t, ok)

	sessions := f.orch.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, first, sessions[0].ID)
	assert.Equal(t, second, sessions[1].ID)
}

func TestShutdownClosesEverySession(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "room-a")
	f.connect(t, "room-b")

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(ctx))
	assert.Equal(t, 0, f.orch.Len())

	for _, s := range f.observer.closedSessions() {
		assert.Equal(t, "server shutting down", s.CloseReason)
	}

	_, err := f.orch.OnRoomConnected(t.Context(), domain.RoomRef{Name: "late", Transport: domain.TransportWebSocket})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestCloseSession(t *testing.T) {
	f := newFixture(t)
	id, _, _ := f.connect(t, "room-a")

	assert.False(t, f.orch.CloseSession("nope", "admin"))
	assert.True(t, f.orch.CloseSession(id, "closed by operator"))
	waitGone(t, f.orch, id)

	closed := f.observer.closedSessions()
	require.Len(t, closed, 1)
	assert.Equal(t, "closed by operator", closed[0].CloseReason)
}

func TestCloseSessionAfterCloseReportsFalse(t *testing.T) {
	f := newFixture(t)
	id, _, _ := f.connect(t, "room-a")
	r, ok := f.orch.runner(id)
	require.True(t, ok)

	require.True(t, f.orch.CloseSession(id, "closed by operator"))
	select {
	case <-r.done:
	case <-time.After(waitFor):
		t.Fatal("session never finished")
	}

	for range 50 {
		assert.False(t, r.enqueue(conversation.Event{Kind: conversation.EventAudioFrame, Audio: []byte{1}}))
	}
	assert.False(t, f.orch.CloseSession(id, "again"))
	require.Len(t, f.observer.closedSessions(), 1)
}

func TestEnqueueRejectsClosedSessionBeforeExit(t *testing.T) {
	f := newFixture(t)
	sess := newFakeSession()
	r := newRunner("closing", domain.RoomRef{Name: "room-a"}, newFakeConn(), sess, f.orch.cfg)
	t.Cleanup(r.cancel)
	r.mu.Lock()
	r.snapshot.State = domain.StateClosed
	r.mu.Unlock()

	// The run loop has not exited yet, but the session is already closed.
	assert.False(t, r.enqueue(conversation.Event{Kind: conversation.EventTurnEnd, Text: "hello"}))
	assert.False(t, r.enqueue(conversation.Event{Kind: conversation.EventDisconnect}))
	assert.Empty(t, r.queue)
	assert.False(t, sess.isClosed())
}

func TestDroppedEventForClosedSessionIsReported(t *testing.T) {
	f := newFixture(t)
	id, _, _ := f.connect(t, "room-a")
	r, ok := f.orch.runner(id)
	require.True(t, ok)
	r.mu.Lock()
	prev := r.snapshot.State
	r.snapshot.State = domain.StateClosed
	r.mu.Unlock()

	f.orch.OnModelEvent(id, model.Event{Kind: model.EventReplyReady, Text: "Hi"})

	r.mu.Lock()
	r.snapshot.State = prev
	r.mu.Unlock()

	dropped := f.observer.droppedErrors()
	require.Len(t, dropped, 1)
	assert.ErrorIs(t, dropped[0], conversation.ErrClosed)
}

func TestStreamedTurnEndsActivity(t *testing.T) {
	f := newFixture(t)
	id, conn, sess := f.connect(t, "room-1")

	sess.events <- model.Event{Kind: model.EventReplyReady, Text: "Hi"}
	waitState(t, f.orch, id, domain.StateListening)

	conn.events <- transport.Event{Kind: transport.EventAudioFrame, Audio: []byte{1}}
	conn.events <- transport.Event{Kind: transport.EventAudioFrame, Audio: []byte{2}}
	conn.events <- transport.Event{Kind: transport.EventTurnEnd, Transcript: "my back hurts"}
	waitState(t, f.orch, id, domain.StateResponding)

	inputs := sess.sent()
	require.Len(t, inputs, 4)
	assert.Equal(t, []byte{1}, inputs[1].Audio)
	assert.Equal(t, []byte{2}, inputs[2].Audio)
	assert.Equal(t, model.Input{EndTurn: true}, inputs[3])

	sess.events <- model.Event{Kind: model.EventReplyReady, Text: "Since when?"}
	waitState(t, f.orch, id, domain.StateListening)

	// A typed turn with no audio goes to the model as text.
	conn.events <- transport.Event{Kind: transport.EventTurnEnd, Transcript: "two days"}
	waitState(t, f.orch, id, domain.StateResponding)

	inputs = sess.sent()
	require.Len(t, inputs, 5)
	assert.Equal(t, model.Input{Text: "two days"}, inputs[4])

	s, _ := f.orch.Session(id)
	assert.Equal(t, "my back hurts", s.Turns[1].Text)
}

type fakePurger struct {
	mu     sync.Mutex
	cutoff time.Time
}

func (p *fakePurger) DeleteClosedSessionsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoff = cutoff
	return 3, nil
}

func TestSweepClosesSessionsOverMaxDuration(t *testing.T) {
	f := newFixture(t)
	old, _, _ := f.connect(t, "room-old")
	f.clock.Advance(8 * time.Minute)
	fresh, _, _ := f.connect(t, "room-new")
	f.clock.Advance(3 * time.Minute)

	purger := &fakePurger{}
	closed := f.orch.sweep(t.Context(), SweeperConfig{
		MaxDuration: 10 * time.Minute,
		Retention:   24 * time.Hour,
		Purger:      purger,
	})
	assert.Equal(t, 1, closed)
	waitGone(t, f.orch, old)

	_, ok := f.orch.Session(fresh)
	assert.True(t, ok)
	assert.Equal(t, f.clock.Now().Add(-24*time.Hour), purger.cutoff)
}
