package wsroom

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/intake-voice/internal/domain"
	"github.com/ashureev/intake-voice/internal/identity"
	"github.com/ashureev/intake-voice/internal/transport"
	"github.com/coder/websocket"
)

func TestRegistryRegisterAndUnregister(t *testing.T) {
	r := NewRegistry()
	conn := &Conn{done: make(chan struct{})}

	r.Register("room-1", conn)
	if got := r.Get("room-1"); got != conn {
		t.Errorf("Expected connection %v, got %v", conn, got)
	}

	r.Unregister("room-1", conn)
	if got := r.Get("room-1"); got != nil {
		t.Errorf("Expected nil connection, got %v", got)
	}
}

func TestRegistryUnregisterStale(t *testing.T) {
	r := NewRegistry()
	conn1 := &Conn{done: make(chan struct{})}
	conn2 := &Conn{done: make(chan struct{})}

	r.Register("room-1", conn1)
	r.Register("room-2", conn2)
	r.Unregister("room-2", conn1)

	if got := r.Get("room-2"); got != conn2 {
		t.Errorf("Expected connection %v, got %v", conn2, got)
	}
}

func TestRegistryConnectUnknownRoom(t *testing.T) {
	r := NewRegistry()
	_, err := r.Connect(context.Background(), domain.RoomRef{Name: "missing"})
	if !errors.Is(err, transport.ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

type fakeConnector struct {
	registry *Registry
	conns    chan transport.Conn
	fail     error
	// failAfterConnect disconnects the room before failing, as session
	// setup does when the model cannot be reached.
	failAfterConnect bool
}

func (f *fakeConnector) OnRoomConnected(ctx context.Context, room domain.RoomRef) (string, error) {
	if f.fail != nil && !f.failAfterConnect {
		return "", f.fail
	}
	c, err := f.registry.Connect(ctx, room)
	if err != nil {
		return "", err
	}
	if f.fail != nil {
		_ = c.Disconnect()
		return "", f.fail
	}
	f.conns <- c
	return "sess-1", nil
}

func startServer(t *testing.T, connector *fakeConnector) string {
	t.Helper()
	h := NewHandler(connector.registry, connector, HandlerConfig{
		IsDev:            true,
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
	})
	srv := httptest.NewServer(identity.Middleware(true)(h))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readJSON(t *testing.T, ctx context.Context, ws *websocket.Conn) outboundMessage {
	t.Helper()
	typ, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText {
		t.Fatalf("expected text frame, got %v", typ)
	}
	var msg outboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func nextEvent(t *testing.T, c transport.Conn) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport event")
	}
	return transport.Event{}
}

func TestHandlerBridgesSocketToTransportEvents(t *testing.T) {
	t.Parallel()

	connector := &fakeConnector{registry: NewRegistry(), conns: make(chan transport.Conn, 1)}
	url := startServer(t, connector)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = ws.CloseNow() }()

	ready := readJSON(t, ctx, ws)
	if ready.Type != "ready" || ready.SessionID != "sess-1" || ready.OutputRate != 24000 {
		t.Fatalf("unexpected ready frame: %+v", ready)
	}
	conn := <-connector.conns

	if err := ws.Write(ctx, websocket.MessageBinary, []byte{1, 0, 2, 0}); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if ev := nextEvent(t, conn); ev.Kind != transport.EventAudioFrame || len(ev.Audio) != 4 {
		t.Fatalf("expected audio frame, got %+v", ev)
	}

	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"turn_end","transcript":"I have a headache"}`)); err != nil {
		t.Fatalf("write turn_end: %v", err)
	}
	if ev := nextEvent(t, conn); ev.Kind != transport.EventTurnEnd || ev.Transcript != "I have a headache" {
		t.Fatalf("expected turn_end, got %+v", ev)
	}

	if err := conn.SendAudio(ctx, []byte{9, 9}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	typ, data, err := ws.Read(ctx)
	if err != nil || typ != websocket.MessageBinary || len(data) != 2 {
		t.Fatalf("expected reply audio, got %v %v %v", typ, data, err)
	}

	if err := ws.Write(ctx, websocket.MessageText, []byte(`{"type":"hangup"}`)); err != nil {
		t.Fatalf("write hangup: %v", err)
	}
	ev := nextEvent(t, conn)
	if ev.Kind != transport.EventDisconnect || ev.Reason != "patient hung up" {
		t.Fatalf("expected disconnect, got %+v", ev)
	}
}

func TestHandlerReportsSessionFailure(t *testing.T) {
	t.Parallel()

	for name, afterConnect := range map[string]bool{
		"before connect": false,
		"after connect":  true,
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			connector := &fakeConnector{
				registry:         NewRegistry(),
				conns:            make(chan transport.Conn, 1),
				fail:             errors.New("model unavailable"),
				failAfterConnect: afterConnect,
			}
			url := startServer(t, connector)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			ws, _, err := websocket.Dial(ctx, url, nil)
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer func() { _ = ws.CloseNow() }()

			_, _, err = ws.Read(ctx)
			if status := websocket.CloseStatus(err); status != websocket.StatusTryAgainLater {
				t.Fatalf("expected close status %v, got %v (%v)", websocket.StatusTryAgainLater, status, err)
			}
			var ce websocket.CloseError
			if !errors.As(err, &ce) || ce.Reason != SessionUnavailable {
				t.Fatalf("expected close reason %q, got %v", SessionUnavailable, err)
			}
		})
	}
}
