package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/intake-voice/internal/domain"
	"github.com/go-chi/chi/v5"
)

const subscriberBuffer = 64

// SessionEvent is the payload of one SSE message.
type SessionEvent struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Room      *domain.RoomRef `json:"room,omitempty"`
	From      string          `json:"from,omitempty"`
	State     string          `json:"state,omitempty"`
	Turn      *domain.Turn    `json:"turn,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

type message struct {
	id    int64
	event string
	data  string
}

// Broadcaster fans session notifications out to SSE subscribers. It
// implements the orchestrator observer.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[int64]chan message
	nextSub     int64
	eventID     int64

	retry     time.Duration
	keepalive time.Duration
}

// NewBroadcaster creates a broadcaster with a 5s client retry and a 10s keepalive.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[int64]chan message),
		retry:       5 * time.Second,
		keepalive:   10 * time.Second,
	}
}

func (b *Broadcaster) subscribe() (int64, <-chan message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	ch := make(chan message, subscriberBuffer)
	b.subscribers[b.nextSub] = ch
	return b.nextSub, ch
}

func (b *Broadcaster) unsubscribe(id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Subscribers returns the number of connected streams.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Broadcaster) publish(ev SessionEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to encode session event", "error", err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.eventID++
	msg := message{id: b.eventID, event: ev.Type, data: string(data)}
	for id, ch := range b.subscribers {
		select {
		case ch <- msg:
		default:
			slog.Warn("SSE subscriber is slow, dropping event", "subscriber", id, "event_id", msg.id)
		}
	}
}

func (b *Broadcaster) SessionOpened(s domain.Session) {
	room := s.Room
	b.publish(SessionEvent{Type: "session_opened", SessionID: s.ID, Room: &room, State: s.StateName})
}

func (b *Broadcaster) StateChanged(sessionID string, from, to domain.State) {
	b.publish(SessionEvent{Type: "state_changed", SessionID: sessionID, From: from.String(), State: to.String()})
}

func (b *Broadcaster) TurnUpdated(sessionID string, turn domain.Turn) {
	b.publish(SessionEvent{Type: "turn_updated", SessionID: sessionID, Turn: &turn})
}

func (b *Broadcaster) SessionClosed(s domain.Session) {
	b.publish(SessionEvent{Type: "session_closed", SessionID: s.ID, State: s.StateName, Reason: s.CloseReason})
}

func (b *Broadcaster) EventDropped(string, string, error) {}

// RegisterRoutes registers the event stream route.
func (b *Broadcaster) RegisterRoutes(r chi.Router) {
	r.Get("/api/sessions/events", b.Stream)
}

// Stream serves session notifications as server-sent events.
func (b *Broadcaster) Stream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", b.retry.Milliseconds())); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err)
		return
	}

	subID, events := b.subscribe()
	defer func() {
		b.unsubscribe(subID)
		slog.Info("SSE connection closed", "subscriber", subID)
	}()

	if err := writeSSE(w, "connected", `{"status":"connected"}`); err != nil {
		slog.Warn("failed to write SSE connected event", "error", err)
		return
	}
	flusher.Flush()
	slog.Info("SSE connection established", "subscriber", subID)

	keepalive := time.NewTicker(b.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-events:
			if err := writeSSEWithID(w, msg.id, msg.event, msg.data); err != nil {
				slog.Warn("failed to write SSE event", "error", err, "subscriber", subID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "subscriber", subID)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event, data string) error {
	// Data must not contain raw newlines; JSON encoding guarantees that.
	data = strings.ReplaceAll(data, "\n", "\\n")
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}
