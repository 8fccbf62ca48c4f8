package wsroom

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/intake-voice/internal/domain"
	"github.com/ashureev/intake-voice/internal/transport"
	"github.com/coder/websocket"
)

const writeTimeout = 10 * time.Second

// inboundMessage is a JSON control frame from the browser.
type inboundMessage struct {
	Type string `json:"type"`
	// Data is base64 PCM when Type is "audio".
	Data       []byte `json:"data,omitempty"`
	Transcript string `json:"transcript,omitempty"`
}

// outboundMessage is a JSON frame sent to the browser.
type outboundMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	Role       string `json:"role,omitempty"`
	Text       string `json:"text,omitempty"`
	InputRate  int    `json:"input_sample_rate,omitempty"`
	OutputRate int    `json:"output_sample_rate,omitempty"`
}

// Conn adapts a browser WebSocket to transport.Conn.
type Conn struct {
	ws     *websocket.Conn
	room   string
	events chan transport.Event

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}

	statusMu    sync.Mutex
	closeCode   websocket.StatusCode
	closeReason string
}

var (
	_ transport.Conn       = (*Conn)(nil)
	_ transport.TextSender = (*Conn)(nil)
)

func newConn(ws *websocket.Conn, room string, buffer int) *Conn {
	return &Conn{
		ws:     ws,
		room:   room,
		events: make(chan transport.Event, buffer),
		done:   make(chan struct{}),

		closeCode:   websocket.StatusNormalClosure,
		closeReason: "session ended",
	}
}

// Events implements transport.Conn.
func (c *Conn) Events() <-chan transport.Event {
	return c.events
}

// SendAudio writes reply PCM as a single binary frame.
func (c *Conn) SendAudio(ctx context.Context, pcm []byte) error {
	return c.write(ctx, websocket.MessageBinary, pcm)
}

// SendText sends a caption frame.
func (c *Conn) SendText(ctx context.Context, speaker domain.Speaker, text string) error {
	return c.writeJSON(ctx, outboundMessage{Type: "transcript", Role: string(speaker), Text: text})
}

// Disconnect closes the socket with the pending close status. The read loop
// then reports the disconnect.
func (c *Conn) Disconnect() error {
	c.statusMu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.statusMu.Unlock()
	return c.closeWith(code, reason)
}

// setCloseStatus sets the status a later Disconnect sends to the browser.
func (c *Conn) setCloseStatus(code websocket.StatusCode, reason string) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.closeCode = code
	c.closeReason = reason
}

// Done is closed once the socket was closed locally.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) close(reason string) error {
	return c.closeWith(websocket.StatusNormalClosure, reason)
}

func (c *Conn) closeWith(code websocket.StatusCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close(code, reason)
	})
	return err
}

func (c *Conn) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	select {
	case <-c.done:
		return transport.ErrConnClosed
	default:
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, typ, data)
}

func (c *Conn) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(ctx, websocket.MessageText, data)
}

// readLoop converts inbound frames into transport events until the socket
// fails, then emits a final disconnect and closes Events.
func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.events)

	reason := "socket closed"
	defer func() {
		// The final event must not block forever on an abandoned channel.
		select {
		case c.events <- transport.Event{Kind: transport.EventDisconnect, Reason: reason}:
		case <-time.After(writeTimeout):
			slog.Warn("Dropped disconnect event", "room", c.room)
		}
	}()

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				reason = "client closed: " + status.String()
				slog.Debug("Intake socket closed by client", "room", c.room, "status", status)
			} else {
				select {
				case <-c.done:
					reason = "closed by server"
				default:
					slog.Warn("Intake socket read error", "error", err, "room", c.room)
				}
			}
			return
		}

		if typ == websocket.MessageBinary {
			if !c.emit(ctx, transport.Event{Kind: transport.EventAudioFrame, Audio: data}) {
				return
			}
			continue
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("Ignoring malformed intake frame", "room", c.room, "error", err)
			continue
		}

		switch msg.Type {
		case "audio":
			if !c.emit(ctx, transport.Event{Kind: transport.EventAudioFrame, Audio: msg.Data}) {
				return
			}
		case "turn_end":
			if !c.emit(ctx, transport.Event{Kind: transport.EventTurnEnd, Transcript: msg.Transcript}) {
				return
			}
		case "ping":
			if err := c.writeJSON(ctx, outboundMessage{Type: "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		case "hangup":
			reason = "patient hung up"
			return
		default:
			slog.Debug("Ignoring unknown intake frame", "room", c.room, "type", msg.Type)
		}
	}
}

func (c *Conn) emit(ctx context.Context, ev transport.Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
