// Package transcript writes conversation turns to NDJSON files for review.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/intake-voice/internal/domain"
)

// Config controls JSON conversation logging.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Event is one NDJSON line.
type Event struct {
	Timestamp  string         `json:"ts"`
	PatientID  string         `json:"patient_id"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Direction  string         `json:"direction"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw,omitempty"`
	Content    string         `json:"content,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

var unsafePathPart = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// cleanForReadability drops control characters and collapses whitespace.
func cleanForReadability(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

type record struct {
	path  string
	event Event
	// last closes the session file after writing.
	last bool
}

// Logger writes per-session NDJSON files asynchronously. It implements the
// orchestrator observer.
type Logger struct {
	cfg    Config
	logger *slog.Logger
	queue  chan record

	mu       sync.Mutex
	sessions map[string]sessionInfo
	closed   bool

	files map[string]*os.File
	done  chan struct{}
}

type sessionInfo struct {
	patient string
	channel string
}

// NewLogger creates the log directory and starts the writer goroutine.
func NewLogger(cfg Config, logger *slog.Logger) (*Logger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create conversation log directory: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0755); err != nil {
			return nil, fmt.Errorf("create global conversation log directory: %w", err)
		}
	}

	l := &Logger{
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan record, cfg.QueueSize),
		sessions: make(map[string]sessionInfo),
		files:    make(map[string]*os.File),
		done:     make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// Log queues ev for the session file of ev.PatientID/ev.SessionID. Events
// are dropped when the queue is full.
func (l *Logger) Log(ev Event) {
	l.enqueue(ev, false)
}

func (l *Logger) enqueue(ev Event, last bool) {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if ev.Content == "" && ev.ContentRaw != "" {
		ev.Content = cleanForReadability(ev.ContentRaw)
	}
	rec := record{
		path:  filepath.Join(l.cfg.Dir, safePart(ev.PatientID), safePart(ev.SessionID)+".ndjson"),
		event: ev,
		last:  last,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- rec:
	default:
		l.logger.Warn("Conversation log queue full, dropping event",
			"session_id", ev.SessionID,
			"event_type", ev.EventType)
	}
}

func safePart(s string) string {
	s = unsafePathPart.ReplaceAllString(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

func (l *Logger) run() {
	defer close(l.done)

	var global *os.File
	if l.cfg.GlobalEnabled {
		f, err := os.OpenFile(l.cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			l.logger.Error("Failed to open global conversation log", "error", err, "path", l.cfg.GlobalPath)
		} else {
			global = f
			defer func() { _ = global.Close() }()
		}
	}

	for rec := range l.queue {
		line, err := json.Marshal(rec.event)
		if err != nil {
			l.logger.Error("Failed to encode conversation log event", "error", err)
			continue
		}
		line = append(line, '\n')

		if err := l.write(rec.path, line); err != nil {
			l.logger.Error("Failed to write conversation log", "error", err, "path", rec.path)
		}
		if global != nil {
			if _, err := global.Write(line); err != nil {
				l.logger.Error("Failed to write global conversation log", "error", err)
			}
		}
		if rec.last {
			l.closeFile(rec.path)
		}
	}
	for path := range l.files {
		l.closeFile(path)
	}
}

func (l *Logger) write(path string, line []byte) error {
	f, ok := l.files[path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return err
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		l.files[path] = f
	}
	_, err := f.Write(line)
	return err
}

func (l *Logger) closeFile(path string) {
	if f, ok := l.files[path]; ok {
		_ = f.Close()
		delete(l.files, path)
	}
}

// Close flushes queued events and closes all files.
func (l *Logger) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}

func (l *Logger) info(sessionID string) sessionInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions[sessionID]
}

// SessionOpened starts the session file.
func (l *Logger) SessionOpened(s domain.Session) {
	patient := s.Room.Participant
	if patient == "" {
		patient = s.Room.Name
	}
	info := sessionInfo{patient: patient, channel: s.Room.Transport}

	l.mu.Lock()
	l.sessions[s.ID] = info
	l.mu.Unlock()

	l.Log(Event{
		PatientID: info.patient,
		SessionID: s.ID,
		Channel:   info.channel,
		Direction: "internal",
		EventType: "session_opened",
		Meta:      map[string]any{"room": s.Room.Name},
	})
}

// StateChanged logs state transitions.
func (l *Logger) StateChanged(sessionID string, from, to domain.State) {
	info := l.info(sessionID)
	l.Log(Event{
		PatientID: info.patient,
		SessionID: sessionID,
		Channel:   info.channel,
		Direction: "internal",
		EventType: "state_changed",
		Meta:      map[string]any{"from": from.String(), "to": to.String()},
	})
}

// TurnUpdated logs completed turns only.
func (l *Logger) TurnUpdated(sessionID string, turn domain.Turn) {
	if !turn.Completed {
		return
	}
	direction := "outbound"
	if turn.Speaker == domain.SpeakerPatient {
		direction = "inbound"
	}
	info := l.info(sessionID)
	l.Log(Event{
		PatientID:  info.patient,
		SessionID:  sessionID,
		Channel:    info.channel,
		Direction:  direction,
		EventType:  "turn_completed",
		ContentRaw: turn.Text,
		Meta:       map[string]any{"speaker": string(turn.Speaker), "seq": turn.Seq, "turn_id": turn.ID},
	})
}

// SessionClosed writes the final line and releases the session file.
func (l *Logger) SessionClosed(s domain.Session) {
	info := l.info(s.ID)
	l.mu.Lock()
	delete(l.sessions, s.ID)
	l.mu.Unlock()

	l.enqueue(Event{
		PatientID: info.patient,
		SessionID: s.ID,
		Channel:   info.channel,
		Direction: "internal",
		EventType: "session_closed",
		Meta:      map[string]any{"reason": s.CloseReason, "turns": len(s.Turns)},
	}, true)
}

// EventDropped is not logged to transcripts.
func (l *Logger) EventDropped(string, string, error) {}
