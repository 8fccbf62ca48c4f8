package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/intake-voice/internal/domain"
)

const (
	defaultRecorderBuffer = 1024
	writeTimeout          = 5 * time.Second
)

type write struct {
	op        string
	sessionID string
	fn        func(ctx context.Context) error
}

// Recorder persists session lifecycle notifications. Writes are applied in
// order by a single goroutine so a session's turns never race its creation.
type Recorder struct {
	repo   Repository
	writes chan write
	now    func() time.Time
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewRecorder starts a recorder writing to repo.
func NewRecorder(repo Repository, buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = defaultRecorderBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		repo:   repo,
		writes: make(chan write, buffer),
		now:    time.Now,
		logger: logger,
		done:   make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *Recorder) loop() {
	defer close(r.done)
	for w := range r.writes {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := w.fn(ctx); err != nil {
			r.logger.Error("Failed to persist session change",
				"op", w.op,
				"session_id", w.sessionID,
				"error", err)
		}
		cancel()
	}
}

func (r *Recorder) submit(op, sessionID string, fn func(ctx context.Context) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Warn("Recorder closed, dropping write", "op", op, "session_id", sessionID)
		return
	}
	r.writes <- write{op: op, sessionID: sessionID, fn: fn}
}

// SessionOpened inserts the session row and its opening turns.
func (r *Recorder) SessionOpened(s domain.Session) {
	r.submit("create session", s.ID, func(ctx context.Context) error {
		return r.repo.CreateSession(ctx, &s)
	})
}

// StateChanged updates the persisted state.
func (r *Recorder) StateChanged(sessionID string, _, to domain.State) {
	if to == domain.StateClosed {
		// SessionClosed records the reason along with the state.
		return
	}
	at := r.now()
	r.submit("update state", sessionID, func(ctx context.Context) error {
		return r.repo.UpdateSessionState(ctx, sessionID, to, at)
	})
}

// TurnUpdated upserts the turn.
func (r *Recorder) TurnUpdated(sessionID string, turn domain.Turn) {
	r.submit("upsert turn", sessionID, func(ctx context.Context) error {
		return r.repo.UpsertTurn(ctx, sessionID, turn)
	})
}

// SessionClosed marks the session closed.
func (r *Recorder) SessionClosed(s domain.Session) {
	closedAt := r.now()
	if s.ClosedAt != nil {
		closedAt = *s.ClosedAt
	}
	r.submit("close session", s.ID, func(ctx context.Context) error {
		return r.repo.CloseSession(ctx, s.ID, closedAt, s.CloseReason)
	})
}

// EventDropped is not persisted.
func (r *Recorder) EventDropped(string, string, error) {}

// Close flushes pending writes and stops the recorder.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.writes)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
