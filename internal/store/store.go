// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/intake-voice/internal/domain"
)

// ListFilter narrows ListSessions results.
type ListFilter struct {
	// State keeps only sessions in this state when non-empty.
	State string
	// Limit caps the number of rows; zero means the default of 100.
	Limit int
}

// Repository persists intake sessions and their turn logs.
type Repository interface {
	// CreateSession inserts a new session together with any turns it already has.
	CreateSession(ctx context.Context, session *domain.Session) error

	// UpdateSessionState records a state change.
	UpdateSessionState(ctx context.Context, sessionID string, state domain.State, at time.Time) error

	// CloseSession marks a session closed with its reason.
	CloseSession(ctx context.Context, sessionID string, closedAt time.Time, reason string) error

	// UpsertTurn inserts or updates a turn. Completed turns are never changed.
	UpsertTurn(ctx context.Context, sessionID string, turn domain.Turn) error

	// GetSession retrieves a session with its turns. It returns nil, nil if
	// the session does not exist.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// ListSessions returns sessions newest first, without turns.
	ListSessions(ctx context.Context, filter ListFilter) ([]*domain.Session, error)

	// DeleteClosedSessionsBefore removes sessions closed before cutoff and their turns.
	DeleteClosedSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// CloseAbandonedSessions closes sessions left open by a previous process.
	CloseAbandonedSessions(ctx context.Context, at time.Time, reason string) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
