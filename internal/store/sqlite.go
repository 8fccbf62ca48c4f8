package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/intake-voice/internal/domain"
	_ "modernc.org/sqlite"
)

const defaultListLimit = 100

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

var _ Repository = (*SQLiteStore)(nil)

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS intake_sessions (
		session_id TEXT PRIMARY KEY,
		room_name TEXT NOT NULL,
		transport TEXT NOT NULL,
		participant TEXT,
		state TEXT NOT NULL,
		close_reason TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		closed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_intake_sessions_created ON intake_sessions(created_at);
	CREATE INDEX IF NOT EXISTS idx_intake_sessions_closed ON intake_sessions(closed_at) WHERE closed_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS turns (
		turn_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		speaker TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		completed INTEGER NOT NULL DEFAULT 0,
		started_at INTEGER NOT NULL,
		ended_at INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_turns_session_seq ON turns(session_id, seq);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession inserts a new session together with any turns it already has.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	return withRetry(ctx, "create session", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		query := `
		INSERT INTO intake_sessions (session_id, room_name, transport, participant, state,
		                             close_reason, created_at, updated_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, query,
			session.ID, session.Room.Name, session.Room.Transport, nullString(session.Room.Participant),
			session.State.String(), nullString(session.CloseReason),
			session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli(), nullTime(session.ClosedAt),
		); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		for _, turn := range session.Turns {
			if err := upsertTurn(ctx, tx, session.ID, turn); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// UpdateSessionState records a state change.
func (s *SQLiteStore) UpdateSessionState(ctx context.Context, sessionID string, state domain.State, at time.Time) error {
	query := `UPDATE intake_sessions SET state = ?, updated_at = ? WHERE session_id = ? AND closed_at IS NULL`
	return withRetry(ctx, "update session state", func() error {
		if _, err := s.db.ExecContext(ctx, query, state.String(), at.UnixMilli(), sessionID); err != nil {
			return fmt.Errorf("update session state: %w", err)
		}
		return nil
	})
}

// CloseSession marks a session closed with its reason.
func (s *SQLiteStore) CloseSession(ctx context.Context, sessionID string, closedAt time.Time, reason string) error {
	query := `
	UPDATE intake_sessions
	SET state = ?, close_reason = ?, closed_at = ?, updated_at = ?
	WHERE session_id = ?`
	return withRetry(ctx, "close session", func() error {
		ms := closedAt.UnixMilli()
		if _, err := s.db.ExecContext(ctx, query,
			domain.StateClosed.String(), nullString(reason), ms, ms, sessionID,
		); err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		return nil
	})
}

// UpsertTurn inserts or updates a turn. Completed turns are never changed.
func (s *SQLiteStore) UpsertTurn(ctx context.Context, sessionID string, turn domain.Turn) error {
	return withRetry(ctx, "upsert turn", func() error {
		return upsertTurn(ctx, s.db, sessionID, turn)
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertTurn(ctx context.Context, db execer, sessionID string, turn domain.Turn) error {
	query := `
	INSERT INTO turns (turn_id, session_id, seq, speaker, text, completed, started_at, ended_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(turn_id) DO UPDATE SET
		text = excluded.text,
		completed = excluded.completed,
		ended_at = excluded.ended_at
	WHERE turns.completed = 0`

	_, err := db.ExecContext(ctx, query,
		turn.ID, sessionID, turn.Seq, string(turn.Speaker), turn.Text,
		turn.Completed, turn.StartedAt.UnixMilli(), nullTime(turn.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert turn: %w", err)
	}
	return nil
}

const sessionColumns = `session_id, room_name, transport, participant, state,
	close_reason, created_at, updated_at, closed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var participant, closeReason sql.NullString
	var createdAt, updatedAt int64
	var closedAt sql.NullInt64

	if err := row.Scan(
		&session.ID, &session.Room.Name, &session.Room.Transport, &participant,
		&session.StateName, &closeReason, &createdAt, &updatedAt, &closedAt,
	); err != nil {
		return nil, err
	}

	session.Room.Participant = participant.String
	session.CloseReason = closeReason.String
	session.State, _ = domain.ParseState(session.StateName)
	session.CreatedAt = time.UnixMilli(createdAt)
	session.UpdatedAt = time.UnixMilli(updatedAt)
	if closedAt.Valid {
		t := time.UnixMilli(closedAt.Int64)
		session.ClosedAt = &t
	}
	return &session, nil
}

// GetSession retrieves a session with its turns.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM intake_sessions WHERE session_id = ?`, sessionID)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	turns, err := s.turns(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.Turns = turns
	return session, nil
}

func (s *SQLiteStore) turns(ctx context.Context, sessionID string) ([]domain.Turn, error) {
	query := `
		SELECT turn_id, seq, speaker, text, completed, started_at, ended_at
		FROM turns WHERE session_id = ? ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "error", closeErr)
		}
	}()

	var turns []domain.Turn
	for rows.Next() {
		var turn domain.Turn
		var speaker string
		var startedAt int64
		var endedAt sql.NullInt64

		if err := rows.Scan(
			&turn.ID, &turn.Seq, &speaker, &turn.Text, &turn.Completed, &startedAt, &endedAt,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turn.Speaker = domain.Speaker(speaker)
		turn.StartedAt = time.UnixMilli(startedAt)
		if endedAt.Valid {
			t := time.UnixMilli(endedAt.Int64)
			turn.EndedAt = &t
		}
		turns = append(turns, turn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return turns, nil
}

// ListSessions returns sessions newest first, without turns.
func (s *SQLiteStore) ListSessions(ctx context.Context, filter ListFilter) ([]*domain.Session, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + sessionColumns + ` FROM intake_sessions`
	args := []any{}
	if filter.State != "" {
		query += ` WHERE state = ?`
		args = append(args, filter.State)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	sessions := []*domain.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// DeleteClosedSessionsBefore removes sessions closed before cutoff and their turns.
func (s *SQLiteStore) DeleteClosedSessionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := withRetry(ctx, "delete closed sessions", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		threshold := cutoff.UnixMilli()
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM turns WHERE session_id IN (
				SELECT session_id FROM intake_sessions WHERE closed_at IS NOT NULL AND closed_at < ?
			)`, threshold); err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM intake_sessions WHERE closed_at IS NOT NULL AND closed_at < ?`, threshold)
		if err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("deleted sessions rows affected: %w", err)
		}
		return tx.Commit()
	})
	return deleted, err
}

// CloseAbandonedSessions closes sessions left open by a previous process.
func (s *SQLiteStore) CloseAbandonedSessions(ctx context.Context, at time.Time, reason string) (int64, error) {
	query := `
	UPDATE intake_sessions
	SET state = ?, close_reason = ?, closed_at = ?, updated_at = ?
	WHERE closed_at IS NULL`

	ms := at.UnixMilli()
	res, err := s.db.ExecContext(ctx, query, domain.StateClosed.String(), reason, ms, ms)
	if err != nil {
		return 0, fmt.Errorf("close abandoned sessions: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
