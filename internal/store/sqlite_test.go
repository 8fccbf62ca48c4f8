package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/intake-voice/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "intake.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSession(id string, created time.Time) *domain.Session {
	return &domain.Session{
		ID:        id,
		Room:      domain.RoomRef{Name: "room-" + id, Transport: domain.TransportWebSocket, Participant: "patient_1"},
		State:     domain.StateGreeting,
		StateName: domain.StateGreeting.String(),
		CreatedAt: created,
		UpdatedAt: created,
		Turns: []domain.Turn{{
			ID:        id + "-t0",
			Seq:       0,
			Speaker:   domain.SpeakerAssistant,
			StartedAt: created,
		}},
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.UnixMilli(1_700_000_000_000)

	if err := s.CreateSession(ctx, testSession("s1", created)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if err := s.UpdateSessionState(ctx, "s1", domain.StateListening, created.Add(time.Second)); err != nil {
		t.Fatalf("UpdateSessionState: %v", err)
	}

	ended := created.Add(2 * time.Second)
	greeting := domain.Turn{ID: "s1-t0", Seq: 0, Speaker: domain.SpeakerAssistant, Text: "Hello",
		StartedAt: created, EndedAt: &ended, Completed: true}
	if err := s.UpsertTurn(ctx, "s1", greeting); err != nil {
		t.Fatalf("UpsertTurn: %v", err)
	}
	patient := domain.Turn{ID: "s1-t1", Seq: 1, Speaker: domain.SpeakerPatient, Text: "my back", StartedAt: ended}
	if err := s.UpsertTurn(ctx, "s1", patient); err != nil {
		t.Fatalf("UpsertTurn: %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil {
		t.Fatal("expected session, got nil")
	}
	if got.State != domain.StateListening {
		t.Errorf("state = %v, want listening", got.State)
	}
	if got.Room.Participant != "patient_1" {
		t.Errorf("participant = %q", got.Room.Participant)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, created)
	}
	if len(got.Turns) != 2 {
		t.Fatalf("turns = %d, want 2", len(got.Turns))
	}
	if got.Turns[0].Text != "Hello" || !got.Turns[0].Completed || got.Turns[0].EndedAt == nil {
		t.Errorf("greeting turn not persisted: %+v", got.Turns[0])
	}
	if got.Turns[1].Speaker != domain.SpeakerPatient || got.Turns[1].Completed {
		t.Errorf("patient turn = %+v", got.Turns[1])
	}
}

func TestCompletedTurnIsImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	if err := s.CreateSession(ctx, testSession("s1", now)); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	done := domain.Turn{ID: "s1-t0", Seq: 0, Speaker: domain.SpeakerAssistant, Text: "final",
		StartedAt: now, EndedAt: &now, Completed: true}
	if err := s.UpsertTurn(ctx, "s1", done); err != nil {
		t.Fatalf("UpsertTurn: %v", err)
	}
	rewrite := done
	rewrite.Text = "rewritten"
	if err := s.UpsertTurn(ctx, "s1", rewrite); err != nil {
		t.Fatalf("UpsertTurn: %v", err)
	}

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Turns[0].Text != "final" {
		t.Errorf("completed turn changed to %q", got.Turns[0].Text)
	}
}

func TestGetSessionMissing(t *testing.T) {
	s := newTestStore(t)
	got, err := s.GetSession(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestListSessionsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for i, id := range []string{"a", "b", "c"} {
		if err := s.CreateSession(ctx, testSession(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("CreateSession(%s): %v", id, err)
		}
	}
	if err := s.CloseSession(ctx, "b", base.Add(time.Hour), "patient hung up"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	all, err := s.ListSessions(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Fatalf("unexpected order: %v", ids(all))
	}
	if all[0].Turns != nil {
		t.Error("list should not load turns")
	}

	closed, err := s.ListSessions(ctx, ListFilter{State: "closed"})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(closed) != 1 || closed[0].ID != "b" || closed[0].CloseReason != "patient hung up" {
		t.Errorf("closed filter = %v", ids(closed))
	}

	limited, err := s.ListSessions(ctx, ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limit ignored: %d rows", len(limited))
	}
}

func TestDeleteClosedSessionsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for _, id := range []string{"old", "recent", "open"} {
		if err := s.CreateSession(ctx, testSession(id, base)); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	if err := s.CloseSession(ctx, "old", base.Add(time.Minute), "done"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if err := s.CloseSession(ctx, "recent", base.Add(48*time.Hour), "done"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	deleted, err := s.DeleteClosedSessionsBefore(ctx, base.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteClosedSessionsBefore: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
	if got, _ := s.GetSession(ctx, "old"); got != nil {
		t.Error("old session still present")
	}
	for _, id := range []string{"recent", "open"} {
		if got, _ := s.GetSession(ctx, id); got == nil {
			t.Errorf("%s session was deleted", id)
		}
	}
}

func TestCloseAbandonedSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for _, id := range []string{"a", "b"} {
		if err := s.CreateSession(ctx, testSession(id, base)); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}
	if err := s.CloseSession(ctx, "a", base, "done"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	n, err := s.CloseAbandonedSessions(ctx, base.Add(time.Hour), "server restarted")
	if err != nil {
		t.Fatalf("CloseAbandonedSessions: %v", err)
	}
	if n != 1 {
		t.Errorf("closed = %d, want 1", n)
	}
	got, _ := s.GetSession(ctx, "b")
	if got.State != domain.StateClosed || got.CloseReason != "server restarted" {
		t.Errorf("session b = %+v", got)
	}
	got, _ = s.GetSession(ctx, "a")
	if got.CloseReason != "done" {
		t.Errorf("already closed session was rewritten: %q", got.CloseReason)
	}
}

func TestRecorderPersistsInOrder(t *testing.T) {
	s := newTestStore(t)
	rec := NewRecorder(s, 0, nil)
	now := time.UnixMilli(1_700_000_000_000)

	sess := testSession("s1", now)
	rec.SessionOpened(*sess)
	rec.StateChanged("s1", domain.StateGreeting, domain.StateListening)
	rec.TurnUpdated("s1", domain.Turn{ID: "s1-t1", Seq: 1, Speaker: domain.SpeakerPatient, Text: "hi", StartedAt: now})
	closedAt := now.Add(time.Minute)
	sess.ClosedAt = &closedAt
	sess.CloseReason = "patient hung up"
	rec.SessionClosed(*sess)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rec.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Writes after Close are dropped, not panics.
	rec.TurnUpdated("s1", domain.Turn{ID: "late"})

	got, err := s.GetSession(context.Background(), "s1")
	if err != nil || got == nil {
		t.Fatalf("GetSession: %v, %v", got, err)
	}
	if got.State != domain.StateClosed || got.CloseReason != "patient hung up" {
		t.Errorf("session = %+v", got)
	}
	if len(got.Turns) != 2 {
		t.Errorf("turns = %d, want 2", len(got.Turns))
	}
}

func TestIsConflictError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("database is locked (5) (SQLITE_BUSY)"), true},
		{errors.New("database is locked"), true},
		{errors.New("no such table"), false},
	}
	for _, tt := range tests {
		if got := IsConflictError(tt.err); got != tt.want {
			t.Errorf("IsConflictError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestWithRetryGivesUpOnConflict(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), "test op", func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != retryAttempts {
		t.Errorf("calls = %d, want %d", calls, retryAttempts)
	}

	calls = 0
	_ = withRetry(context.Background(), "test op", func() error {
		calls++
		return errors.New("constraint failed")
	})
	if calls != 1 {
		t.Errorf("non-conflict error retried %d times", calls)
	}
}

func ids(sessions []*domain.Session) []string {
	out := make([]string, len(sessions))
	for i, s := range sessions {
		out[i] = s.ID
	}
	return out
}
