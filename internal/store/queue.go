package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/samber/lo"

	"github.com/rally/court-queue/internal/suggest"
)

// PlayersPerEntry returns how many players an entry of the given match type
// holds, or 0 for an unknown type.
func PlayersPerEntry(matchType string) int {
	switch matchType {
	case suggest.MatchSingles:
		return 1
	case suggest.MatchDoubles:
		return 2
	default:
		return 0
	}
}

// Enqueue adds a new queue entry at the back of the session's queue.
func (s *Store) Enqueue(ctx context.Context, sessionID, matchType string, playerIDs []string) (*suggest.QueueEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: enqueue begin: %w", err)
	}
	defer rollback(tx)

	entry, err := enqueue(ctx, tx, sessionID, matchType, playerIDs, s.now())
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: enqueue commit: %w", err)
	}
	return entry, nil
}

func enqueue(ctx context.Context, q querier, sessionID, matchType string, playerIDs []string, now time.Time) (*suggest.QueueEntry, error) {
	want := PlayersPerEntry(matchType)
	if want == 0 {
		return nil, fmt.Errorf("%w: unknown match type %q", ErrInvalidInput, matchType)
	}
	if len(playerIDs) != want || len(lo.Uniq(playerIDs)) != want || lo.Contains(playerIDs, "") {
		return nil, fmt.Errorf("%w: %s entry needs %d distinct players", ErrInvalidInput, matchType, want)
	}

	// Row lock on the session serialises position allocation.
	var status string
	err := q.QueryRowContext(ctx,
		`SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, sessionID,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: enqueue session: %w", err)
	}
	if status == "closed" {
		return nil, fmt.Errorf("%w: session %s is closed", ErrInvalidInput, sessionID)
	}

	var registered int
	err = q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_players WHERE session_id = $1 AND player_id = ANY($2)`,
		sessionID, pq.Array(playerIDs),
	).Scan(&registered)
	if err != nil {
		return nil, fmt.Errorf("store: enqueue registered: %w", err)
	}
	if registered != want {
		return nil, fmt.Errorf("%w: players not registered in session %s", ErrInvalidInput, sessionID)
	}

	var queued int
	err = q.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM queue_entry_players qp
		JOIN queue_entries e ON e.id = qp.entry_id
		WHERE e.session_id = $1 AND e.status = 'queued' AND qp.player_id = ANY($2)`,
		sessionID, pq.Array(playerIDs),
	).Scan(&queued)
	if err != nil {
		return nil, fmt.Errorf("store: enqueue queued: %w", err)
	}
	if queued > 0 {
		return nil, ErrAlreadyQueued
	}

	entry := &suggest.QueueEntry{
		ID:        uuid.NewString(),
		Type:      matchType,
		Status:    suggest.EntryQueued,
		CreatedAt: now,
		PlayerIDs: append([]string(nil), playerIDs...),
	}

	err = q.QueryRowContext(ctx, `
		INSERT INTO queue_entries (id, session_id, type, status, position, created_at)
		SELECT $1::text, $2::text, $3::text, 'queued', COALESCE(MAX(position), 0) + 1, $4::timestamptz
		FROM queue_entries
		WHERE session_id = $2 AND status = 'queued'
		RETURNING position`,
		entry.ID, sessionID, matchType, now,
	).Scan(&entry.Position)
	if err != nil {
		return nil, fmt.Errorf("store: insert entry: %w", err)
	}

	for slot, playerID := range playerIDs {
		_, err := q.ExecContext(ctx,
			`INSERT INTO queue_entry_players (entry_id, player_id, slot) VALUES ($1, $2, $3)`,
			entry.ID, playerID, slot,
		)
		if err != nil {
			return nil, fmt.Errorf("store: insert entry player: %w", err)
		}
	}

	return entry, nil
}

// SetPosition moves a queued entry to an explicit position and pins it to
// manual ordering.
func (s *Store) SetPosition(ctx context.Context, entryID string, position int) error {
	if position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrInvalidInput, position)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_entries SET position = $2, manual_order = TRUE
		WHERE id = $1 AND status = 'queued'`,
		entryID, position,
	)
	if err != nil {
		return fmt.Errorf("store: set position: %w", err)
	}
	return expectRows(res, 1, fmt.Errorf("%w: queued entry %s", ErrNotFound, entryID))
}

// Cancel withdraws a queued entry.
func (s *Store) Cancel(ctx context.Context, entryID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET status = 'cancelled' WHERE id = $1 AND status = 'queued'`,
		entryID,
	)
	if err != nil {
		return fmt.Errorf("store: cancel entry: %w", err)
	}
	return expectRows(res, 1, fmt.Errorf("%w: queued entry %s", ErrNotFound, entryID))
}

// CheckIn marks a registered player present so their entries become eligible.
func (s *Store) CheckIn(ctx context.Context, sessionID, playerID string) error {
	return s.setPlayerStatus(ctx, sessionID, playerID, suggest.PlayerCheckedIn)
}

// CheckOut marks a player as gone. Their queued entries stay queued but are
// skipped by the engine until they check in again.
func (s *Store) CheckOut(ctx context.Context, sessionID, playerID string) error {
	return s.setPlayerStatus(ctx, sessionID, playerID, "checked_out")
}

// Register adds a player to the session roster.
func (s *Store) Register(ctx context.Context, sessionID, playerID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_players (session_id, player_id) VALUES ($1, $2)
		ON CONFLICT (session_id, player_id) DO NOTHING`,
		sessionID, playerID,
	)
	if err != nil {
		return fmt.Errorf("store: register player: %w", err)
	}
	return nil
}

func (s *Store) setPlayerStatus(ctx context.Context, sessionID, playerID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session_players SET status = $3 WHERE session_id = $1 AND player_id = $2`,
		sessionID, playerID, status,
	)
	if err != nil {
		return fmt.Errorf("store: set player status: %w", err)
	}
	return expectRows(res, 1, fmt.Errorf("%w: player %s in session %s", ErrNotFound, playerID, sessionID))
}

// ExpireStale marks queued entries older than maxAge as expired and returns
// how many were changed.
func (s *Store) ExpireStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.now().Add(-maxAge)

	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_entries SET status = 'expired' WHERE status = 'queued' AND created_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("store: expire stale: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: expire stale rows: %w", err)
	}
	return n, nil
}

func expectRows(res sql.Result, want int64, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n != want {
		return notFound
	}
	return nil
}
