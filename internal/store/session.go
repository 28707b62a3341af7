package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// FreeCourt is an available court in an open session.
type FreeCourt struct {
	SessionID string `json:"session_id"`
	CourtID   string `json:"court_id"`
	GameType  string `json:"game_type"`
}

// OpenSession opens a session for play and attaches every active court to it.
func (s *Store) OpenSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: open session begin: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = 'open', closed_at = NULL WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("store: open session: %w", err)
	}
	if err := expectRows(res, 1, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO court_sessions (session_id, court_id)
		SELECT $1::text, id FROM courts WHERE active
		ON CONFLICT (session_id, court_id) DO NOTHING`, sessionID)
	if err != nil {
		return fmt.Errorf("store: attach courts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: open session commit: %w", err)
	}
	return nil
}

// CloseSession closes a session. Its courts are no longer offered by
// FreeCourts and its queue stops accepting entries.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'closed', closed_at = $2 WHERE id = $1`,
		sessionID, s.now())
	if err != nil {
		return fmt.Errorf("store: close session: %w", err)
	}
	return expectRows(res, 1, fmt.Errorf("%w: session %s", ErrNotFound, sessionID))
}

// SessionGameType returns the match type a session plays.
func (s *Store) SessionGameType(ctx context.Context, sessionID string) (string, error) {
	var gameType string
	err := s.db.QueryRowContext(ctx,
		`SELECT game_type FROM sessions WHERE id = $1`, sessionID,
	).Scan(&gameType)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	if err != nil {
		return "", fmt.Errorf("store: session game type: %w", err)
	}
	return gameType, nil
}

// FreeCourts lists available courts across all open sessions.
func (s *Store) FreeCourts(ctx context.Context) ([]FreeCourt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cs.session_id, cs.court_id, s.game_type
		FROM court_sessions cs
		JOIN sessions s ON s.id = cs.session_id
		JOIN courts c ON c.id = cs.court_id
		WHERE s.status = 'open' AND cs.status = 'available' AND c.active
		ORDER BY cs.session_id, cs.court_id`)
	if err != nil {
		return nil, fmt.Errorf("store: query free courts: %w", err)
	}
	defer rows.Close()

	var courts []FreeCourt
	for rows.Next() {
		var fc FreeCourt
		if err := rows.Scan(&fc.SessionID, &fc.CourtID, &fc.GameType); err != nil {
			return nil, fmt.Errorf("store: scan free court: %w", err)
		}
		courts = append(courts, fc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate free courts: %w", err)
	}
	return courts, nil
}
