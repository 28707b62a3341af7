package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/rally/court-queue/internal/suggest"
)

// Match is a match committed onto a court.
type Match struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	CourtID   string      `json:"court_id"`
	Type      string      `json:"type"`
	Teams     [2][]string `json:"teams"`
	EntryIDs  [2]string   `json:"entry_ids"`
	StartedAt time.Time   `json:"started_at"`
}

// CommitMatch turns a suggestion into a running match on the given court. The
// court must be available and both suggested entries must still be queued;
// otherwise nothing is written and ErrCourtBusy or ErrStaleSuggestion is
// returned.
func (s *Store) CommitMatch(ctx context.Context, sessionID, courtID string, sg *suggest.Suggestion) (*Match, error) {
	if sg == nil || sg.EntryIDs[0] == "" || sg.EntryIDs[1] == "" || sg.EntryIDs[0] == sg.EntryIDs[1] {
		return nil, fmt.Errorf("%w: suggestion needs two distinct entries", ErrInvalidInput)
	}

	m := &Match{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		CourtID:   courtID,
		Type:      sg.MatchType,
		Teams:     [2][]string{append([]string(nil), sg.Teams[0]...), append([]string(nil), sg.Teams[1]...)},
		EntryIDs:  sg.EntryIDs,
		StartedAt: s.now(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: commit match begin: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `
		UPDATE court_sessions SET status = 'in_use', current_match_id = $3
		WHERE session_id = $1 AND court_id = $2 AND status = 'available'`,
		sessionID, courtID, m.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: claim court: %w", err)
	}
	if err := expectRows(res, 1, ErrCourtBusy); err != nil {
		return nil, err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE queue_entries SET status = 'assigned'
		WHERE session_id = $1 AND id = ANY($2) AND status = 'queued'`,
		sessionID, pq.Array(sg.EntryIDs[:]),
	)
	if err != nil {
		return nil, fmt.Errorf("store: assign entries: %w", err)
	}
	if err := expectRows(res, 2, ErrStaleSuggestion); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO matches (id, session_id, court_id, type, status, started_at)
		VALUES ($1, $2, $3, $4, 'in_progress', $5)`,
		m.ID, sessionID, courtID, m.Type, m.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert match: %w", err)
	}

	teamOf, err := playerTeams(ctx, tx, append(append([]string(nil), m.Teams[0]...), m.Teams[1]...))
	if err != nil {
		return nil, err
	}

	for side, playerIDs := range m.Teams {
		for slot, playerID := range playerIDs {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO match_participants (match_id, player_id, team_number, slot, team_id)
				VALUES ($1, $2, $3, $4, $5)`,
				m.ID, playerID, side+1, slot, teamOf[playerID],
			)
			if err != nil {
				return nil, fmt.Errorf("store: insert participant: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit match: %w", err)
	}
	return m, nil
}

// playerTeams maps each player to its team id, or nil when the player has
// none.
func playerTeams(ctx context.Context, q querier, playerIDs []string) (map[string]*string, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, team_id FROM players WHERE id = ANY($1)`, pq.Array(playerIDs))
	if err != nil {
		return nil, fmt.Errorf("store: query player teams: %w", err)
	}
	defer rows.Close()

	teams := make(map[string]*string, len(playerIDs))
	for rows.Next() {
		var (
			id     string
			teamID sql.NullString
		)
		if err := rows.Scan(&id, &teamID); err != nil {
			return nil, fmt.Errorf("store: scan player team: %w", err)
		}
		if teamID.Valid {
			t := teamID.String
			teams[id] = &t
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate player teams: %w", err)
	}
	return teams, nil
}

// Completion describes what CompleteMatch changed.
type Completion struct {
	MatchID   string               `json:"match_id"`
	SessionID string               `json:"session_id"`
	CourtID   string               `json:"court_id"`
	Requeued  []suggest.QueueEntry `json:"requeued,omitempty"`
}

// CompleteMatch ends an in-progress match. winnerTeam is 1 or 2, or 0 for no
// result. Every participant's last_played_at is stamped and their record
// updated, the court is freed, and when the session returns players to the
// queue each side is re-enqueued at the back, team 1 first.
func (s *Store) CompleteMatch(ctx context.Context, matchID string, winnerTeam int) (*Completion, error) {
	if winnerTeam < 0 || winnerTeam > 2 {
		return nil, fmt.Errorf("%w: winner team %d", ErrInvalidInput, winnerTeam)
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: complete match begin: %w", err)
	}
	defer rollback(tx)

	c := &Completion{MatchID: matchID}
	var matchType string
	err = tx.QueryRowContext(ctx, `
		UPDATE matches SET status = 'ended', winner_team = $2, ended_at = $3
		WHERE id = $1 AND status = 'in_progress'
		RETURNING session_id, court_id, type`,
		matchID, winnerTeam, now,
	).Scan(&c.SessionID, &c.CourtID, &matchType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: in-progress match %s", ErrNotFound, matchID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: end match: %w", err)
	}

	sides, err := matchSides(ctx, tx, matchID)
	if err != nil {
		return nil, err
	}

	for side, playerIDs := range sides {
		team := side + 1
		won := winnerTeam == team
		lost := winnerTeam != 0 && !won
		for _, playerID := range playerIDs {
			_, err := tx.ExecContext(ctx, `
				UPDATE session_players
				SET last_played_at = $3,
				    games_played = games_played + 1,
				    wins = wins + $4,
				    losses = losses + $5
				WHERE session_id = $1 AND player_id = $2`,
				c.SessionID, playerID, now, boolToInt(won), boolToInt(lost),
			)
			if err != nil {
				return nil, fmt.Errorf("store: update player record: %w", err)
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE court_sessions SET status = 'available', current_match_id = NULL
		WHERE session_id = $1 AND court_id = $2 AND current_match_id = $3`,
		c.SessionID, c.CourtID, matchID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: free court: %w", err)
	}

	var (
		returnToQueue bool
		status        string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT return_to_queue, status FROM sessions WHERE id = $1`, c.SessionID,
	).Scan(&returnToQueue, &status)
	if err != nil {
		return nil, fmt.Errorf("store: session settings: %w", err)
	}

	if returnToQueue && status == "open" {
		for _, playerIDs := range sides {
			entry, err := enqueue(ctx, tx, c.SessionID, matchType, playerIDs, now)
			if errors.Is(err, ErrAlreadyQueued) || errors.Is(err, ErrInvalidInput) {
				// Someone on this side rejoined by hand or left the roster.
				continue
			}
			if err != nil {
				return nil, err
			}
			c.Requeued = append(c.Requeued, *entry)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: complete match commit: %w", err)
	}
	return c, nil
}

func matchSides(ctx context.Context, q querier, matchID string) ([2][]string, error) {
	var sides [2][]string

	rows, err := q.QueryContext(ctx, `
		SELECT player_id, team_number FROM match_participants
		WHERE match_id = $1
		ORDER BY team_number, slot`, matchID)
	if err != nil {
		return sides, fmt.Errorf("store: query participants: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			playerID string
			team     int
		)
		if err := rows.Scan(&playerID, &team); err != nil {
			return sides, fmt.Errorf("store: scan participant: %w", err)
		}
		sides[team-1] = append(sides[team-1], playerID)
	}
	if err := rows.Err(); err != nil {
		return sides, fmt.Errorf("store: iterate participants: %w", err)
	}
	return sides, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
