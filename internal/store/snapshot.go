package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/rally/court-queue/internal/suggest"
)

// LoadSnapshot reads everything the suggestion engine needs for one session
// and match type inside a single repeatable-read transaction. It returns
// (nil, nil) when the session does not exist.
func (s *Store) LoadSnapshot(ctx context.Context, sessionID, matchType string) (*suggest.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("store: snapshot begin: %w", err)
	}
	defer rollback(tx)

	var sess suggest.Session
	err = tx.QueryRowContext(ctx,
		`SELECT id, mode, game_type FROM sessions WHERE id = $1`, sessionID,
	).Scan(&sess.ID, &sess.Mode, &sess.GameType)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: snapshot session: %w", err)
	}

	entries, err := queuedEntries(ctx, tx, sessionID, matchType)
	if err != nil {
		return nil, err
	}

	tournament := sess.Mode == suggest.ModeTournament
	players, teams, err := sessionPlayers(ctx, tx, sessionID, tournament)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: snapshot commit: %w", err)
	}

	return &suggest.Snapshot{
		Session: sess,
		Entries: entries,
		Players: players,
		Teams:   teams,
	}, nil
}

func queuedEntries(ctx context.Context, q querier, sessionID, matchType string) ([]suggest.QueueEntry, error) {
	const query = `
		SELECT e.id, e.type, e.status, e.position, e.manual_order, e.created_at,
		       COALESCE(array_agg(p.player_id ORDER BY p.slot)
		                FILTER (WHERE p.player_id IS NOT NULL), '{}')
		FROM queue_entries e
		LEFT JOIN queue_entry_players p ON p.entry_id = e.id
		WHERE e.session_id = $1
		  AND e.type = $2
		  AND e.status = 'queued'
		GROUP BY e.id
		ORDER BY e.position ASC, e.created_at ASC`

	rows, err := q.QueryContext(ctx, query, sessionID, matchType)
	if err != nil {
		return nil, fmt.Errorf("store: query entries: %w", err)
	}
	defer rows.Close()

	var entries []suggest.QueueEntry
	for rows.Next() {
		var (
			e         suggest.QueueEntry
			playerIDs []string
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Status, &e.Position, &e.ManualOrder, &e.CreatedAt,
			pq.Array(&playerIDs)); err != nil {
			return nil, fmt.Errorf("store: scan entry: %w", err)
		}
		e.PlayerIDs = playerIDs
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate entries: %w", err)
	}
	return entries, nil
}

// sessionPlayers returns the session's player records keyed by player id and,
// when withTeams is set, each player's team id.
func sessionPlayers(ctx context.Context, q querier, sessionID string, withTeams bool) (map[string]suggest.SessionPlayer, map[string]string, error) {
	const query = `
		SELECT sp.player_id, sp.status, sp.last_played_at, p.team_id
		FROM session_players sp
		JOIN players p ON p.id = sp.player_id
		WHERE sp.session_id = $1`

	rows, err := q.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("store: query session players: %w", err)
	}
	defer rows.Close()

	players := make(map[string]suggest.SessionPlayer)
	var teams map[string]string
	if withTeams {
		teams = make(map[string]string)
	}

	for rows.Next() {
		var (
			sp         suggest.SessionPlayer
			lastPlayed sql.NullTime
			teamID     sql.NullString
		)
		if err := rows.Scan(&sp.PlayerID, &sp.Status, &lastPlayed, &teamID); err != nil {
			return nil, nil, fmt.Errorf("store: scan session player: %w", err)
		}
		if lastPlayed.Valid {
			t := lastPlayed.Time
			sp.LastPlayedAt = &t
		}
		players[sp.PlayerID] = sp
		if withTeams && teamID.Valid && teamID.String != "" {
			teams[sp.PlayerID] = teamID.String
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("store: iterate session players: %w", err)
	}
	return players, teams, nil
}
