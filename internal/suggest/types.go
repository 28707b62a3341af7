// Package suggest chooses the next pairing of queued entries for a free court.
// It is a pure function of a session snapshot and the current time: it reads
// queue entries and player check-in state, never writes them, and leaves
// dequeuing and match creation to the caller.
package suggest

import (
	"context"
	"time"
)

// Session modes.
const (
	ModeUsual      = "usual"
	ModeTournament = "tournament"
)

// Match types. A queue entry's Type matches the session's game type.
const (
	MatchSingles = "singles"
	MatchDoubles = "doubles"
)

// Statuses the engine cares about. Any other value is ineligible.
const (
	EntryQueued     = "queued"
	PlayerCheckedIn = "checked_in"
)

// Session carries the session fields that affect pairing.
type Session struct {
	ID       string `json:"id"`
	Mode     string `json:"mode"`      // usual | tournament
	GameType string `json:"game_type"` // singles | doubles
}

// QueueEntry is one request to play, carrying one or two players.
type QueueEntry struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Position    int       `json:"position"`
	ManualOrder bool      `json:"manual_order"`
	CreatedAt   time.Time `json:"created_at"`
	PlayerIDs   []string  `json:"player_ids"` // original order
}

// SessionPlayer is a player's participation record within a session.
type SessionPlayer struct {
	PlayerID     string     `json:"player_id"`
	Status       string     `json:"status"`
	LastPlayedAt *time.Time `json:"last_played_at,omitempty"`
}

// Snapshot is everything the engine reads for one invocation.
type Snapshot struct {
	Session Session                  `json:"session"`
	Entries []QueueEntry             `json:"entries"`
	Players map[string]SessionPlayer `json:"players"`         // keyed by player id
	Teams   map[string]string        `json:"teams,omitempty"` // player id -> team id, tournament only
}

// Suggestion is the pairing handed back to the caller.
type Suggestion struct {
	MatchType string      `json:"match_type"`
	Teams     [2][]string `json:"teams"`
	EntryIDs  [2]string   `json:"entry_ids"`
}

// Reason explains why an invocation did or did not produce a suggestion.
type Reason string

const (
	ReasonOK                   Reason = "ok"
	ReasonSessionNotFound      Reason = "session_not_found"
	ReasonInsufficientQueue    Reason = "insufficient_queue"
	ReasonInsufficientEligible Reason = "insufficient_eligible"
	ReasonNoCrossTeamPair      Reason = "no_cross_team_pair"
)

// Outcome pairs a suggestion with the reason it was (or was not) produced.
// Suggestion is nil unless Reason is ReasonOK.
type Outcome struct {
	Suggestion *Suggestion `json:"suggestion,omitempty"`
	Reason     Reason      `json:"reason"`
	Eligible   int         `json:"eligible"`
}

// Source loads the snapshot for a session. It returns (nil, nil) when the
// session does not exist.
type Source interface {
	LoadSnapshot(ctx context.Context, sessionID, matchType string) (*Snapshot, error)
}
