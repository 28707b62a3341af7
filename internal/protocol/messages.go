// Package protocol defines the NATS message types exchanged between the court
// assigner and the services around it (session admin, court displays,
// operator consoles). All messages are serialized as JSON and follow a
// consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Inbound message types, consumed by the assigner.
const (
	TypeCourtFreed     = "court_freed"
	TypeSuggestRequest = "suggest_request"
	TypeMatchCompleted = "match_completed"

	// Queue administration, served on queue.command.
	TypeEnqueue     = "enqueue"
	TypeSetPosition = "set_position"
	TypeCancelEntry = "cancel_entry"

	// Session administration, served on session.command.
	TypeOpenSession  = "open_session"
	TypeCloseSession = "close_session"
	TypeRegister     = "register"
	TypeCheckIn      = "check_in"
	TypeCheckOut     = "check_out"
)

// Outbound message types, produced by the assigner.
const (
	TypeSuggestion    = "suggestion"
	TypeNoSuggestion  = "no_suggestion"
	TypeMatchAssigned = "match_assigned"
	TypeRateLimited   = "rate_limited"
	TypeQueued        = "queued"
	TypeAck           = "ack"
	TypeError         = "error"
)

// Error codes carried by ErrorMsg.
const (
	CodeBadRequest = "bad_request"
	CodeNotFound   = "not_found"
	CodeCourtBusy  = "court_busy"
	CodeStale      = "stale_suggestion"
	CodeBusy       = "session_busy"
	CodeQueued     = "already_queued"
	CodeInternal   = "internal"
)

var ErrMissingField = errors.New("protocol: missing required field")

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Inbound message structs
// ---------------------------------------------------------------------------

// CourtFreedMsg announces that a court in a session became available.
type CourtFreedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	CourtID   string `json:"court_id"`
}

func (m CourtFreedMsg) Validate() error {
	if m.SessionID == "" || m.CourtID == "" {
		return fmt.Errorf("%w: session_id and court_id", ErrMissingField)
	}
	return nil
}

// SuggestRequestMsg asks who should play next. With Commit set the
// suggestion is written onto CourtID instead of only being reported.
type SuggestRequestMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	MatchType string `json:"match_type,omitempty"`
	CourtID   string `json:"court_id,omitempty"`
	Commit    bool   `json:"commit"`
}

func (m SuggestRequestMsg) Validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("%w: session_id", ErrMissingField)
	}
	if m.Commit && m.CourtID == "" {
		return fmt.Errorf("%w: court_id is required to commit", ErrMissingField)
	}
	return nil
}

// MatchCompletedMsg reports the result of a finished match. WinnerTeam is 1
// or 2, or 0 when no result was recorded.
type MatchCompletedMsg struct {
	Type       string `json:"type"`
	MatchID    string `json:"match_id"`
	WinnerTeam int    `json:"winner_team"`
}

func (m MatchCompletedMsg) Validate() error {
	if m.MatchID == "" {
		return fmt.Errorf("%w: match_id", ErrMissingField)
	}
	if m.WinnerTeam < 0 || m.WinnerTeam > 2 {
		return fmt.Errorf("protocol: winner_team must be 0, 1 or 2, got %d", m.WinnerTeam)
	}
	return nil
}

// EnqueueMsg adds an entry to the back of a session's queue. MatchType
// defaults to the session's game type.
type EnqueueMsg struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	MatchType string   `json:"match_type,omitempty"`
	PlayerIDs []string `json:"player_ids"`
}

func (m EnqueueMsg) Validate() error {
	if m.SessionID == "" || len(m.PlayerIDs) == 0 {
		return fmt.Errorf("%w: session_id and player_ids", ErrMissingField)
	}
	return nil
}

// SetPositionMsg pins a queued entry to a position. Once any entry is pinned
// the session's queue is served in position order.
type SetPositionMsg struct {
	Type     string `json:"type"`
	EntryID  string `json:"entry_id"`
	Position int    `json:"position"`
}

func (m SetPositionMsg) Validate() error {
	if m.EntryID == "" {
		return fmt.Errorf("%w: entry_id", ErrMissingField)
	}
	if m.Position < 0 {
		return fmt.Errorf("protocol: position must not be negative, got %d", m.Position)
	}
	return nil
}

// CancelEntryMsg withdraws a queued entry.
type CancelEntryMsg struct {
	Type    string `json:"type"`
	EntryID string `json:"entry_id"`
}

func (m CancelEntryMsg) Validate() error {
	if m.EntryID == "" {
		return fmt.Errorf("%w: entry_id", ErrMissingField)
	}
	return nil
}

// SessionMsg opens or closes a session.
type SessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

func (m SessionMsg) Validate() error {
	if m.SessionID == "" {
		return fmt.Errorf("%w: session_id", ErrMissingField)
	}
	return nil
}

// PlayerMsg registers, checks in or checks out one player of a session.
type PlayerMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	PlayerID  string `json:"player_id"`
}

func (m PlayerMsg) Validate() error {
	if m.SessionID == "" || m.PlayerID == "" {
		return fmt.Errorf("%w: session_id and player_id", ErrMissingField)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Outbound message structs
// ---------------------------------------------------------------------------

// SuggestionMsg carries a dry-run suggestion back to the requester.
type SuggestionMsg struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	MatchType string      `json:"match_type"`
	Teams     [2][]string `json:"teams"`
	EntryIDs  [2]string   `json:"entry_ids"`
}

// NoSuggestionMsg is returned when no pair can be formed. Reason is a coarse
// hint for operators, not part of the engine contract.
type NoSuggestionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	MatchType string `json:"match_type"`
	Reason    string `json:"reason,omitempty"`
}

// MatchAssignedMsg is published when a match has been committed onto a court.
type MatchAssignedMsg struct {
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	MatchID   string      `json:"match_id"`
	CourtID   string      `json:"court_id"`
	MatchType string      `json:"match_type"`
	Teams     [2][]string `json:"teams"`
	EntryIDs  [2]string   `json:"entry_ids"`
	StartedAt int64       `json:"started_at"`
}

// RateLimitedMsg tells a requester to back off.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// QueuedMsg confirms an enqueue.
type QueuedMsg struct {
	Type      string   `json:"type"`
	SessionID string   `json:"session_id"`
	EntryID   string   `json:"entry_id"`
	MatchType string   `json:"match_type"`
	Position  int      `json:"position"`
	PlayerIDs []string `json:"player_ids"`
}

// AckMsg confirms an administration command that returns no data.
type AckMsg struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// ErrorMsg communicates an error condition to a requester.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseMessage parses raw NATS message bytes into a typed inbound message and
// validates its required fields. It returns the message type string, the
// decoded struct, and any error encountered. An error is returned for unknown
// or outbound-only message types.
func ParseMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg any
		err error
	)

	switch env.Type {
	case TypeCourtFreed:
		var m CourtFreedMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = m.Validate()
		}
		msg = m
	case TypeSuggestRequest:
		var m SuggestRequestMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = m.Validate()
		}
		msg = m
	case TypeMatchCompleted:
		var m MatchCompletedMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = m.Validate()
		}
		msg = m
	case TypeEnqueue:
		var m EnqueueMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = m.Validate()
		}
		msg = m
	case TypeSetPosition:
		var m SetPositionMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = m.Validate()
		}
		msg = m
	case TypeCancelEntry:
		var m CancelEntryMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = m.Validate()
		}
		msg = m
	case TypeOpenSession, TypeCloseSession:
		var m SessionMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = m.Validate()
		}
		msg = m
	case TypeRegister, TypeCheckIn, TypeCheckOut:
		var m PlayerMsg
		if err = json.Unmarshal(env.Raw, &m); err == nil {
			err = m.Validate()
		}
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: invalid %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewMessage creates a JSON-encoded message. The msgType is injected into the
// payload under the "type" key regardless of what the payload carries.
func NewMessage(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}

// NewError is a shorthand for an encoded ErrorMsg.
func NewError(code, message string) []byte {
	out, _ := NewMessage(TypeError, ErrorMsg{Code: code, Message: message})
	return out
}
