package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rally/court-queue/internal/suggest"
)

const snapshotJSON = `{
  "session": {"id": "s1", "mode": "usual", "game_type": "singles"},
  "entries": [
    {"id": "e1", "type": "singles", "status": "queued", "position": 1, "created_at": "2026-03-14T17:50:00Z", "player_ids": ["alice"]},
    {"id": "e2", "type": "singles", "status": "queued", "position": 2, "created_at": "2026-03-14T17:55:00Z", "player_ids": ["bob"]},
    {"id": "e3", "type": "singles", "status": "queued", "position": 3, "created_at": "2026-03-14T17:40:00Z", "player_ids": ["carol"]}
  ],
  "players": {
    "alice": {"player_id": "alice", "status": "checked_in", "last_played_at": "2026-03-14T17:58:00Z"},
    "bob":   {"player_id": "bob",   "status": "checked_in"},
    "carol": {"player_id": "carol", "status": "checked_in", "last_played_at": "2026-03-14T17:00:00Z"}
  }
}`

func writeSnapshot(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.json")
	require.NoError(t, os.WriteFile(path, []byte(snapshotJSON), 0o600))
	return path
}

func TestRun_Snapshot(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"-snapshot", writeSnapshot(t), "-now", "2026-03-14T18:00:00Z"}, &out, io.Discard)
	require.NoError(t, err)

	var sg suggest.Suggestion
	require.NoError(t, json.Unmarshal(out.Bytes(), &sg))
	// bob never played, carol played an hour ago, alice two minutes ago.
	assert.Equal(t, [2][]string{{"bob"}, {"carol"}}, sg.Teams)
	assert.Equal(t, [2]string{"e2", "e3"}, sg.EntryIDs)
}

func TestRun_SnapshotExplainWrongType(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"-snapshot", writeSnapshot(t), "-type", "doubles", "-explain"}, &out, io.Discard)
	require.NoError(t, err)

	var outcome suggest.Outcome
	require.NoError(t, json.Unmarshal(out.Bytes(), &outcome))
	assert.Nil(t, outcome.Suggestion)
	assert.Equal(t, suggest.ReasonInsufficientQueue, outcome.Reason)
}

func TestRun_NoSuggestionPrintsNull(t *testing.T) {
	var out bytes.Buffer
	err := run(context.Background(), []string{"-snapshot", writeSnapshot(t), "-type", "doubles"}, &out, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, "null\n", out.String())
}

func TestParseFlags_Errors(t *testing.T) {
	_, err := parseFlags(nil)
	assert.Error(t, err)

	_, err = parseFlags([]string{"-session", "s1", "-commit"})
	assert.Error(t, err)

	_, err = parseFlags([]string{"-session", "s1", "-remote", "-commit", "-court", "c1"})
	assert.NoError(t, err)

	err = run(context.Background(), []string{"-snapshot", "x.json", "-now", "yesterday"}, &bytes.Buffer{}, io.Discard)
	assert.Error(t, err)
}

func TestLoadConfig_ReportsInvalidValues(t *testing.T) {
	t.Setenv("QUEUE_ENTRY_TTL", "forever")
	t.Setenv("NATS_URL", "nats://example:4222")

	var errOut bytes.Buffer
	cfg := loadConfig(&errOut)
	require.NotNil(t, cfg)
	assert.Contains(t, errOut.String(), "QUEUE_ENTRY_TTL")
	assert.Equal(t, "nats://example:4222", cfg.NATSURL)
}

func TestLoadConfig_QuietWhenValid(t *testing.T) {
	for _, k := range []string{"SWEEP_INTERVAL", "CLEANUP_INTERVAL", "QUEUE_ENTRY_TTL", "LOCK_TTL", "SUGGEST_RATE_LIMIT"} {
		t.Setenv(k, "")
	}

	var errOut bytes.Buffer
	loadConfig(&errOut)
	assert.Empty(t, errOut.String())
}
