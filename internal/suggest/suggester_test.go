package suggest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// entry builds a queued entry enqueued waitMin minutes before testNow.
func entry(id string, typ string, position int, waitMin float64, players ...string) QueueEntry {
	return QueueEntry{
		ID:        id,
		Type:      typ,
		Status:    EntryQueued,
		Position:  position,
		CreatedAt: minutesAgo(waitMin),
		PlayerIDs: players,
	}
}

// checkedInPlayers marks every id checked in with no play history.
func checkedInPlayers(ids ...string) map[string]SessionPlayer {
	players := make(map[string]SessionPlayer, len(ids))
	for _, id := range ids {
		players[id] = SessionPlayer{PlayerID: id, Status: PlayerCheckedIn}
	}
	return players
}

func playedAgo(players map[string]SessionPlayer, id string, m float64) {
	sp := players[id]
	sp.LastPlayedAt = ptr(minutesAgo(m))
	players[id] = sp
}

func usual(entries []QueueEntry, players map[string]SessionPlayer) *Snapshot {
	return &Snapshot{
		Session: Session{ID: "s1", Mode: ModeUsual, GameType: MatchSingles},
		Entries: entries,
		Players: players,
	}
}

func tournament(entries []QueueEntry, players map[string]SessionPlayer, teams map[string]string) *Snapshot {
	return &Snapshot{
		Session: Session{ID: "s1", Mode: ModeTournament, GameType: MatchSingles},
		Entries: entries,
		Players: players,
		Teams:   teams,
	}
}

func requirePair(t *testing.T, out Outcome, first, second string) {
	t.Helper()
	require.Equal(t, ReasonOK, out.Reason)
	require.NotNil(t, out.Suggestion)
	assert.Equal(t, [2]string{first, second}, out.Suggestion.EntryIDs)
}

func TestSuggest_MinimumDepth(t *testing.T) {
	players := checkedInPlayers("a", "b")

	out := Suggest(usual(nil, players), MatchSingles, testNow)
	assert.Nil(t, out.Suggestion)
	assert.Equal(t, ReasonInsufficientQueue, out.Reason)

	out = Suggest(usual([]QueueEntry{entry("e1", MatchSingles, 1, 5, "a")}, players), MatchSingles, testNow)
	assert.Nil(t, out.Suggestion)
	assert.Equal(t, ReasonInsufficientQueue, out.Reason)
}

func TestSuggest_NilSnapshotIsSessionNotFound(t *testing.T) {
	out := Suggest(nil, MatchSingles, testNow)
	assert.Nil(t, out.Suggestion)
	assert.Equal(t, ReasonSessionNotFound, out.Reason)
}

func TestSuggest_IgnoresOtherTypesAndStatuses(t *testing.T) {
	players := checkedInPlayers("a", "b", "c", "d", "e")
	assigned := entry("e3", MatchSingles, 3, 100, "c")
	assigned.Status = "assigned"

	entries := []QueueEntry{
		entry("e1", MatchSingles, 1, 5, "a"),
		entry("e2", MatchDoubles, 2, 100, "b", "e"),
		assigned,
		entry("e4", MatchSingles, 4, 1, "d"),
	}

	out := Suggest(usual(entries, players), MatchSingles, testNow)
	requirePair(t, out, "e1", "e4")

	out = Suggest(usual(entries, players), MatchDoubles, testNow)
	assert.Equal(t, ReasonInsufficientQueue, out.Reason)
}

// The older never-played doubles entry goes first.
func TestSuggest_OlderNeverPlayedEntryFirst(t *testing.T) {
	players := checkedInPlayers("a1", "a2", "b1", "b2")
	playedAgo(players, "b1", 2)
	playedAgo(players, "b2", 2)

	entries := []QueueEntry{
		entry("fresh", MatchDoubles, 1, 5, "b1", "b2"),
		entry("waiting", MatchDoubles, 2, 30, "a1", "a2"),
	}

	assert.InDelta(t, 30+NeverPlayedMinutes, entryScore(entries[1], players, testNow), 1e-9)
	assert.InDelta(t, 7, entryScore(entries[0], players, testNow), 1e-9)

	out := Suggest(usual(entries, players), MatchDoubles, testNow)
	requirePair(t, out, "waiting", "fresh")

	want := &Suggestion{
		MatchType: MatchDoubles,
		Teams:     [2][]string{{"a1", "a2"}, {"b1", "b2"}},
		EntryIDs:  [2]string{"waiting", "fresh"},
	}
	if diff := cmp.Diff(want, out.Suggestion); diff != "" {
		t.Errorf("suggestion mismatch (-want +got):\n%s", diff)
	}
}

// Scores A=50, B=80, C=20 yield [B, A].
func TestSuggest_HighestTwoScoresInDescendingOrder(t *testing.T) {
	players := checkedInPlayers("a", "b", "c")
	playedAgo(players, "a", 25)
	playedAgo(players, "b", 40)
	playedAgo(players, "c", 10)

	entries := []QueueEntry{
		entry("A", MatchSingles, 1, 25, "a"),
		entry("B", MatchSingles, 2, 40, "b"),
		entry("C", MatchSingles, 3, 10, "c"),
	}
	require.InDelta(t, 50, entryScore(entries[0], players, testNow), 1e-9)
	require.InDelta(t, 80, entryScore(entries[1], players, testNow), 1e-9)
	require.InDelta(t, 20, entryScore(entries[2], players, testNow), 1e-9)

	out := Suggest(usual(entries, players), MatchSingles, testNow)
	requirePair(t, out, "B", "A")
	assert.Equal(t, 3, out.Eligible)
}

func TestSuggest_TournamentSkipsSameTeamPair(t *testing.T) {
	players := checkedInPlayers("a", "b", "c")
	playedAgo(players, "a", 60)
	playedAgo(players, "b", 40)
	playedAgo(players, "c", 20)
	teams := map[string]string{"a": "team1", "b": "team1", "c": "team2"}

	entries := []QueueEntry{
		entry("A", MatchSingles, 1, 60, "a"),
		entry("B", MatchSingles, 2, 40, "b"),
		entry("C", MatchSingles, 3, 20, "c"),
	}

	out := Suggest(tournament(entries, players, teams), MatchSingles, testNow)
	requirePair(t, out, "A", "C")
}

// A player not checked in excludes the whole entry.
func TestSuggest_EntryWithPlayerNotCheckedInExcluded(t *testing.T) {
	players := checkedInPlayers("a1", "b1", "b2", "c1", "c2")
	players["a2"] = SessionPlayer{PlayerID: "a2", Status: "queued"}
	playedAgo(players, "b1", 5)
	playedAgo(players, "c1", 3)

	entries := []QueueEntry{
		entry("top", MatchDoubles, 1, 90, "a1", "a2"),
		entry("mid", MatchDoubles, 2, 20, "b1", "b2"),
		entry("low", MatchDoubles, 3, 10, "c1", "c2"),
	}

	out := Suggest(usual(entries, players), MatchDoubles, testNow)
	requirePair(t, out, "mid", "low")
	for _, id := range out.Suggestion.EntryIDs {
		assert.NotEqual(t, "top", id)
	}
}

func TestSuggest_MissingSessionPlayerIsIneligible(t *testing.T) {
	players := checkedInPlayers("a", "b")
	entries := []QueueEntry{
		entry("e1", MatchSingles, 1, 50, "ghost"),
		entry("e2", MatchSingles, 2, 5, "a"),
		entry("e3", MatchSingles, 3, 1, "b"),
	}

	out := Suggest(usual(entries, players), MatchSingles, testNow)
	requirePair(t, out, "e2", "e3")
}

func TestSuggest_InsufficientEligible(t *testing.T) {
	players := checkedInPlayers("a")
	players["b"] = SessionPlayer{PlayerID: "b", Status: "checked_out"}

	entries := []QueueEntry{
		entry("e1", MatchSingles, 1, 5, "a"),
		entry("e2", MatchSingles, 2, 5, "b"),
	}

	out := Suggest(usual(entries, players), MatchSingles, testNow)
	assert.Nil(t, out.Suggestion)
	assert.Equal(t, ReasonInsufficientEligible, out.Reason)
	assert.Equal(t, 1, out.Eligible)
}

// One pinned entry switches every entry to position order.
func TestSuggest_ManualOrderOverridesFairness(t *testing.T) {
	players := checkedInPlayers("a", "b", "c")
	playedAgo(players, "a", 1)
	playedAgo(players, "b", 1)

	entries := []QueueEntry{
		entry("stale", MatchSingles, 3, 120, "c"),
		entry("pinned", MatchSingles, 2, 1, "b"),
		entry("first", MatchSingles, 1, 1, "a"),
	}
	entries[1].ManualOrder = true

	out := Suggest(usual(entries, players), MatchSingles, testNow)
	requirePair(t, out, "first", "pinned")
}

func TestSuggest_ManualOrderIgnoredWhenPinnedEntryIneligible(t *testing.T) {
	players := checkedInPlayers("a", "c")
	players["b"] = SessionPlayer{PlayerID: "b", Status: "checked_out"}

	entries := []QueueEntry{
		entry("first", MatchSingles, 1, 1, "a"),
		entry("pinned", MatchSingles, 2, 1, "b"),
		entry("stale", MatchSingles, 3, 120, "c"),
	}
	entries[1].ManualOrder = true

	out := Suggest(usual(entries, players), MatchSingles, testNow)
	requirePair(t, out, "stale", "first")
}

func TestSuggest_ManualOrderInTournamentStillSeparatesTeams(t *testing.T) {
	players := checkedInPlayers("a", "b", "c")
	teams := map[string]string{"a": "red", "b": "red", "c": "blue"}

	entries := []QueueEntry{
		entry("p1", MatchSingles, 1, 1, "a"),
		entry("p2", MatchSingles, 2, 1, "b"),
		entry("p3", MatchSingles, 3, 300, "c"),
	}
	entries[1].ManualOrder = true

	out := Suggest(tournament(entries, players, teams), MatchSingles, testNow)
	requirePair(t, out, "p1", "p3")
}

func TestSuggest_TiesBrokenByEarlierCreatedAt(t *testing.T) {
	players := checkedInPlayers("a", "b", "c")
	playedAgo(players, "a", 20)
	playedAgo(players, "b", 10)
	playedAgo(players, "c", 1)

	entries := []QueueEntry{
		entry("later", MatchSingles, 1, 10, "a"),   // 10 + 20
		entry("earlier", MatchSingles, 2, 20, "b"), // 20 + 10
		entry("low", MatchSingles, 3, 1, "c"),
	}

	out := Suggest(usual(entries, players), MatchSingles, testNow)
	requirePair(t, out, "earlier", "later")
}

func TestSuggest_NeverPlayedDominates(t *testing.T) {
	players := checkedInPlayers("veteran", "rookie", "other")
	playedAgo(players, "veteran", 600)
	playedAgo(players, "other", 500)

	entries := []QueueEntry{
		entry("v", MatchSingles, 1, 600, "veteran"),
		entry("o", MatchSingles, 2, 500, "other"),
		entry("r", MatchSingles, 3, 0, "rookie"),
	}

	out := Suggest(usual(entries, players), MatchSingles, testNow)
	requirePair(t, out, "r", "v")
}

func TestSuggest_DoublesUsesEarliestPartnerTimestamp(t *testing.T) {
	players := checkedInPlayers("a1", "a2", "b1", "b2", "c1", "c2")
	playedAgo(players, "a1", 1)
	playedAgo(players, "a2", 50) // earliest of entry a -> 50
	playedAgo(players, "b1", 30)
	playedAgo(players, "b2", 30)
	playedAgo(players, "c1", 2)
	playedAgo(players, "c2", 2)

	entries := []QueueEntry{
		entry("c", MatchDoubles, 1, 0, "c1", "c2"),
		entry("b", MatchDoubles, 2, 0, "b1", "b2"),
		entry("a", MatchDoubles, 3, 0, "a1", "a2"),
	}

	out := Suggest(usual(entries, players), MatchDoubles, testNow)
	requirePair(t, out, "a", "b")
}

func TestSuggest_TournamentExcludesUnassignableEntries(t *testing.T) {
	players := checkedInPlayers("a1", "a2", "b1", "b2", "c1", "c2", "d1", "d2")
	teams := map[string]string{
		"a1": "red", "a2": "blue", // mixed teams
		"b1": "red", // b2 has no team
		"c1": "red", "c2": "red",
		"d1": "blue", "d2": "blue",
	}

	entries := []QueueEntry{
		entry("mixed", MatchDoubles, 1, 100, "a1", "a2"),
		entry("partial", MatchDoubles, 2, 90, "b1", "b2"),
		entry("red", MatchDoubles, 3, 10, "c1", "c2"),
		entry("blue", MatchDoubles, 4, 5, "d1", "d2"),
	}

	out := Suggest(tournament(entries, players, teams), MatchDoubles, testNow)
	requirePair(t, out, "red", "blue")
	assert.Equal(t, 2, out.Eligible)
}

func TestSuggest_TournamentNoCrossTeamPair(t *testing.T) {
	players := checkedInPlayers("a", "b", "c")
	teams := map[string]string{"a": "red", "b": "red", "c": "red"}

	entries := []QueueEntry{
		entry("e1", MatchSingles, 1, 3, "a"),
		entry("e2", MatchSingles, 2, 2, "b"),
		entry("e3", MatchSingles, 3, 1, "c"),
	}

	out := Suggest(tournament(entries, players, teams), MatchSingles, testNow)
	assert.Nil(t, out.Suggestion)
	assert.Equal(t, ReasonNoCrossTeamPair, out.Reason)
}

func TestSuggest_TournamentFirstFeasiblePair(t *testing.T) {
	// Ordered X(red), Y(red), Z(red), W(blue): the first entry pairs with the
	// first opponent of a different team, even though it is last in line.
	players := checkedInPlayers("x", "y", "z", "w")
	teams := map[string]string{"x": "red", "y": "red", "z": "red", "w": "blue"}

	entries := []QueueEntry{
		entry("X", MatchSingles, 1, 40, "x"),
		entry("Y", MatchSingles, 2, 30, "y"),
		entry("Z", MatchSingles, 3, 20, "z"),
		entry("W", MatchSingles, 4, 10, "w"),
	}

	out := Suggest(tournament(entries, players, teams), MatchSingles, testNow)
	requirePair(t, out, "X", "W")
}

func TestSuggest_UsualModeIgnoresTeams(t *testing.T) {
	players := checkedInPlayers("a1", "a2", "b")
	entries := []QueueEntry{
		entry("mixed", MatchSingles, 1, 10, "a1"),
		entry("other", MatchSingles, 2, 5, "b"),
	}
	snap := usual(entries, players)
	snap.Teams = map[string]string{"a1": "red", "b": "red"}

	out := Suggest(snap, MatchSingles, testNow)
	requirePair(t, out, "mixed", "other")
}

func TestSuggest_Deterministic(t *testing.T) {
	players := checkedInPlayers("a", "b", "c", "d")
	playedAgo(players, "a", 12)
	playedAgo(players, "c", 7)
	entries := []QueueEntry{
		entry("e1", MatchSingles, 1, 3, "a"),
		entry("e2", MatchSingles, 2, 3, "b"),
		entry("e3", MatchSingles, 3, 9, "c"),
		entry("e4", MatchSingles, 4, 9, "d"),
	}
	snap := usual(entries, players)

	first := Suggest(snap, MatchSingles, testNow)
	for i := 0; i < 50; i++ {
		if diff := cmp.Diff(first, Suggest(snap, MatchSingles, testNow)); diff != "" {
			t.Fatalf("run %d differs (-first +got):\n%s", i, diff)
		}
	}
}

func TestSuggest_DoesNotMutateSnapshot(t *testing.T) {
	players := checkedInPlayers("a", "b", "c")
	playedAgo(players, "c", 1)
	entries := []QueueEntry{
		entry("e3", MatchSingles, 3, 1, "c"),
		entry("e1", MatchSingles, 1, 9, "a"),
		entry("e2", MatchSingles, 2, 5, "b"),
	}
	snap := usual(entries, players)
	before := fmt.Sprintf("%+v", snap.Entries)

	out := Suggest(snap, MatchSingles, testNow)
	require.NotNil(t, out.Suggestion)
	out.Suggestion.Teams[0][0] = "mutated"

	assert.Equal(t, before, fmt.Sprintf("%+v", snap.Entries))
}

func TestSuggest_FairnessNeverPassesOverHigherScore(t *testing.T) {
	players := checkedInPlayers("a", "b", "c", "d", "e")
	waits := map[string]float64{"a": 3, "b": 17, "c": 11, "d": 29, "e": 5}
	var entries []QueueEntry
	pos := 1
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		entries = append(entries, entry("e-"+id, MatchSingles, pos, waits[id], id))
		playedAgo(players, id, waits[id])
		pos++
	}

	out := Suggest(usual(entries, players), MatchSingles, testNow)
	requirePair(t, out, "e-d", "e-b")
}

func TestTeamResolver_Memoises(t *testing.T) {
	teams := map[string]string{"a": "red", "b": "red"}
	r := newTeamResolver(teams)
	e := QueueEntry{ID: "e1", PlayerIDs: []string{"a", "b"}}

	teamID, ok := r.resolve(e)
	require.True(t, ok)
	assert.Equal(t, "red", teamID)

	teams["b"] = "blue"
	teamID, ok = r.resolve(e)
	assert.True(t, ok, "memoised result should be reused within one resolver")
	assert.Equal(t, "red", teamID)

	_, ok = newTeamResolver(teams).resolve(e)
	assert.False(t, ok, "a fresh resolver must see the new team assignment")
}

func TestTeamResolver_EmptyEntryHasNoTeam(t *testing.T) {
	_, ok := newTeamResolver(map[string]string{}).resolve(QueueEntry{ID: "empty"})
	assert.False(t, ok)
}

// fakeSource serves a fixed snapshot, or an error.
type fakeSource struct {
	snap  *Snapshot
	err   error
	calls int
}

func (f *fakeSource) LoadSnapshot(_ context.Context, _, _ string) (*Snapshot, error) {
	f.calls++
	return f.snap, f.err
}

func TestSuggester_Suggest(t *testing.T) {
	players := checkedInPlayers("a", "b")
	src := &fakeSource{snap: usual([]QueueEntry{
		entry("e1", MatchSingles, 1, 10, "a"),
		entry("e2", MatchSingles, 2, 5, "b"),
	}, players)}

	s := New(src, zap.NewNop(), WithClock(func() time.Time { return testNow }))

	got, err := s.Suggest(context.Background(), "s1", MatchSingles)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, [2]string{"e1", "e2"}, got.EntryIDs)
	assert.Equal(t, 1, src.calls)
}

func TestSuggester_MissingSessionIsNil(t *testing.T) {
	s := New(&fakeSource{}, zap.NewNop())

	got, err := s.Suggest(context.Background(), "nope", MatchSingles)
	require.NoError(t, err)
	assert.Nil(t, got)

	out, err := s.Explain(context.Background(), "nope", MatchSingles)
	require.NoError(t, err)
	assert.Equal(t, ReasonSessionNotFound, out.Reason)
}

func TestSuggester_SourceErrorIsReturned(t *testing.T) {
	boom := errors.New("connection refused")
	s := New(&fakeSource{err: boom}, zap.NewNop())

	got, err := s.Suggest(context.Background(), "s1", MatchSingles)
	assert.Nil(t, got)
	assert.ErrorIs(t, err, boom)
}
