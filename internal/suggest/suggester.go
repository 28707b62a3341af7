package suggest

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/rally/court-queue/internal/metrics"
)

// Suggest picks the next pair of entries to put on a free court.
//
// Entries are filtered to queued entries of matchType whose players are all
// checked in (and, in tournament mode, share exactly one team). They are then
// ordered by position when any eligible entry is manually pinned, otherwise
// by descending fairness score with earlier enqueue winning ties. Usual mode
// takes the first two; tournament mode takes the first pair in that order
// whose teams differ.
//
// now must be sampled once by the caller and is used for every entry.
func Suggest(snap *Snapshot, matchType string, now time.Time) Outcome {
	if snap == nil {
		return Outcome{Reason: ReasonSessionNotFound}
	}

	candidates := queued(snap.Entries, matchType)
	if len(candidates) < 2 {
		return Outcome{Reason: ReasonInsufficientQueue}
	}

	tournament := snap.Session.Mode == ModeTournament
	teams := newTeamResolver(snap.Teams)

	eligible := lo.Filter(candidates, func(entry QueueEntry, _ int) bool {
		if !checkedIn(entry, snap.Players) {
			return false
		}
		if !tournament {
			return true
		}
		_, ok := teams.resolve(entry)
		return ok
	})
	if len(eligible) < 2 {
		return Outcome{Reason: ReasonInsufficientEligible, Eligible: len(eligible)}
	}

	sorted := order(eligible, snap.Players, now)

	var (
		first, second QueueEntry
		found         bool
	)
	if tournament {
		first, second, found = crossTeamPair(sorted, teams)
	} else {
		first, second, found = sorted[0], sorted[1], true
	}
	if !found {
		return Outcome{Reason: ReasonNoCrossTeamPair, Eligible: len(eligible)}
	}

	return Outcome{
		Reason:   ReasonOK,
		Eligible: len(eligible),
		Suggestion: &Suggestion{
			MatchType: matchType,
			Teams:     [2][]string{slices.Clone(first.PlayerIDs), slices.Clone(second.PlayerIDs)},
			EntryIDs:  [2]string{first.ID, second.ID},
		},
	}
}

// queued returns the queued entries of matchType ordered by ascending position.
func queued(entries []QueueEntry, matchType string) []QueueEntry {
	out := lo.Filter(entries, func(entry QueueEntry, _ int) bool {
		return entry.Status == EntryQueued && entry.Type == matchType
	})
	slices.SortStableFunc(out, func(a, b QueueEntry) int {
		return cmp.Compare(a.Position, b.Position)
	})
	return out
}

// checkedIn reports whether every player on the entry is checked in.
func checkedIn(entry QueueEntry, players map[string]SessionPlayer) bool {
	return lo.EveryBy(entry.PlayerIDs, func(playerID string) bool {
		sp, ok := players[playerID]
		return ok && sp.Status == PlayerCheckedIn
	})
}

// order returns a sorted copy of eligible. Any manually ordered entry switches
// the whole list to position order.
func order(eligible []QueueEntry, players map[string]SessionPlayer, now time.Time) []QueueEntry {
	sorted := slices.Clone(eligible)

	manual := lo.SomeBy(sorted, func(entry QueueEntry) bool { return entry.ManualOrder })
	if manual {
		slices.SortStableFunc(sorted, func(a, b QueueEntry) int {
			return cmp.Compare(a.Position, b.Position)
		})
		return sorted
	}

	scores := make(map[string]float64, len(sorted))
	for _, entry := range sorted {
		scores[entry.ID] = entryScore(entry, players, now)
	}
	slices.SortStableFunc(sorted, func(a, b QueueEntry) int {
		if c := cmp.Compare(scores[b.ID], scores[a.ID]); c != 0 {
			return c
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return sorted
}

// crossTeamPair scans forward for the first (i, j), i < j, whose resolved
// teams are both valid and differ.
func crossTeamPair(sorted []QueueEntry, teams *teamResolver) (QueueEntry, QueueEntry, bool) {
	for i, candidate := range sorted {
		teamA, ok := teams.resolve(candidate)
		if !ok {
			continue
		}
		for _, opponent := range sorted[i+1:] {
			teamB, ok := teams.resolve(opponent)
			if !ok {
				continue
			}
			if teamA != teamB {
				return candidate, opponent, true
			}
		}
	}
	return QueueEntry{}, QueueEntry{}, false
}

// Suggester loads snapshots from a Source and runs Suggest against them.
type Suggester struct {
	source Source
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Suggester.
type Option func(*Suggester)

// WithClock overrides the wall clock used to sample now.
func WithClock(now func() time.Time) Option {
	return func(s *Suggester) { s.now = now }
}

// New creates a Suggester reading from source.
func New(source Source, logger *zap.Logger, opts ...Option) *Suggester {
	s := &Suggester{
		source: source,
		logger: logger.With(zap.String("component", "suggest")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Explain returns the full outcome for a session, including the reason when
// no suggestion is possible. Errors come only from loading the snapshot.
func (s *Suggester) Explain(ctx context.Context, sessionID, matchType string) (Outcome, error) {
	start := time.Now()

	snap, err := s.source.LoadSnapshot(ctx, sessionID, matchType)
	if err != nil {
		return Outcome{}, fmt.Errorf("suggest: load snapshot %s: %w", sessionID, err)
	}

	outcome := Suggest(snap, matchType, s.now())

	metrics.SuggestDuration.Observe(time.Since(start).Seconds())
	metrics.SuggestionsTotal.WithLabelValues(string(outcome.Reason)).Inc()
	metrics.EligibleEntries.Observe(float64(outcome.Eligible))

	s.logger.Debug("suggestion computed",
		zap.String("session_id", sessionID),
		zap.String("match_type", matchType),
		zap.String("reason", string(outcome.Reason)),
		zap.Int("eligible", outcome.Eligible))

	return outcome, nil
}

// Suggest returns the next pairing for a session, or nil when there is none.
func (s *Suggester) Suggest(ctx context.Context, sessionID, matchType string) (*Suggestion, error) {
	outcome, err := s.Explain(ctx, sessionID, matchType)
	if err != nil {
		return nil, err
	}
	return outcome.Suggestion, nil
}
