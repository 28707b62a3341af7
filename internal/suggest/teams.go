package suggest

import (
	"github.com/samber/lo"
)

// teamResolver maps an entry to the single team all its players belong to.
// Results are memoised by entry id for the lifetime of one invocation; a
// resolver must never outlive the Suggest call that created it.
type teamResolver struct {
	teams map[string]string
	memo  map[string]string
}

func newTeamResolver(teams map[string]string) *teamResolver {
	return &teamResolver{
		teams: teams,
		memo:  make(map[string]string),
	}
}

// resolve returns the entry's team id. ok is false when any player lacks a
// team or the players span more than one team.
func (r *teamResolver) resolve(entry QueueEntry) (string, bool) {
	if teamID, seen := r.memo[entry.ID]; seen {
		return teamID, teamID != ""
	}

	teamID := r.lookup(entry)
	r.memo[entry.ID] = teamID
	return teamID, teamID != ""
}

func (r *teamResolver) lookup(entry QueueEntry) string {
	ids := lo.Map(entry.PlayerIDs, func(playerID string, _ int) string {
		return r.teams[playerID]
	})
	if lo.Contains(ids, "") {
		return ""
	}
	if unique := lo.Uniq(ids); len(unique) != 1 {
		return ""
	}
	return ids[0]
}
