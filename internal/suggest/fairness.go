package suggest

import (
	"time"
)

// NeverPlayedMinutes stands in for "minutes since last played" when none of
// an entry's players has played yet. It dominates any realistic wait so that
// fresh players go first.
const NeverPlayedMinutes = 999999.0

// minutesSince returns the fractional minutes from t to now, clamped at zero.
func minutesSince(now, t time.Time) float64 {
	d := now.Sub(t)
	if d <= 0 {
		return 0
	}
	return d.Minutes()
}

// FairnessScore is wait time plus time since last played, in minutes.
// A nil lastPlayedAt scores NeverPlayedMinutes for the second term.
func FairnessScore(now, queuedAt time.Time, lastPlayedAt *time.Time) float64 {
	sincePlayed := NeverPlayedMinutes
	if lastPlayedAt != nil {
		sincePlayed = minutesSince(now, *lastPlayedAt)
	}
	return minutesSince(now, queuedAt) + sincePlayed
}

// lastPlayed returns the earliest non-nil LastPlayedAt across the entry's
// players, or nil if none of them has played.
func lastPlayed(entry QueueEntry, players map[string]SessionPlayer) *time.Time {
	var earliest *time.Time
	for _, id := range entry.PlayerIDs {
		sp, ok := players[id]
		if !ok || sp.LastPlayedAt == nil {
			continue
		}
		if earliest == nil || sp.LastPlayedAt.Before(*earliest) {
			t := *sp.LastPlayedAt
			earliest = &t
		}
	}
	return earliest
}

// entryScore is the fairness score of a single entry at now.
func entryScore(entry QueueEntry, players map[string]SessionPlayer, now time.Time) float64 {
	return FairnessScore(now, entry.CreatedAt, lastPlayed(entry, players))
}
