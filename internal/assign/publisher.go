package assign

import (
	"fmt"

	"github.com/rally/court-queue/internal/protocol"
	"github.com/rally/court-queue/internal/store"
)

func matchAssignedMsg(m *store.Match) protocol.MatchAssignedMsg {
	return protocol.MatchAssignedMsg{
		SessionID: m.SessionID,
		MatchID:   m.ID,
		CourtID:   m.CourtID,
		MatchType: m.Type,
		Teams:     m.Teams,
		EntryIDs:  m.EntryIDs,
		StartedAt: m.StartedAt.Unix(),
	}
}

// publishMatchAssigned announces a committed match on
// match.assigned.<session_id> for court displays and player notifications.
func publishMatchAssigned(bus Bus, m *store.Match) error {
	data, err := protocol.NewMessage(protocol.TypeMatchAssigned, matchAssignedMsg(m))
	if err != nil {
		return fmt.Errorf("assign: marshal match assigned: %w", err)
	}
	if err := bus.PublishMatchAssigned(m.SessionID, data); err != nil {
		return fmt.Errorf("assign: publish match assigned for %s: %w", m.SessionID, err)
	}
	return nil
}
