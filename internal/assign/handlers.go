package assign

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/rally/court-queue/internal/lock"
	"github.com/rally/court-queue/internal/metrics"
	"github.com/rally/court-queue/internal/protocol"
	"github.com/rally/court-queue/internal/ratelimit"
	"github.com/rally/court-queue/internal/store"
)

func (s *Service) handleCourtFreed(data []byte) {
	msgType, msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.logger.Warn("invalid court freed message", zap.Error(err))
		return
	}
	cf, ok := msg.(protocol.CourtFreedMsg)
	if !ok {
		s.logger.Warn("unexpected message on court.freed", zap.String("type", msgType))
		return
	}

	// Failures are logged and counted inside FillCourt; the sweep retries.
	s.FillCourt(s.ctx, cf.SessionID, cf.CourtID)
}

func (s *Service) handleMatchCompleted(data []byte) {
	msgType, msg, err := protocol.ParseMessage(data)
	if err != nil {
		s.logger.Warn("invalid match completed message", zap.Error(err))
		return
	}
	mc, ok := msg.(protocol.MatchCompletedMsg)
	if !ok {
		s.logger.Warn("unexpected message on match.completed", zap.String("type", msgType))
		return
	}

	c, err := s.store.CompleteMatch(s.ctx, mc.MatchID, mc.WinnerTeam)
	if err != nil {
		s.logger.Error("complete match", zap.String("match_id", mc.MatchID), zap.Error(err))
		return
	}
	s.logger.Info("match completed",
		zap.String("match_id", c.MatchID),
		zap.String("session_id", c.SessionID),
		zap.Int("winner_team", mc.WinnerTeam),
		zap.Int("requeued", len(c.Requeued)))

	s.FillCourt(s.ctx, c.SessionID, c.CourtID)
}

// handleSuggest serves operator "who's next" requests and returns the encoded
// reply.
func (s *Service) handleSuggest(data []byte) []byte {
	msgType, msg, err := protocol.ParseMessage(data)
	if err != nil {
		return protocol.NewError(protocol.CodeBadRequest, err.Error())
	}
	req, ok := msg.(protocol.SuggestRequestMsg)
	if !ok {
		return protocol.NewError(protocol.CodeBadRequest, "expected suggest_request, got "+msgType)
	}

	ctx := s.ctx
	log := s.logger.With(zap.String("session_id", req.SessionID))

	if limited := s.throttle(ctx, log, req.SessionID, s.cfg.SuggestRule); limited != nil {
		return limited
	}
	if req.Commit {
		if limited := s.throttle(ctx, log, req.CourtID, s.cfg.CommitRule); limited != nil {
			return limited
		}
	}

	matchType, err := s.matchType(ctx, req.SessionID, req.MatchType)
	if err != nil {
		return errorReply(log, err)
	}

	if req.Commit {
		return s.commitReply(ctx, log, req, matchType)
	}

	outcome, err := s.suggester.Explain(ctx, req.SessionID, matchType)
	if err != nil {
		return errorReply(log, err)
	}
	if outcome.Suggestion == nil {
		return noSuggestion(req.SessionID, matchType, string(outcome.Reason))
	}

	out, err := protocol.NewMessage(protocol.TypeSuggestion, protocol.SuggestionMsg{
		SessionID: req.SessionID,
		MatchType: outcome.Suggestion.MatchType,
		Teams:     outcome.Suggestion.Teams,
		EntryIDs:  outcome.Suggestion.EntryIDs,
	})
	if err != nil {
		return errorReply(log, err)
	}
	return out
}

// throttle returns a rate_limited reply when identifier is over rule, or nil.
func (s *Service) throttle(ctx context.Context, log *zap.Logger, identifier string, rule ratelimit.Rule) []byte {
	allowed, err := s.limiter.Allow(ctx, identifier, rule)
	if err != nil {
		log.Warn("rate limiter unavailable", zap.Error(err))
	}
	if allowed {
		return nil
	}
	metrics.RateLimitedTotal.Inc()
	out, _ := protocol.NewMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(rule.Window.Seconds()),
	})
	return out
}

// matchType resolves an empty match type to the session's game type.
func (s *Service) matchType(ctx context.Context, sessionID, requested string) (string, error) {
	if requested != "" {
		return requested, nil
	}
	return s.store.SessionGameType(ctx, sessionID)
}

func (s *Service) commitReply(ctx context.Context, log *zap.Logger, req protocol.SuggestRequestMsg, matchType string) []byte {
	m, reason, err := s.fill(ctx, req.SessionID, req.CourtID, matchType)
	if err != nil {
		return errorReply(log, err)
	}
	if m == nil {
		return noSuggestion(req.SessionID, matchType, string(reason))
	}

	out, err := protocol.NewMessage(protocol.TypeMatchAssigned, matchAssignedMsg(m))
	if err != nil {
		return errorReply(log, err)
	}
	return out
}

// handleQueueCommand serves enqueue, set_position and cancel_entry.
func (s *Service) handleQueueCommand(data []byte) []byte {
	msgType, msg, err := protocol.ParseMessage(data)
	if err != nil {
		return protocol.NewError(protocol.CodeBadRequest, err.Error())
	}

	ctx := s.ctx
	switch m := msg.(type) {
	case protocol.EnqueueMsg:
		return s.enqueueReply(ctx, m)
	case protocol.SetPositionMsg:
		log := s.logger.With(zap.String("entry_id", m.EntryID))
		return ack(log, msgType, s.store.SetPosition(ctx, m.EntryID, m.Position))
	case protocol.CancelEntryMsg:
		log := s.logger.With(zap.String("entry_id", m.EntryID))
		return ack(log, msgType, s.store.Cancel(ctx, m.EntryID))
	default:
		return protocol.NewError(protocol.CodeBadRequest, "not a queue command: "+msgType)
	}
}

func (s *Service) enqueueReply(ctx context.Context, m protocol.EnqueueMsg) []byte {
	log := s.logger.With(zap.String("session_id", m.SessionID))

	matchType, err := s.matchType(ctx, m.SessionID, m.MatchType)
	if err != nil {
		return errorReply(log, err)
	}
	entry, err := s.store.Enqueue(ctx, m.SessionID, matchType, m.PlayerIDs)
	if err != nil {
		return errorReply(log, err)
	}
	log.Info("entry queued",
		zap.String("entry_id", entry.ID),
		zap.String("match_type", entry.Type),
		zap.Int("position", entry.Position))

	out, err := protocol.NewMessage(protocol.TypeQueued, protocol.QueuedMsg{
		SessionID: m.SessionID,
		EntryID:   entry.ID,
		MatchType: entry.Type,
		Position:  entry.Position,
		PlayerIDs: entry.PlayerIDs,
	})
	if err != nil {
		return errorReply(log, err)
	}
	return out
}

// handleSessionCommand serves session lifecycle and roster commands.
func (s *Service) handleSessionCommand(data []byte) []byte {
	msgType, msg, err := protocol.ParseMessage(data)
	if err != nil {
		return protocol.NewError(protocol.CodeBadRequest, err.Error())
	}

	ctx := s.ctx
	switch m := msg.(type) {
	case protocol.SessionMsg:
		log := s.logger.With(zap.String("session_id", m.SessionID))
		if msgType == protocol.TypeOpenSession {
			err = s.store.OpenSession(ctx, m.SessionID)
		} else {
			err = s.store.CloseSession(ctx, m.SessionID)
		}
		if err == nil {
			log.Info("session updated", zap.String("command", msgType))
		}
		return ack(log, msgType, err)
	case protocol.PlayerMsg:
		log := s.logger.With(zap.String("session_id", m.SessionID), zap.String("player_id", m.PlayerID))
		switch msgType {
		case protocol.TypeRegister:
			err = s.store.Register(ctx, m.SessionID, m.PlayerID)
		case protocol.TypeCheckIn:
			err = s.store.CheckIn(ctx, m.SessionID, m.PlayerID)
		default:
			err = s.store.CheckOut(ctx, m.SessionID, m.PlayerID)
		}
		return ack(log, msgType, err)
	default:
		return protocol.NewError(protocol.CodeBadRequest, "not a session command: "+msgType)
	}
}

// ack replies with an ack for command, or the mapped error.
func ack(log *zap.Logger, command string, err error) []byte {
	if err != nil {
		return errorReply(log, err)
	}
	out, _ := protocol.NewMessage(protocol.TypeAck, protocol.AckMsg{Command: command})
	return out
}

func noSuggestion(sessionID, matchType, reason string) []byte {
	out, _ := protocol.NewMessage(protocol.TypeNoSuggestion, protocol.NoSuggestionMsg{
		SessionID: sessionID,
		MatchType: matchType,
		Reason:    reason,
	})
	return out
}

// errorReply maps known errors onto protocol error codes.
func errorReply(log *zap.Logger, err error) []byte {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return protocol.NewError(protocol.CodeNotFound, err.Error())
	case errors.Is(err, store.ErrAlreadyQueued):
		return protocol.NewError(protocol.CodeQueued, err.Error())
	case errors.Is(err, store.ErrInvalidInput):
		return protocol.NewError(protocol.CodeBadRequest, err.Error())
	case errors.Is(err, store.ErrCourtBusy):
		return protocol.NewError(protocol.CodeCourtBusy, err.Error())
	case errors.Is(err, store.ErrStaleSuggestion):
		return protocol.NewError(protocol.CodeStale, err.Error())
	case errors.Is(err, lock.ErrNotAcquired):
		return protocol.NewError(protocol.CodeBusy, err.Error())
	default:
		log.Error("request failed", zap.Error(err))
		return protocol.NewError(protocol.CodeInternal, "internal error")
	}
}
