package assign

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rally/court-queue/internal/metrics"
)

// sweepLoop periodically fills every free court. It catches court_freed
// events that were lost or arrived while the queue was too short.
func (s *Service) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug("sweep loop stopped")
			return
		case <-ticker.C:
			s.Sweep(s.ctx)
		}
	}
}

// Sweep tries to fill each available court of every open session once and
// returns how many matches were assigned.
func (s *Service) Sweep(ctx context.Context) int {
	courts, err := s.store.FreeCourts(ctx)
	if err != nil {
		s.logger.Error("sweep: list free courts", zap.Error(err))
		return 0
	}
	metrics.FreeCourts.Set(float64(len(courts)))

	assigned := 0
	for _, fc := range courts {
		if ctx.Err() != nil {
			break
		}
		m, _, err := s.fill(ctx, fc.SessionID, fc.CourtID, fc.GameType)
		if err == nil && m != nil {
			assigned++
		}
	}
	return assigned
}

// cleanupLoop periodically expires queue entries nobody picked up.
func (s *Service) cleanupLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debug("cleanup loop stopped")
			return
		case <-ticker.C:
			s.Cleanup(s.ctx)
		}
	}
}

// Cleanup expires queued entries older than the configured TTL.
func (s *Service) Cleanup(ctx context.Context) int64 {
	n, err := s.store.ExpireStale(ctx, s.cfg.EntryTTL)
	if err != nil {
		s.logger.Error("cleanup: expire stale entries", zap.Error(err))
		return 0
	}
	if n > 0 {
		metrics.ExpiredEntriesTotal.Add(float64(n))
		s.logger.Info("cleanup: expired stale entries", zap.Int64("count", n))
	}
	return n
}
