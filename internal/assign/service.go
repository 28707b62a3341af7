// Package assign fills free courts. It listens for court and match events on
// NATS, asks the suggestion engine who should play next, and commits the
// answer under a per-session lock so that two assigners never hand the same
// queue entries to two courts.
package assign

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rally/court-queue/internal/lock"
	"github.com/rally/court-queue/internal/metrics"
	"github.com/rally/court-queue/internal/ratelimit"
	"github.com/rally/court-queue/internal/store"
	"github.com/rally/court-queue/internal/suggest"
)

// maxCommitAttempts bounds recomputation after a stale suggestion.
const maxCommitAttempts = 2

// Admin is the queue and roster administration served on the command
// subjects.
type Admin interface {
	Enqueue(ctx context.Context, sessionID, matchType string, playerIDs []string) (*suggest.QueueEntry, error)
	SetPosition(ctx context.Context, entryID string, position int) error
	Cancel(ctx context.Context, entryID string) error
	OpenSession(ctx context.Context, sessionID string) error
	CloseSession(ctx context.Context, sessionID string) error
	Register(ctx context.Context, sessionID, playerID string) error
	CheckIn(ctx context.Context, sessionID, playerID string) error
	CheckOut(ctx context.Context, sessionID, playerID string) error
}

// Store is the persistence the service needs.
type Store interface {
	suggest.Source
	Admin
	CommitMatch(ctx context.Context, sessionID, courtID string, sg *suggest.Suggestion) (*store.Match, error)
	CompleteMatch(ctx context.Context, matchID string, winnerTeam int) (*store.Completion, error)
	FreeCourts(ctx context.Context) ([]store.FreeCourt, error)
	ExpireStale(ctx context.Context, maxAge time.Duration) (int64, error)
	SessionGameType(ctx context.Context, sessionID string) (string, error)
}

// Locker serialises work per session.
type Locker interface {
	WithLock(ctx context.Context, sessionID string, ttl time.Duration, fn func(ctx context.Context) error) error
}

// Limiter throttles operator requests.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Bus is the messaging surface the service subscribes and publishes on.
type Bus interface {
	SubscribeCourtFreed(handler func(data []byte)) error
	SubscribeMatchCompleted(handler func(data []byte)) error
	SubscribeSuggest(handler func(data []byte) []byte) error
	SubscribeQueueCommands(handler func(data []byte) []byte) error
	SubscribeSessionCommands(handler func(data []byte) []byte) error
	PublishMatchAssigned(sessionID string, data []byte) error
}

// Config tunes the background loops and per-request limits.
type Config struct {
	SweepInterval   time.Duration
	CleanupInterval time.Duration
	EntryTTL        time.Duration
	LockTTL         time.Duration
	SuggestRule     ratelimit.Rule // per session
	CommitRule      ratelimit.Rule // per court, on top of SuggestRule
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SweepInterval:   5 * time.Second,
		CleanupInterval: time.Minute,
		EntryTTL:        12 * time.Hour,
		LockTTL:         5 * time.Second,
		SuggestRule:     ratelimit.RuleSuggest,
		CommitRule:      ratelimit.RuleCommit,
	}
}

// Deps groups the collaborators of a Service.
type Deps struct {
	Store   Store
	Locker  Locker
	Limiter Limiter
	Bus     Bus
	Logger  *zap.Logger
}

// Service is the background court assigner.
type Service struct {
	store     Store
	locker    Locker
	limiter   Limiter
	bus       Bus
	suggester *suggest.Suggester
	cfg       Config
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a court assigner. Options are passed to the suggestion
// engine.
func NewService(deps Deps, cfg Config, opts ...suggest.Option) *Service {
	logger := deps.Logger.With(zap.String("component", "assigner"))
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:     deps.Store,
		locker:    deps.Locker,
		limiter:   deps.Limiter,
		bus:       deps.Bus,
		suggester: suggest.New(deps.Store, deps.Logger, opts...),
		cfg:       cfg,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to NATS subjects and starts the sweep and cleanup loops.
// The loops run until Stop is called.
func (s *Service) Start() error {
	if err := s.bus.SubscribeCourtFreed(s.handleCourtFreed); err != nil {
		return fmt.Errorf("assign: subscribe court freed: %w", err)
	}
	if err := s.bus.SubscribeMatchCompleted(s.handleMatchCompleted); err != nil {
		return fmt.Errorf("assign: subscribe match completed: %w", err)
	}
	if err := s.bus.SubscribeSuggest(s.handleSuggest); err != nil {
		return fmt.Errorf("assign: subscribe suggest: %w", err)
	}
	if err := s.bus.SubscribeQueueCommands(s.handleQueueCommand); err != nil {
		return fmt.Errorf("assign: subscribe queue commands: %w", err)
	}
	if err := s.bus.SubscribeSessionCommands(s.handleSessionCommand); err != nil {
		return fmt.Errorf("assign: subscribe session commands: %w", err)
	}

	s.wg.Add(2)
	go s.sweepLoop()
	go s.cleanupLoop()

	s.logger.Info("service started",
		zap.Duration("sweep_interval", s.cfg.SweepInterval),
		zap.Duration("cleanup_interval", s.cfg.CleanupInterval))
	return nil
}

// Stop cancels the background loops and waits for them to exit.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("service stopped")
}

// FillCourt assigns the next match to a free court. It returns (nil, nil)
// when nobody can be paired right now.
func (s *Service) FillCourt(ctx context.Context, sessionID, courtID string) (*store.Match, error) {
	matchType, err := s.store.SessionGameType(ctx, sessionID)
	if err != nil {
		metrics.AssignmentsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	m, _, err := s.fill(ctx, sessionID, courtID, matchType)
	return m, err
}

// fill runs suggest-then-commit under the session lock. The returned reason
// explains a nil match.
func (s *Service) fill(ctx context.Context, sessionID, courtID, matchType string) (*store.Match, suggest.Reason, error) {
	log := s.logger.With(
		zap.String("session_id", sessionID),
		zap.String("court_id", courtID),
		zap.String("match_type", matchType))

	var (
		match  *store.Match
		reason suggest.Reason
	)

	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTTL)
	defer cancel()

	err := s.locker.WithLock(lockCtx, sessionID, s.cfg.LockTTL, func(context.Context) error {
		for attempt := 1; ; attempt++ {
			outcome, err := s.suggester.Explain(ctx, sessionID, matchType)
			if err != nil {
				return err
			}
			reason = outcome.Reason
			if outcome.Suggestion == nil {
				return nil
			}

			match, err = s.store.CommitMatch(ctx, sessionID, courtID, outcome.Suggestion)
			if errors.Is(err, store.ErrStaleSuggestion) && attempt < maxCommitAttempts {
				log.Warn("stale suggestion, recomputing", zap.Int("attempt", attempt))
				metrics.AssignmentsTotal.WithLabelValues("stale").Inc()
				continue
			}
			return err
		}
	})

	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		log.Info("session busy, skipping")
		metrics.AssignmentsTotal.WithLabelValues("locked").Inc()
		return nil, "", err
	case errors.Is(err, store.ErrStaleSuggestion):
		log.Warn("suggestion went stale")
		metrics.AssignmentsTotal.WithLabelValues("stale").Inc()
		return nil, "", err
	case errors.Is(err, store.ErrCourtBusy):
		log.Info("court already in use")
		metrics.AssignmentsTotal.WithLabelValues("court_busy").Inc()
		return nil, "", err
	case err != nil:
		log.Error("assignment failed", zap.Error(err))
		metrics.AssignmentsTotal.WithLabelValues("error").Inc()
		return nil, "", err
	}

	if match == nil {
		log.Debug("no suggestion", zap.String("reason", string(reason)))
		metrics.AssignmentsTotal.WithLabelValues("no_suggestion").Inc()
		return nil, reason, nil
	}

	metrics.AssignmentsTotal.WithLabelValues("assigned").Inc()
	log.Info("match assigned",
		zap.String("match_id", match.ID),
		zap.Strings("team1", match.Teams[0]),
		zap.Strings("team2", match.Teams[1]))

	if err := publishMatchAssigned(s.bus, match); err != nil {
		log.Error("publish match assigned", zap.String("match_id", match.ID), zap.Error(err))
	}
	return match, reason, nil
}
