package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/rally/court-queue/internal/assign"
	"github.com/rally/court-queue/internal/config"
	"github.com/rally/court-queue/internal/lock"
	"github.com/rally/court-queue/internal/logger"
	"github.com/rally/court-queue/internal/messaging"
	"github.com/rally/court-queue/internal/metrics"
	"github.com/rally/court-queue/internal/ratelimit"
	"github.com/rally/court-queue/internal/store"
)

func main() {
	cfg, cfgErr := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if cfgErr != nil {
		log.Warn("configuration", zap.Error(cfgErr))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("configuration", zap.Error(err))
	}

	log.Info("starting court assigner", zap.String("env", cfg.Env))

	// Postgres setup.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		cancel()
		log.Fatal("failed to connect to Postgres", zap.Error(err))
	}
	if err := store.Migrate(ctx, db); err != nil {
		cancel()
		log.Fatal("failed to migrate schema", zap.Error(err))
	}
	cancel()

	// Redis setup.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatal("failed to connect to Redis", zap.Error(err))
	}
	cancel()

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL

	natsClient, err := messaging.NewNATSClient(natsConfig, log)
	if err != nil {
		log.Fatal("failed to connect to NATS", zap.Error(err))
	}

	svcCfg := assign.Config{
		SweepInterval:   cfg.SweepInterval,
		CleanupInterval: cfg.CleanupInterval,
		EntryTTL:        cfg.QueueEntryTTL,
		LockTTL:         cfg.LockTTL,
		SuggestRule:     ratelimit.RuleSuggest.WithLimit(cfg.SuggestRateLimit),
		CommitRule:      ratelimit.RuleCommit,
	}
	svc := assign.NewService(assign.Deps{
		Store:   store.NewStore(db),
		Locker:  lock.NewManager(rdb),
		Limiter: ratelimit.NewLimiter(rdb, log),
		Bus:     natsClient,
		Logger:  log,
	}, svcCfg)
	if err := svc.Start(); err != nil {
		log.Fatal("failed to start assigner", zap.Error(err))
	}

	// Metrics and health endpoints.
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", zap.Error(err))
		}
	}()

	log.Info("court assigner running",
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("nats_url", cfg.NATSURL),
		zap.String("metrics_addr", cfg.MetricsAddr))

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	svc.Stop()
	natsClient.Close()
	rdb.Close()
	db.Close()
}
