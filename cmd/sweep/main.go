package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"ergroom/internal/config"
	"ergroom/internal/dependencies/clock"
	"ergroom/internal/logging"
	"ergroom/internal/notify"
	"ergroom/internal/presence"
	"ergroom/internal/scanner"
	"ergroom/internal/store"
)

// Sweep repairs presence records and checks out stale sessions once, for
// deployments that run the scanner elsewhere and want cron-driven cleanup.
func main() {
	cfg := config.Load()
	log, err := logging.New(logging.Config{Level: cfg.LogLevel, Dev: cfg.LogDev})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	for _, w := range cfg.Warnings {
		log.Warn(w)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := sweep(ctx, cfg, log); err != nil {
		log.Error("sweep failed", zap.Error(err))
		os.Exit(1)
	}
}

func sweep(ctx context.Context, cfg config.App, log *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	repo, db, err := presence.Open(ctx, cfg.StoreDriver, cfg.SQLitePath, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	repaired, err := repo.RepairPresence(ctx)
	if err != nil {
		return fmt.Errorf("repair presence: %w", err)
	}

	var sink notify.Sink = notify.Discard{}
	if cfg.RedisAddr != "" {
		rdb := store.NewRedis(cfg.RedisAddr)
		defer rdb.Close()
		sink = notify.NewRedisSink(rdb.Client, cfg.RedisChannel)
	}

	s := scanner.NewSweeper(repo, cfg.AutoCheckoutAfter, sink, nil, log)
	n, err := s.Sweep(ctx, clock.New().Now())
	s.Wait()
	if err != nil {
		return err
	}
	log.Info("sweep complete", zap.Int("repaired", repaired), zap.Int("checked_out", n))
	return nil
}
