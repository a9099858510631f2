package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/jobs"
	"rollcall/internal/logging"
	"rollcall/internal/store"
)

// Sweeper closes open sessions whose end time has passed and backfills
// absences. One instance per deployment is enough; the session row lock
// makes overlapping sweeps harmless.
func main() {
	cfg := config.Load()

	logger, err := logging.Init(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	repo := attendance.NewRepository(db.Client)
	svc := attendance.NewService(repo, logger, nil)

	runner := jobs.New(ctx, logger)
	runner.Every(cfg.SweepInterval, "close_expired_sessions", func(ctx context.Context) error {
		closed, err := svc.CloseExpiredSweep(ctx)
		if err != nil {
			return err
		}
		if closed > 0 {
			logger.Info("sweep closed sessions", zap.Int("count", closed))
		}
		return nil
	})

	logger.Info("sweeper started", zap.Duration("interval", cfg.SweepInterval))
	<-ctx.Done()
	logger.Info("sweeper stopped")
}
