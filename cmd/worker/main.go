package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/logging"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

// Worker consumes attendance events and appends activity log rows so the
// API request path never waits on audit bookkeeping.
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

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "rollcall:events")
	}

	repo := attendance.NewRepository(db.Client)

	events, err := q.Consume(ctx)
	if err != nil {
		logger.Fatal("queue consume init failed", zap.Error(err))
	}

	logger.Info("worker started, waiting for events")
	for evt := range events {
		var action string
		switch evt.Type {
		case "checkin.accepted":
			action = "attendance.checkin"
		case "checkin.rejected":
			action = "attendance.checkin_rejected"
		case "session.closed":
			action = "attendance.session_closed"
		default:
			logger.Warn("unknown event type dropped", zap.String("type", evt.Type))
			continue
		}

		meta, _ := json.Marshal(map[string]any{
			"reason": evt.Reason,
			"at":     evt.At,
		})
		var actorID *int64
		if evt.StudentID != 0 {
			actorID = &evt.StudentID
		}
		if err := repo.InsertActivityLog(ctx, evt.SchoolID, actorID, action, "attendance_session", evt.SessionID, meta); err != nil {
			logger.Error("activity log insert failed",
				zap.String("action", action),
				zap.Int64("session_id", evt.SessionID),
				zap.Error(err))
			continue
		}
		logger.Debug("event logged", zap.String("action", action), zap.Int64("session_id", evt.SessionID))
	}

	logger.Info("worker stopped")
}
