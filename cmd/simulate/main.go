package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/logging"
	"rollcall/internal/store"
)

// Simulate drives enrolled students through the real check-in pipeline
// against an open session. Useful for demos and load sanity checks; every
// attempt goes through the same validation the API uses.
func main() {
	sessionID := flag.Int64("session", 0, "session id to check into (required)")
	count := flag.Int("count", 10, "number of enrolled students to run")
	delay := flag.Duration("delay", 100*time.Millisecond, "pause between students")
	flag.Parse()

	if *sessionID <= 0 {
		log.Fatal("usage: simulate -session <id> [-count n] [-delay d]")
	}

	cfg := config.Load()
	logger, err := logging.Init(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	ctx := context.Background()
	repo := attendance.NewRepository(db.Client)
	svc := attendance.NewService(repo, logger, nil)

	sess, err := repo.GetSession(ctx, *sessionID)
	if err != nil {
		logger.Fatal("load session failed", zap.Error(err))
	}

	teacher := attendance.Actor{ID: sess.TeacherID, SchoolID: sess.SchoolID, Role: attendance.RoleTeacher}
	issued, err := svc.CurrentToken(ctx, sess.ID, teacher)
	if err != nil {
		logger.Fatal("session token unavailable, is the session open?", zap.Error(err))
	}

	students, err := repo.ActiveStudents(ctx, sess.SchoolID, sess.ClassID, *count)
	if err != nil {
		logger.Fatal("load roster failed", zap.Error(err))
	}
	if len(students) == 0 {
		logger.Fatal("no active students enrolled in class", zap.Int64("class_id", sess.ClassID))
	}

	var lat, lng *float64
	if sess.LocationValidation && sess.CenterLat != nil && sess.CenterLng != nil {
		lat, lng = sess.CenterLat, sess.CenterLng
	}

	accepted, rejected := 0, 0
	reasons := map[string]int{}
	for _, student := range students {
		rec, err := svc.CheckIn(ctx, attendance.CheckInInput{
			SessionID: sess.ID,
			Student:   student,
			Token:     issued.Token,
			Lat:       lat,
			Lng:       lng,
			IP:        "127.0.0.1",
			UserAgent: "rollcall-simulate",
		})
		if err != nil {
			rejected++
			if reason, ok := attendance.RejectionReason(err); ok {
				reasons[string(reason)]++
			} else {
				logger.Error("check-in failed", zap.Int64("student_id", student.ID), zap.Error(err))
			}
		} else {
			accepted++
			logger.Info("checked in",
				zap.Int64("student_id", student.ID),
				zap.String("status", string(rec.Status)),
				zap.Int("late_minutes", rec.LateMinutes))
		}
		time.Sleep(*delay)
	}

	logger.Info("simulation done",
		zap.Int("accepted", accepted),
		zap.Int("rejected", rejected),
		zap.Any("rejection_reasons", reasons))
}
