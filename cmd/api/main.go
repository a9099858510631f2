package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/auth"
	"rollcall/internal/config"
	"rollcall/internal/httpmiddleware"
	"rollcall/internal/logging"
	"rollcall/internal/metrics"
	"rollcall/internal/queue"
	"rollcall/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger, err := logging.Init(cfg.LogLevel, cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	if err := runHTTP(cfg, logger); err != nil {
		logger.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, logger *zap.Logger) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer db.Close()

	if err := store.Migrate(db.Client); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "rollcall:events")
	}

	var limiter httpmiddleware.Limiter
	if cfg.RateLimitBackend == "redis" {
		limiter = httpmiddleware.NewRedisFixedWindow(redisClient.Client, "rollcall:ratelimit", cfg.RateLimitPerMin)
	} else {
		limiter = httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	}

	repo := attendance.NewRepository(db.Client)
	svc := attendance.NewService(repo, logger, nil)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(requestID())
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.RateLimit(limiter))

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		redisHealthy := redisClient.Healthy(c.Request.Context())
		status := http.StatusOK
		if !dbHealthy || !redisHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "db": dbHealthy, "redis": redisHealthy})
	})

	// Dev-only token mint so the API can be exercised without the identity
	// service. Hidden in production builds.
	if cfg.Env != "production" && cfg.Env != "prod" {
		r.POST("/v1/dev/token", func(c *gin.Context) {
			var req struct {
				UserID   int64  `json:"user_id" binding:"required"`
				SchoolID int64  `json:"school_id" binding:"required"`
				Role     string `json:"role" binding:"required"`
				Name     string `json:"name"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			issued, err := auth.Issue(req.UserID, req.SchoolID, req.Role, req.Name, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
				return
			}
			c.JSON(http.StatusCreated, gin.H{"access_token": issued.Token, "expires_at": issued.ExpiresAt.Unix()})
		})
	}

	v1 := r.Group("/v1", auth.UserAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	staff := v1.Group("", auth.RequireRole(attendance.RoleTeacher, attendance.RoleSchoolAdmin))

	staff.POST("/sessions", func(c *gin.Context) {
		var req struct {
			ClassID              int64    `json:"class_id" binding:"required"`
			SubjectID            int64    `json:"subject_id" binding:"required"`
			StartedAt            string   `json:"started_at" binding:"required"`
			EndedAt              string   `json:"ended_at" binding:"required"`
			LateToleranceMinutes int      `json:"late_tolerance_minutes"`
			QRDynamic            *bool    `json:"qr_dynamic"`
			QRRotateSeconds      int      `json:"qr_rotate_seconds"`
			LocationValidation   bool     `json:"location_validation"`
			CenterLat            *float64 `json:"center_lat"`
			CenterLng            *float64 `json:"center_lng"`
			RadiusMeters         *int     `json:"radius_meters"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		startedAt, err := time.Parse(time.RFC3339, req.StartedAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "started_at must be RFC3339"})
			return
		}
		endedAt, err := time.Parse(time.RFC3339, req.EndedAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ended_at must be RFC3339"})
			return
		}
		dynamic := true
		if req.QRDynamic != nil {
			dynamic = *req.QRDynamic
		}

		sess, err := svc.CreateSession(c.Request.Context(), actorFrom(c), attendance.CreateSessionInput{
			ClassID:              req.ClassID,
			SubjectID:            req.SubjectID,
			StartedAt:            startedAt,
			EndedAt:              endedAt,
			LateToleranceMinutes: req.LateToleranceMinutes,
			QRDynamic:            dynamic,
			QRRotateSeconds:      req.QRRotateSeconds,
			LocationValidation:   req.LocationValidation,
			CenterLat:            req.CenterLat,
			CenterLng:            req.CenterLng,
			RadiusMeters:         req.RadiusMeters,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, sessionJSON(sess))
	})

	staff.GET("/sessions", func(c *gin.Context) {
		claims, _ := auth.FromContext(c)
		teacherID := claims.UserID
		if claims.Role == attendance.RoleSchoolAdmin {
			teacherID = 0 // admins see the whole school
		}
		limit := 50
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 200 {
				limit = parsed
			}
		}
		sessions, err := repo.ListSessions(c.Request.Context(), claims.SchoolID, teacherID, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		out := make([]gin.H, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, gin.H{
				"id":         s.ID,
				"status":     s.Status,
				"started_at": s.StartedAt,
				"ended_at":   s.EndedAt,
				"class":      s.ClassName,
				"subject":    s.SubjectName,
			})
		}
		c.JSON(http.StatusOK, gin.H{"sessions": out})
	})

	staff.POST("/sessions/:id/open", func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		sess, err := svc.OpenSession(c.Request.Context(), id, actorFrom(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, sessionJSON(sess))
	})

	staff.POST("/sessions/:id/close", func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		sess, err := svc.CloseSession(c.Request.Context(), id, actorFrom(c))
		if err != nil {
			writeError(c, err)
			return
		}
		if err := q.Publish(c.Request.Context(), queue.Event{
			Type:      "session.closed",
			SchoolID:  sess.SchoolID,
			SessionID: sess.ID,
			At:        time.Now(),
		}); err != nil {
			logger.Warn("queue publish failed", zap.Error(err))
		}
		c.JSON(http.StatusOK, sessionJSON(sess))
	})

	staff.GET("/sessions/:id/qr", func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		issued, err := svc.CurrentToken(c.Request.Context(), id, actorFrom(c))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"token":      issued.Token,
			"slot":       issued.Slot,
			"expires_at": issued.ExpiresAt,
			"scan_url":   fmt.Sprintf("%s/scan?session=%d&token=%s", cfg.ScanBaseURL, id, issued.Token),
		})
	})

	staff.GET("/sessions/:id/live", func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		feed, summary, err := svc.Live(c.Request.Context(), id, actorFrom(c))
		if err != nil {
			writeError(c, err)
			return
		}
		records := make([]gin.H, 0, len(feed))
		for _, rec := range feed {
			records = append(records, gin.H{
				"student":         rec.StudentName,
				"status":          rec.Status,
				"scanned_at":      rec.ScannedAt,
				"late_minutes":    rec.LateMinutes,
				"distance_meters": rec.DistanceMeters,
			})
		}
		c.JSON(http.StatusOK, gin.H{"records": records, "summary": summary})
	})

	v1.POST("/checkins", func(c *gin.Context) {
		var req struct {
			SessionID int64    `json:"session_id" binding:"required"`
			Token     string   `json:"token" binding:"required"`
			Lat       *float64 `json:"lat"`
			Lng       *float64 `json:"lng"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		actor := actorFrom(c)
		rec, err := svc.CheckIn(c.Request.Context(), attendance.CheckInInput{
			SessionID: req.SessionID,
			Student:   actor,
			Token:     req.Token,
			Lat:       req.Lat,
			Lng:       req.Lng,
			IP:        c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
		if err != nil {
			if reason, ok := attendance.RejectionReason(err); ok {
				publishEvent(c, logger, q, queue.Event{
					Type:      "checkin.rejected",
					SchoolID:  actor.SchoolID,
					SessionID: req.SessionID,
					StudentID: actor.ID,
					Reason:    string(reason),
					At:        time.Now(),
				})
			}
			writeError(c, err)
			return
		}
		publishEvent(c, logger, q, queue.Event{
			Type:      "checkin.accepted",
			SchoolID:  rec.SchoolID,
			SessionID: rec.SessionID,
			StudentID: rec.StudentID,
			Reason:    string(rec.Status),
			At:        time.Now(),
		})
		c.JSON(http.StatusCreated, gin.H{
			"record_id":       rec.ID,
			"status":          rec.Status,
			"late_minutes":    rec.LateMinutes,
			"scanned_at":      rec.ScannedAt,
			"distance_meters": rec.DistanceMeters,
		})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
	return nil
}

func actorFrom(c *gin.Context) attendance.Actor {
	claims, _ := auth.FromContext(c)
	return attendance.Actor{
		ID:       claims.UserID,
		SchoolID: claims.SchoolID,
		Role:     claims.Role,
		Name:     claims.Name,
	}
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return id, true
}

func sessionJSON(s *attendance.Session) gin.H {
	return gin.H{
		"id":                     s.ID,
		"class_id":               s.ClassID,
		"subject_id":             s.SubjectID,
		"teacher_id":             s.TeacherID,
		"status":                 s.Status,
		"started_at":             s.StartedAt,
		"ended_at":               s.EndedAt,
		"late_tolerance_minutes": s.LateToleranceMinutes,
		"qr_dynamic":             s.QRDynamic,
		"qr_rotate_seconds":      s.QRRotateSeconds,
		"location_validation":    s.LocationValidation,
		"opened_at":              s.OpenedAt,
		"closed_at":              s.ClosedAt,
	}
}

// writeError maps domain errors to HTTP statuses. Rejections carry their
// machine-readable reason so scanner clients can show a precise message.
func writeError(c *gin.Context, err error) {
	if reason, ok := attendance.RejectionReason(err); ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "rejected", "reason": reason})
		return
	}
	if errors.Is(err, attendance.ErrInvalidInput) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func publishEvent(c *gin.Context, logger *zap.Logger, q queue.Queue, evt queue.Event) {
	if err := q.Publish(c.Request.Context(), evt); err != nil {
		logger.Warn("queue publish failed", zap.String("type", evt.Type), zap.Error(err))
	}
}

// Request IDs tie gateway logs to scan attempt rows during incident review.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		c.Set("request_id", id)
		c.Next()
	}
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Request-ID")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
