package attendance

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/geo"
	"rollcall/internal/metrics"
	"rollcall/internal/token"
)

// allowedPastSlots is how many rotation windows behind the current one a
// presented token may be. One past slot absorbs display/network latency
// between the QR screen and the student's scan.
const allowedPastSlots = 1

// Clock supplies the current time; injectable for deterministic tests.
type Clock func() time.Time

// Service owns the check-in decision pipeline and the session lifecycle.
type Service struct {
	repo *Repository
	log  *zap.Logger
	now  Clock
}

// NewService creates a service backed by a repository.
func NewService(repo *Repository, log *zap.Logger, now Clock) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, log: log, now: now}
}

// CreateSessionInput carries the teacher-supplied fields for a new session.
type CreateSessionInput struct {
	ClassID              int64
	SubjectID            int64
	StartedAt            time.Time
	EndedAt              time.Time
	LateToleranceMinutes int
	QRDynamic            bool
	QRRotateSeconds      int
	LocationValidation   bool
	CenterLat            *float64
	CenterLng            *float64
	RadiusMeters         *int
}

// CreateSession validates and stores a new draft session owned by the
// acting teacher. The per-session secret is generated here, once, and is
// never rotated afterwards.
func (s *Service) CreateSession(ctx context.Context, actor Actor, in CreateSessionInput) (*Session, error) {
	if actor.Role != RoleTeacher && actor.Role != RoleSchoolAdmin {
		return nil, Rejected(ReasonForbidden)
	}
	if !in.EndedAt.After(in.StartedAt) {
		return nil, fmt.Errorf("%w: ended_at must be after started_at", ErrInvalidInput)
	}
	if in.LateToleranceMinutes < 0 || in.LateToleranceMinutes > 240 {
		return nil, fmt.Errorf("%w: late_tolerance_minutes out of range", ErrInvalidInput)
	}
	if in.QRRotateSeconds == 0 {
		in.QRRotateSeconds = 30
	}
	if in.QRRotateSeconds < 15 || in.QRRotateSeconds > 120 {
		return nil, fmt.Errorf("%w: qr_rotate_seconds out of range", ErrInvalidInput)
	}
	if in.LocationValidation {
		if in.CenterLat == nil || in.CenterLng == nil || in.RadiusMeters == nil {
			return nil, fmt.Errorf("%w: geofence requires center_lat, center_lng and radius_meters", ErrInvalidInput)
		}
		if *in.CenterLat < -90 || *in.CenterLat > 90 || *in.CenterLng < -180 || *in.CenterLng > 180 {
			return nil, fmt.Errorf("%w: geofence center out of range", ErrInvalidInput)
		}
		if *in.RadiusMeters < 10 || *in.RadiusMeters > 500 {
			return nil, fmt.Errorf("%w: radius_meters out of range", ErrInvalidInput)
		}
	} else {
		// Geofence fields are all-or-nothing with the flag.
		in.CenterLat, in.CenterLng, in.RadiusMeters = nil, nil, nil
	}

	sess := &Session{
		SchoolID:             actor.SchoolID,
		ClassID:              in.ClassID,
		SubjectID:            in.SubjectID,
		TeacherID:            actor.ID,
		StartedAt:            in.StartedAt,
		EndedAt:              in.EndedAt,
		LateToleranceMinutes: in.LateToleranceMinutes,
		QRDynamic:            in.QRDynamic,
		QRRotateSeconds:      in.QRRotateSeconds,
		LocationValidation:   in.LocationValidation,
		CenterLat:            in.CenterLat,
		CenterLng:            in.CenterLng,
		RadiusMeters:         in.RadiusMeters,
		Secret:               newSessionSecret(),
		Status:               SessionDraft,
	}
	return s.repo.CreateSession(ctx, sess)
}

// OpenSession transitions a draft session to open. Idempotent when the
// session is already open; closed sessions stay closed. The row lock keeps
// two concurrent opens from each minting a lazy secret, which would
// invalidate tokens issued under the loser's.
func (s *Service) OpenSession(ctx context.Context, sessionID int64, actor Actor) (*Session, error) {
	opened := false
	err := s.repo.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := s.repo.sessionForUpdate(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if err := canManage(sess, actor); err != nil {
			return err
		}
		switch sess.Status {
		case SessionClosed:
			return Rejected(ReasonSessionAlreadyClosed)
		case SessionOpen:
			return nil
		}

		secret := sess.Secret
		if secret == "" {
			// Sessions created before secrets existed get one on first open.
			secret = newSessionSecret()
		}
		opened = true
		return s.repo.markOpened(ctx, tx, sessionID, s.now(), secret)
	})
	if err != nil {
		return nil, err
	}
	if opened {
		s.log.Info("session opened", zap.Int64("session_id", sessionID), zap.Int64("actor_id", actor.ID))
	}
	return s.repo.GetSession(ctx, sessionID)
}

// CurrentToken returns the token to display for an open session.
func (s *Service) CurrentToken(ctx context.Context, sessionID int64, actor Actor) (token.Issued, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return token.Issued{}, err
	}
	if err := canManage(sess, actor); err != nil {
		return token.Issued{}, err
	}
	if sess.Status != SessionOpen {
		return token.Issued{}, Rejected(ReasonSessionNotOpen)
	}
	return token.Generate(sess.TokenParams(), s.now()), nil
}

// CheckInInput is one student's check-in attempt.
type CheckInInput struct {
	SessionID int64
	Student   Actor
	Token     string
	Lat       *float64
	Lng       *float64
	IP        string
	UserAgent string
}

// CheckIn decides and durably records the fate of one attempt. The session
// row lock serializes concurrent attempts against the same session; the
// unique (session_id, student_id) constraint backstops races the lock
// cannot see. Every attempt, accepted or rejected, leaves exactly one scan
// attempt row.
func (s *Service) CheckIn(ctx context.Context, in CheckInInput) (*Record, error) {
	now := s.now()
	var (
		rec       *Record
		tokenSlot *int64
		schoolID  int64
	)

	err := s.repo.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := s.repo.sessionForUpdate(ctx, tx, in.SessionID)
		if err != nil {
			return err
		}
		schoolID = sess.SchoolID

		if sess.SchoolID != in.Student.SchoolID {
			return Rejected(ReasonSchoolMismatch)
		}
		if in.Student.Role != RoleStudent {
			return Rejected(ReasonRoleNotStudent)
		}
		if sess.Status != SessionOpen {
			return Rejected(ReasonSessionNotOpen)
		}
		if now.Before(sess.StartedAt) {
			return Rejected(ReasonSessionNotStarted)
		}
		if now.After(sess.EndedAt) {
			return Rejected(ReasonSessionExpired)
		}

		enrolled, err := s.repo.isActivelyEnrolled(ctx, tx, sess.SchoolID, sess.ClassID, in.Student.ID)
		if err != nil {
			return err
		}
		if !enrolled {
			return Rejected(ReasonStudentNotEnrolled)
		}

		v := token.Verify(sess.TokenParams(), in.Token, allowedPastSlots, now)
		if v.Valid || v.Reason == token.ReasonExpiredToken || v.Reason == token.ReasonInvalidSlot {
			slot := v.Slot
			tokenSlot = &slot
		}
		if !v.Valid {
			return Rejected(Reason(v.Reason))
		}

		dup, err := s.repo.hasRecord(ctx, tx, sess.ID, in.Student.ID)
		if err != nil {
			return err
		}
		if dup {
			return Rejected(ReasonDuplicateAttendance)
		}

		var distance *float64
		if sess.LocationValidation {
			if in.Lat == nil || in.Lng == nil {
				return Rejected(ReasonLocationRequired)
			}
			if sess.CenterLat == nil || sess.CenterLng == nil || sess.RadiusMeters == nil {
				return Rejected(ReasonInvalidSessionGeofence)
			}
			d := geo.DistanceMeters(*in.Lat, *in.Lng, *sess.CenterLat, *sess.CenterLng)
			distance = &d
			if d > float64(*sess.RadiusMeters) {
				return Rejected(ReasonOutOfRadius)
			}
		}

		status, lateMinutes := classifyLateness(sess, now)

		scannedAt := now
		rec = &Record{
			SchoolID:       sess.SchoolID,
			SessionID:      sess.ID,
			StudentID:      in.Student.ID,
			ScannedAt:      &scannedAt,
			Status:         status,
			LateMinutes:    lateMinutes,
			TokenSlot:      tokenSlot,
			ScanLat:        in.Lat,
			ScanLng:        in.Lng,
			DistanceMeters: distance,
			IPAddress:      in.IP,
			UserAgent:      in.UserAgent,
		}
		if err := s.repo.insertRecord(ctx, tx, rec); err != nil {
			return err
		}
		return s.repo.insertScanAttempt(ctx, tx, &ScanAttempt{
			SchoolID:    sess.SchoolID,
			SessionID:   sess.ID,
			StudentID:   &in.Student.ID,
			AttemptedAt: now,
			TokenSlot:   tokenSlot,
			Result:      "accepted",
			IPAddress:   in.IP,
			UserAgent:   in.UserAgent,
		})
	})

	if err == nil {
		metrics.CheckInsAccepted.Inc()
		return rec, nil
	}

	if reason, ok := RejectionReason(err); ok {
		s.logRejectedAttempt(ctx, in, schoolID, tokenSlot, reason, now)
		metrics.CheckInsRejected.WithLabelValues(string(reason)).Inc()
		return nil, err
	}
	if isUniqueViolation(err) {
		// Two attempts slipped past the duplicate check back to back; the
		// constraint is the final authority and maps to the same outcome.
		s.logRejectedAttempt(ctx, in, schoolID, tokenSlot, ReasonDuplicateAttendance, now)
		metrics.CheckInsRejected.WithLabelValues(string(ReasonDuplicateAttendance)).Inc()
		return nil, Rejected(ReasonDuplicateAttendance)
	}
	return nil, err
}

// logRejectedAttempt writes the audit row for a failed attempt after its
// transaction aborted. Best-effort: an audit failure must not mask the
// rejection itself.
func (s *Service) logRejectedAttempt(ctx context.Context, in CheckInInput, schoolID int64, tokenSlot *int64, reason Reason, attemptedAt time.Time) {
	code := string(reason)
	err := s.repo.insertScanAttempt(ctx, s.repo.db, &ScanAttempt{
		SchoolID:    schoolID,
		SessionID:   in.SessionID,
		StudentID:   &in.Student.ID,
		AttemptedAt: attemptedAt,
		TokenSlot:   tokenSlot,
		Result:      "rejected",
		ReasonCode:  &code,
		IPAddress:   in.IP,
		UserAgent:   in.UserAgent,
	})
	if err != nil {
		s.log.Warn("rejected scan attempt not logged",
			zap.Int64("session_id", in.SessionID),
			zap.Int64("student_id", in.Student.ID),
			zap.String("reason", code),
			zap.Error(err))
	}
}

// CloseSession closes a session on behalf of an authorized actor and
// backfills absent rows for enrolled students who never checked in.
func (s *Service) CloseSession(ctx context.Context, sessionID int64, actor Actor) (*Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := canManage(sess, actor); err != nil {
		return nil, err
	}
	if _, err := s.closeAndBackfill(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.GetSession(ctx, sessionID)
}

// CloseExpiredSweep closes every open session whose end time has passed and
// backfills its absences. No authorization: trusted internal callers only.
func (s *Service) CloseExpiredSweep(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.ObserveSweep(time.Since(start)) }()

	ids, err := s.repo.expiredOpenIDs(ctx, s.now())
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, id := range ids {
		inserted, err := s.closeAndBackfill(ctx, id)
		if err != nil {
			return closed, err
		}
		closed++
		s.log.Info("expired session closed",
			zap.Int64("session_id", id), zap.Int64("absent_backfilled", inserted))
	}
	return closed, nil
}

// closeAndBackfill is the close unit: one transaction, session row locked,
// so a manual close racing the sweep cannot both run the backfill against
// stale missing-student sets.
func (s *Service) closeAndBackfill(ctx context.Context, sessionID int64) (int64, error) {
	var inserted int64
	err := s.repo.withTx(ctx, func(tx *sql.Tx) error {
		sess, err := s.repo.sessionForUpdate(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != SessionClosed {
			if err := s.repo.markClosed(ctx, tx, sessionID, s.now()); err != nil {
				return err
			}
			metrics.SessionsClosed.Inc()
		}
		inserted, err = s.repo.insertAbsentForMissing(ctx, tx, sess)
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.AbsentBackfilled.Add(float64(inserted))
	return inserted, nil
}

// Live returns the record feed and per-status tally for a session.
func (s *Service) Live(ctx context.Context, sessionID int64, actor Actor) ([]RecordView, LiveSummary, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, LiveSummary{}, err
	}
	if err := canManage(sess, actor); err != nil {
		return nil, LiveSummary{}, err
	}
	feed, err := s.repo.RecordFeed(ctx, sessionID, 100)
	if err != nil {
		return nil, LiveSummary{}, err
	}
	sum, err := s.repo.Summary(ctx, sessionID)
	if err != nil {
		return nil, LiveSummary{}, err
	}
	return feed, sum, nil
}

// canManage allows the session's teacher and school admins of the same
// school.
func canManage(sess *Session, actor Actor) error {
	if sess.SchoolID != actor.SchoolID {
		return Rejected(ReasonSchoolMismatch)
	}
	if actor.Role != RoleSchoolAdmin && sess.TeacherID != actor.ID {
		return Rejected(ReasonForbidden)
	}
	return nil
}

// classifyLateness applies the non-strict boundary: a scan exactly at
// started_at + tolerance is still present; past it, late minutes round up
// so the first late second already counts as one minute.
func classifyLateness(sess *Session, now time.Time) (RecordStatus, int) {
	limit := sess.LateLimit()
	if !now.After(limit) {
		return StatusPresent, 0
	}
	excess := now.Sub(limit)
	minutes := int((excess + time.Minute - 1) / time.Minute)
	return StatusLate, minutes
}

// newSessionSecret returns 32 cryptographically random bytes hex-encoded.
func newSessionSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
