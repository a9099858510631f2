package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Repository persists sessions, records and scan attempts in Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// querier is satisfied by both *sql.DB and *sql.Tx so reads/writes can run
// inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sessionColumns = `id, school_id, class_id, subject_id, teacher_id,
	started_at, ended_at, late_tolerance_minutes,
	qr_dynamic, qr_rotate_seconds,
	location_validation, center_lat, center_lng, radius_meters,
	session_secret, status, opened_at, closed_at, created_at`

func scanSession(row *sql.Row) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.SchoolID, &s.ClassID, &s.SubjectID, &s.TeacherID,
		&s.StartedAt, &s.EndedAt, &s.LateToleranceMinutes,
		&s.QRDynamic, &s.QRRotateSeconds,
		&s.LocationValidation, &s.CenterLat, &s.CenterLng, &s.RadiusMeters,
		&s.Secret, &s.Status, &s.OpenedAt, &s.ClosedAt, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// CreateSession inserts a draft session and returns it with its id set.
func (r *Repository) CreateSession(ctx context.Context, s *Session) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO attendance_sessions (
			school_id, class_id, subject_id, teacher_id,
			started_at, ended_at, late_tolerance_minutes,
			qr_dynamic, qr_rotate_seconds,
			location_validation, center_lat, center_lng, radius_meters,
			session_secret, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		RETURNING id, created_at
	`, s.SchoolID, s.ClassID, s.SubjectID, s.TeacherID,
		s.StartedAt, s.EndedAt, s.LateToleranceMinutes,
		s.QRDynamic, s.QRRotateSeconds,
		s.LocationValidation, s.CenterLat, s.CenterLng, s.RadiusMeters,
		s.Secret, s.Status)
	if err := row.Scan(&s.ID, &s.CreatedAt); err != nil {
		return nil, err
	}
	return s, nil
}

// GetSession returns a session by id.
func (r *Repository) GetSession(ctx context.Context, id int64) (*Session, error) {
	return scanSession(r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = $1`, id))
}

// sessionForUpdate re-reads the session inside tx holding its row lock.
// This is the single serialization point for check-ins and closes.
func (r *Repository) sessionForUpdate(ctx context.Context, tx *sql.Tx, id int64) (*Session, error) {
	return scanSession(tx.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = $1 FOR UPDATE`, id))
}

// markOpened flips a session to open, setting the secret in the same
// statement so a session created before secrets existed gets one lazily.
func (r *Repository) markOpened(ctx context.Context, q querier, id int64, openedAt time.Time, secret string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET status = 'open', opened_at = $2, session_secret = $3
		WHERE id = $1
	`, id, openedAt, secret)
	return err
}

func (r *Repository) markClosed(ctx context.Context, tx *sql.Tx, id int64, closedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE attendance_sessions
		SET status = 'closed', closed_at = $2
		WHERE id = $1
	`, id, closedAt)
	return err
}

// expiredOpenIDs lists open sessions whose window has already ended.
func (r *Repository) expiredOpenIDs(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id FROM attendance_sessions
		WHERE status = 'open' AND ended_at <= $1
		ORDER BY id
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListSessions returns recent sessions for a school, optionally narrowed to
// one teacher (school admins pass teacherID 0 to see everything).
func (r *Repository) ListSessions(ctx context.Context, schoolID, teacherID int64, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT s.id, s.status, s.started_at, s.ended_at, c.name, sub.name
		FROM attendance_sessions s
		JOIN school_classes c ON c.id = s.class_id
		JOIN subjects sub ON sub.id = s.subject_id
		WHERE s.school_id = $1`
	args := []any{schoolID}
	if teacherID != 0 {
		query += ` AND s.teacher_id = $2`
		args = append(args, teacherID)
	}
	query += fmt.Sprintf(` ORDER BY s.started_at DESC LIMIT %d`, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.ID, &s.Status, &s.StartedAt, &s.EndedAt, &s.ClassName, &s.SubjectName); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// isActivelyEnrolled reports whether the student currently belongs to the
// session's class roster.
func (r *Repository) isActivelyEnrolled(ctx context.Context, q querier, schoolID, classID, studentID int64) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM class_students
			WHERE school_id = $1 AND class_id = $2 AND student_id = $3 AND is_active
		)
	`, schoolID, classID, studentID).Scan(&exists)
	return exists, err
}

// hasRecord reports whether (session, student) already has an outcome row.
func (r *Repository) hasRecord(ctx context.Context, q querier, sessionID, studentID int64) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM attendance_records WHERE session_id = $1 AND student_id = $2
		)
	`, sessionID, studentID).Scan(&exists)
	return exists, err
}

func (r *Repository) insertRecord(ctx context.Context, tx *sql.Tx, rec *Record) error {
	return tx.QueryRowContext(ctx, `
		INSERT INTO attendance_records (
			school_id, session_id, student_id, scanned_at, status, late_minutes,
			token_slot, scan_lat, scan_lng, distance_meters, ip_address, user_agent
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id, created_at
	`, rec.SchoolID, rec.SessionID, rec.StudentID, rec.ScannedAt, rec.Status, rec.LateMinutes,
		rec.TokenSlot, rec.ScanLat, rec.ScanLng, rec.DistanceMeters,
		nullIfEmpty(rec.IPAddress), nullIfEmpty(rec.UserAgent)).Scan(&rec.ID, &rec.CreatedAt)
}

// insertScanAttempt appends one audit row. Runs against a tx for accepted
// attempts and against the pool for rejected ones, so the audit write
// survives the aborted transaction.
func (r *Repository) insertScanAttempt(ctx context.Context, q querier, a *ScanAttempt) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO attendance_scan_attempts (
			school_id, session_id, student_id, attempted_at, token_slot,
			result, reason_code, ip_address, user_agent
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, a.SchoolID, a.SessionID, a.StudentID, a.AttemptedAt, a.TokenSlot,
		a.Result, a.ReasonCode, nullIfEmpty(a.IPAddress), nullIfEmpty(a.UserAgent))
	return err
}

// insertAbsentForMissing backfills one absent record per actively enrolled
// student with no record yet. The set difference is computed fresh inside
// the caller's transaction, so re-running inserts nothing new.
func (r *Repository) insertAbsentForMissing(ctx context.Context, tx *sql.Tx, s *Session) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO attendance_records (school_id, session_id, student_id, status, late_minutes)
		SELECT cs.school_id, $1, cs.student_id, 'absent', 0
		FROM class_students cs
		LEFT JOIN attendance_records ar
			ON ar.session_id = $1 AND ar.student_id = cs.student_id
		WHERE cs.school_id = $2 AND cs.class_id = $3 AND cs.is_active AND ar.id IS NULL
	`, s.ID, s.SchoolID, s.ClassID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordFeed returns the latest records for a session, newest scans first.
func (r *Repository) RecordFeed(ctx context.Context, sessionID int64, limit int) ([]RecordView, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.name, ar.status, ar.scanned_at, ar.late_minutes, ar.distance_meters
		FROM attendance_records ar
		JOIN users u ON u.id = ar.student_id
		WHERE ar.session_id = $1
		ORDER BY ar.scanned_at DESC NULLS LAST
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RecordView
	for rows.Next() {
		var v RecordView
		if err := rows.Scan(&v.StudentName, &v.Status, &v.ScannedAt, &v.LateMinutes, &v.DistanceMeters); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Summary tallies records per status for a session.
func (r *Repository) Summary(ctx context.Context, sessionID int64) (LiveSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM attendance_records
		WHERE session_id = $1 GROUP BY status
	`, sessionID)
	if err != nil {
		return LiveSummary{}, err
	}
	defer rows.Close()
	var sum LiveSummary
	for rows.Next() {
		var status RecordStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return LiveSummary{}, err
		}
		switch status {
		case StatusPresent:
			sum.Present = n
		case StatusLate:
			sum.Late = n
		case StatusAbsent:
			sum.Absent = n
		}
		sum.Total += n
	}
	return sum, rows.Err()
}

// CountRecords returns the number of records for a session.
func (r *Repository) CountRecords(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance_records WHERE session_id = $1`, sessionID).Scan(&n)
	return n, err
}

// CountScanAttempts returns the number of audit rows for a session.
func (r *Repository) CountScanAttempts(ctx context.Context, sessionID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attendance_scan_attempts WHERE session_id = $1`, sessionID).Scan(&n)
	return n, err
}

// ActiveStudents lists enrolled, active students of a class in id order.
func (r *Repository) ActiveStudents(ctx context.Context, schoolID, classID int64, limit int) ([]Actor, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT u.id, u.school_id, u.role, u.name
		FROM class_students cs
		JOIN users u ON u.id = cs.student_id
		WHERE cs.school_id = $1 AND cs.class_id = $2 AND cs.is_active
		ORDER BY u.id
		LIMIT $3
	`, schoolID, classID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Actor
	for rows.Next() {
		var a Actor
		if err := rows.Scan(&a.ID, &a.SchoolID, &a.Role, &a.Name); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertActivityLog appends one activity row for downstream consumers.
func (r *Repository) InsertActivityLog(ctx context.Context, schoolID int64, actorID *int64, action, targetType string, targetID int64, meta []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO activity_logs (school_id, actor_id, action, target_type, target_id, meta)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, schoolID, actorID, action, targetType, targetID, meta)
	return err
}

// withTx runs fn inside a transaction, rolling back on error.
func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isUniqueViolation detects the (session_id, student_id) constraint firing
// under a race the in-transaction duplicate check could not see.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
