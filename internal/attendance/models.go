package attendance

import (
	"time"

	"rollcall/internal/token"
)

// SessionStatus is the lifecycle state of a class session.
type SessionStatus string

const (
	SessionDraft  SessionStatus = "draft"
	SessionOpen   SessionStatus = "open"
	SessionClosed SessionStatus = "closed"
)

// RecordStatus classifies a student's participation in one session.
type RecordStatus string

const (
	StatusPresent RecordStatus = "present"
	StatusLate    RecordStatus = "late"
	StatusAbsent  RecordStatus = "absent"
)

// Roles carried in auth claims; only these three touch the core.
const (
	RoleStudent     = "student"
	RoleTeacher     = "teacher"
	RoleSchoolAdmin = "school_admin"
)

// Session is one class meeting's attendance window.
type Session struct {
	ID                   int64
	SchoolID             int64
	ClassID              int64
	SubjectID            int64
	TeacherID            int64
	StartedAt            time.Time
	EndedAt              time.Time
	LateToleranceMinutes int
	QRDynamic            bool
	QRRotateSeconds      int
	LocationValidation   bool
	CenterLat            *float64
	CenterLng            *float64
	RadiusMeters         *int
	Secret               string
	Status               SessionStatus
	OpenedAt             *time.Time
	ClosedAt             *time.Time
	CreatedAt            time.Time
}

// LateLimit is the last instant a scan still counts as present.
func (s *Session) LateLimit() time.Time {
	return s.StartedAt.Add(time.Duration(s.LateToleranceMinutes) * time.Minute)
}

// TokenParams adapts the session for the token codec.
func (s *Session) TokenParams() token.SessionParams {
	return token.SessionParams{
		SessionID:     s.ID,
		Secret:        s.Secret,
		Dynamic:       s.QRDynamic,
		RotateSeconds: s.QRRotateSeconds,
		EndedAt:       s.EndedAt,
	}
}

// Record is the single outcome row per (session, student). Created once,
// never updated.
type Record struct {
	ID             int64
	SchoolID       int64
	SessionID      int64
	StudentID      int64
	ScannedAt      *time.Time
	Status         RecordStatus
	LateMinutes    int
	TokenSlot      *int64
	ScanLat        *float64
	ScanLng        *float64
	DistanceMeters *float64
	IPAddress      string
	UserAgent      string
	CreatedAt      time.Time
}

// ScanAttempt is the append-only audit row written for every check-in try.
type ScanAttempt struct {
	ID          int64
	SchoolID    int64
	SessionID   int64
	StudentID   *int64
	AttemptedAt time.Time
	TokenSlot   *int64
	Result      string // accepted | rejected
	ReasonCode  *string
	IPAddress   string
	UserAgent   string
}

// Actor is the authenticated caller as seen by the core: enough identity
// to authorize session management and attribute check-ins.
type Actor struct {
	ID       int64
	SchoolID int64
	Role     string
	Name     string
}

// SessionSummary is the list-view projection of a session.
type SessionSummary struct {
	ID          int64
	Status      SessionStatus
	StartedAt   time.Time
	EndedAt     time.Time
	ClassName   string
	SubjectName string
}

// RecordView is one row of the live feed for an open session.
type RecordView struct {
	StudentName    string
	Status         RecordStatus
	ScannedAt      *time.Time
	LateMinutes    int
	DistanceMeters *float64
}

// LiveSummary is the per-status tally for a session.
type LiveSummary struct {
	Present int `json:"present"`
	Late    int `json:"late"`
	Absent  int `json:"absent"`
	Total   int `json:"total"`
}
