package attendance

import "errors"

// Reason is a stable rejection code. Every expected check-in or lifecycle
// failure maps to exactly one; presentation layers own the human wording.
type Reason string

const (
	ReasonSchoolMismatch         Reason = "school_mismatch"
	ReasonForbidden              Reason = "forbidden"
	ReasonRoleNotStudent         Reason = "role_not_student"
	ReasonSessionNotOpen         Reason = "session_not_open"
	ReasonSessionNotStarted      Reason = "session_not_started"
	ReasonSessionExpired         Reason = "session_expired"
	ReasonSessionAlreadyClosed   Reason = "session_already_closed"
	ReasonStudentNotEnrolled     Reason = "student_not_enrolled"
	ReasonDuplicateAttendance    Reason = "duplicate_attendance"
	ReasonLocationRequired       Reason = "location_required"
	ReasonInvalidSessionGeofence Reason = "invalid_session_geofence"
	ReasonOutOfRadius            Reason = "out_of_radius"
)

// RejectedError is an expected, typed outcome; it never signals a storage
// or infrastructure failure.
type RejectedError struct {
	Reason Reason
}

func (e *RejectedError) Error() string { return string(e.Reason) }

// Rejected wraps a reason code as an error.
func Rejected(reason Reason) error { return &RejectedError{Reason: reason} }

// RejectionReason extracts the reason code when err is a rejection.
func RejectionReason(err error) (Reason, bool) {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}

// ErrInvalidInput marks caller mistakes on session creation (bad ranges,
// incomplete geofence). Distinct from rejections: these never produce a
// scan attempt row.
var ErrInvalidInput = errors.New("invalid input")
