package attendance

import (
	"errors"
	"testing"
	"time"
)

func baseSession() *Session {
	start := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	return &Session{
		ID:                   1,
		SchoolID:             10,
		TeacherID:            100,
		StartedAt:            start,
		EndedAt:              start.Add(45 * time.Minute),
		LateToleranceMinutes: 10,
	}
}

func TestClassifyLateness_Boundary(t *testing.T) {
	sess := baseSession()
	limit := sess.StartedAt.Add(10 * time.Minute)

	cases := map[string]struct {
		at      time.Time
		status  RecordStatus
		minutes int
	}{
		"at start":            {sess.StartedAt, StatusPresent, 0},
		"exactly at limit":    {limit, StatusPresent, 0},
		"one second past":     {limit.Add(time.Second), StatusLate, 1},
		"one minute past":     {limit.Add(time.Minute), StatusLate, 1},
		"61 seconds past":     {limit.Add(61 * time.Second), StatusLate, 2},
		"five minutes past":   {limit.Add(5 * time.Minute), StatusLate, 5},
		"zero tolerance edge": {sess.StartedAt.Add(10 * time.Minute), StatusPresent, 0},
	}
	for name, tc := range cases {
		status, minutes := classifyLateness(sess, tc.at)
		if status != tc.status || minutes != tc.minutes {
			t.Errorf("%s: got (%s, %d), want (%s, %d)", name, status, minutes, tc.status, tc.minutes)
		}
	}
}

func TestClassifyLateness_ZeroTolerance(t *testing.T) {
	sess := baseSession()
	sess.LateToleranceMinutes = 0

	if status, _ := classifyLateness(sess, sess.StartedAt); status != StatusPresent {
		t.Fatalf("scan at start with zero tolerance should be present, got %s", status)
	}
	status, minutes := classifyLateness(sess, sess.StartedAt.Add(time.Second))
	if status != StatusLate || minutes != 1 {
		t.Fatalf("got (%s, %d), want (late, 1)", status, minutes)
	}
}

func TestCanManage(t *testing.T) {
	sess := baseSession()

	cases := map[string]struct {
		actor  Actor
		reason Reason
	}{
		"owning teacher":      {Actor{ID: 100, SchoolID: 10, Role: RoleTeacher}, ""},
		"school admin":        {Actor{ID: 200, SchoolID: 10, Role: RoleSchoolAdmin}, ""},
		"other teacher":       {Actor{ID: 101, SchoolID: 10, Role: RoleTeacher}, ReasonForbidden},
		"admin other school":  {Actor{ID: 200, SchoolID: 11, Role: RoleSchoolAdmin}, ReasonSchoolMismatch},
		"student same school": {Actor{ID: 300, SchoolID: 10, Role: RoleStudent}, ReasonForbidden},
	}
	for name, tc := range cases {
		err := canManage(sess, tc.actor)
		if tc.reason == "" {
			if err != nil {
				t.Errorf("%s: unexpected error %v", name, err)
			}
			continue
		}
		reason, ok := RejectionReason(err)
		if !ok || reason != tc.reason {
			t.Errorf("%s: got %v, want reason %q", name, err, tc.reason)
		}
	}
}

func TestRejectionReason(t *testing.T) {
	if _, ok := RejectionReason(errors.New("boom")); ok {
		t.Fatal("plain error classified as rejection")
	}
	reason, ok := RejectionReason(Rejected(ReasonDuplicateAttendance))
	if !ok || reason != ReasonDuplicateAttendance {
		t.Fatalf("got (%q, %v)", reason, ok)
	}
}

func TestNewSessionSecret(t *testing.T) {
	a, b := newSessionSecret(), newSessionSecret()
	if len(a) != 64 || len(b) != 64 {
		t.Fatalf("secret lengths %d, %d; want 64 hex chars", len(a), len(b))
	}
	if a == b {
		t.Fatal("two secrets collided")
	}
}
