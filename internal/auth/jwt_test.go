package auth

import (
	"testing"
	"time"
)

func TestIssueParse_RoundTrip(t *testing.T) {
	issued, err := Issue(42, 7, "teacher", "Ms. Chen", "rollcall", "secret-key", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := Parse(issued.Token, "secret-key", "rollcall")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != 42 || claims.SchoolID != 7 || claims.Role != "teacher" || claims.Name != "Ms. Chen" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestParse_WrongKey(t *testing.T) {
	issued, err := Issue(1, 1, "student", "", "rollcall", "key-a", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(issued.Token, "key-b", "rollcall"); err == nil {
		t.Fatal("token signed with another key accepted")
	}
}

func TestParse_IssuerMismatch(t *testing.T) {
	issued, err := Issue(1, 1, "student", "", "other-service", "key", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(issued.Token, "key", "rollcall"); err == nil {
		t.Fatal("token from another issuer accepted")
	}
}

func TestParse_Expired(t *testing.T) {
	issued, err := Issue(1, 1, "student", "", "rollcall", "key", -time.Minute)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(issued.Token, "key", "rollcall"); err == nil {
		t.Fatal("expired token accepted")
	}
}
