// Package token issues and verifies the signed, time-sliced check-in tokens
// displayed as QR codes. Validity is fully determined by the session secret
// and timestamp arithmetic, so no per-token state is ever stored.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// minRotateSeconds is the floor for the dynamic rotation window.
const minRotateSeconds = 15

// Verification reason codes, returned verbatim to callers.
const (
	ReasonInvalidTokenFormat    = "invalid_token_format"
	ReasonInvalidPayload        = "invalid_payload"
	ReasonInvalidPayloadContent = "invalid_payload_content"
	ReasonInvalidSignature      = "invalid_signature"
	ReasonSessionMismatch       = "session_mismatch"
	ReasonExpiredToken          = "expired_token"
	ReasonInvalidSlot           = "invalid_slot"
)

// SessionParams is the slice of session state the codec needs.
type SessionParams struct {
	SessionID     int64
	Secret        string
	Dynamic       bool
	RotateSeconds int
	EndedAt       time.Time
}

// Issued is a freshly generated token plus the display metadata the QR
// screen needs to schedule its own refresh.
type Issued struct {
	Token     string
	Slot      int64
	ExpiresAt time.Time
}

// Verification is the outcome of checking a presented token.
type Verification struct {
	Valid     bool
	Reason    string
	Slot      int64
	ExpiresAt time.Time
}

type payload struct {
	SessionID *int64 `json:"sid"`
	Slot      *int64 `json:"slot"`
	Expiry    *int64 `json:"exp"`
}

// Generate produces the token valid at now. Static sessions get a single
// slot-0 token covering the whole window; dynamic sessions get one token
// per rotation window.
func Generate(s SessionParams, now time.Time) Issued {
	if !s.Dynamic {
		exp := s.EndedAt.Unix()
		return Issued{
			Token:     sign(s.Secret, encodePayload(s.SessionID, 0, exp)),
			Slot:      0,
			ExpiresAt: time.Unix(exp, 0),
		}
	}

	rotate := rotateSeconds(s)
	slot := now.Unix() / rotate
	exp := (slot + 1) * rotate

	return Issued{
		Token:     sign(s.Secret, encodePayload(s.SessionID, slot, exp)),
		Slot:      slot,
		ExpiresAt: time.Unix(exp, 0),
	}
}

// Verify checks structure, signature, session binding, expiry and, for
// dynamic sessions, the slot window. allowedPastSlots widens the window
// backwards to absorb display/network latency; one future slot is always
// tolerated for clock skew.
func Verify(s SessionParams, tok string, allowedPastSlots int, now time.Time) Verification {
	encoded, sig, ok := strings.Cut(tok, ".")
	if !ok || encoded == "" || sig == "" {
		return Verification{Reason: ReasonInvalidTokenFormat}
	}

	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return Verification{Reason: ReasonInvalidPayload}
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil || p.SessionID == nil || p.Slot == nil || p.Expiry == nil {
		return Verification{Reason: ReasonInvalidPayloadContent}
	}

	expected := signature(s.Secret, encoded)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return Verification{Reason: ReasonInvalidSignature}
	}

	if *p.SessionID != s.SessionID {
		return Verification{Reason: ReasonSessionMismatch}
	}

	if s.Dynamic {
		rotate := rotateSeconds(s)
		past := int64(allowedPastSlots)
		if past < 0 {
			past = 0
		}
		// A dynamic token's exp is the end of its own slot, so the expiry
		// cutoff stretches by the past-slot allowance; otherwise a token
		// from the previous rotation window could never be admitted.
		if now.Unix() > *p.Expiry+past*rotate {
			return Verification{Reason: ReasonExpiredToken, Slot: *p.Slot}
		}
		current := now.Unix() / rotate
		if *p.Slot < current-past || *p.Slot > current+1 {
			return Verification{Reason: ReasonInvalidSlot, Slot: *p.Slot}
		}
	} else if now.Unix() > *p.Expiry {
		return Verification{Reason: ReasonExpiredToken, Slot: *p.Slot}
	}

	return Verification{Valid: true, Slot: *p.Slot, ExpiresAt: time.Unix(*p.Expiry, 0)}
}

func rotateSeconds(s SessionParams) int64 {
	if s.RotateSeconds < minRotateSeconds {
		return minRotateSeconds
	}
	return int64(s.RotateSeconds)
}

func encodePayload(sid, slot, exp int64) string {
	raw, _ := json.Marshal(map[string]int64{"sid": sid, "slot": slot, "exp": exp})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func sign(secret, encoded string) string {
	return encoded + "." + signature(secret, encoded)
}

func signature(secret, encoded string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}
