package models

import "time"

// SessionStatus is the lifecycle state of an OTP verification session.
type SessionStatus string

const (
	StatusPending  SessionStatus = "pending"
	StatusSent     SessionStatus = "sent"
	StatusVerified SessionStatus = "verified"
	StatusFailed   SessionStatus = "failed"
	StatusExpired  SessionStatus = "expired"
)

// OTPSession is one unit of verification work. Status transitions are
// monotonic: pending -> sent -> {verified, failed, expired}; verified,
// failed and expired are terminal.
type OTPSession struct {
	SessionID       string        `json:"session_id" db:"session_id"`
	PhoneNumber     string        `json:"phone_number" db:"phone_number"`
	CanonicalPhone  string        `json:"canonical_phone" db:"canonical_phone"`
	UserID          string        `json:"user_id,omitempty" db:"user_id"`
	SessionToken    string        `json:"session_token,omitempty" db:"session_token"`
	IPAddress       string        `json:"-" db:"ip_address"`
	UserAgent       string        `json:"-" db:"user_agent"`
	ProviderOTPID   string        `json:"provider_otp_id" db:"provider_otp_id"`
	ProviderRefCode string        `json:"provider_ref_code" db:"provider_ref_code"`
	Attempts        int           `json:"attempts" db:"attempts"`
	MaxAttempts     int           `json:"max_attempts" db:"max_attempts"`
	Status          SessionStatus `json:"status" db:"status"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	ExpiresAt       time.Time     `json:"expires_at" db:"expires_at"`
	VerifiedAt      *time.Time    `json:"verified_at,omitempty" db:"verified_at"`
}

// IsTerminal reports whether no further mutation is accepted.
func (s *OTPSession) IsTerminal() bool {
	return s.Status == StatusVerified || s.Status == StatusFailed || s.Status == StatusExpired
}

// IsOpen reports whether the session still blocks new sessions for the
// same phone.
func (s *OTPSession) IsOpen(now time.Time) bool {
	return (s.Status == StatusPending || s.Status == StatusSent) && now.Before(s.ExpiresAt)
}

// IsExpired reports whether expires-at has passed for a non-terminal
// session.
func (s *OTPSession) IsExpired(now time.Time) bool {
	return !s.IsTerminal() && now.After(s.ExpiresAt)
}

// AttemptsRemaining never goes below zero.
func (s *OTPSession) AttemptsRemaining() int {
	if s.Attempts >= s.MaxAttempts {
		return 0
	}
	return s.MaxAttempts - s.Attempts
}

var validTransitions = map[SessionStatus][]SessionStatus{
	StatusPending: {StatusSent, StatusExpired},
	StatusSent:    {StatusSent, StatusVerified, StatusFailed, StatusExpired},
}

// CanTransition reports whether from -> to is a path through the session
// state machine.
func CanTransition(from, to SessionStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
