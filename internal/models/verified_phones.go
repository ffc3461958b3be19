package models

import "time"

const (
	VerifiedStatusActive  = "active"
	VerifiedStatusRevoked = "revoked"
)

// VerifiedPhone is the durable record that a phone number passed
// verification. At most one active record exists per canonical phone.
type VerifiedPhone struct {
	CanonicalPhone string    `json:"canonical_phone" db:"canonical_phone"`
	Method         string    `json:"method" db:"method"`
	SessionID      string    `json:"session_id" db:"session_id"`
	UserID         string    `json:"user_id,omitempty" db:"user_id"`
	Status         string    `json:"status" db:"status"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

func (v *VerifiedPhone) IsActive() bool {
	return v.Status == VerifiedStatusActive
}
