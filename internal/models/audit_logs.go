package models

import "time"

// Audit event types emitted by the OTP service.
const (
	AuditOTPSent       = "otp_sent"
	AuditOTPVerified   = "otp_verified"
	AuditOTPFailed     = "otp_verify_failed"
	AuditOTPResent     = "otp_resent"
	AuditOTPExpired    = "otp_expired"
	AuditCleanupRun    = "otp_cleanup"
	AuditProviderError = "provider_error"
)

// AuditLog is an append-only, best-effort audit record. A failed audit
// write must never fail the primary operation.
type AuditLog struct {
	EventType      string    `json:"event_type" db:"event_type"`
	CanonicalPhone string    `json:"canonical_phone" db:"canonical_phone"`
	Success        bool      `json:"success" db:"success"`
	Details        string    `json:"details" db:"details"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
