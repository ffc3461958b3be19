package models

import "time"

// RateLimit is a transient counter keyed by phone number or action.
type RateLimit struct {
	Key       string    `json:"key" db:"key"`
	Count     int       `json:"count" db:"count"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}
