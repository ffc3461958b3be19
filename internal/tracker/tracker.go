// Package tracker gates resends and verification attempts. It never
// decides whether a code passes or fails; it only answers "is this
// phone still cooling down" and "does this session plausibly have
// attempts left" so the manager can short-circuit cheap rejections
// before touching the provider.
package tracker

import (
	"context"
	"time"
)

// Tracker tracks resend cooldowns and attempt state.
type Tracker interface {
	// CooldownRemaining returns how long before the phone may be sent
	// another code. Zero means no active cooldown.
	CooldownRemaining(ctx context.Context, canonicalPhone string) (time.Duration, error)

	// StartCooldown opens a cooldown window for the phone after a
	// successful send or resend.
	StartCooldown(ctx context.Context, canonicalPhone string, window time.Duration) error

	// AttemptsExhausted pre-checks whether the session has hit its
	// attempt ceiling. A false answer is advisory; the storage-level
	// atomic increment remains the authority.
	AttemptsExhausted(ctx context.Context, sessionID string) (bool, error)

	// RecordAttempts updates the tracked attempt state after the
	// storage layer performed the real increment.
	RecordAttempts(ctx context.Context, sessionID string, attempts, maxAttempts int) error

	// ForgetSession drops tracked state for a finished session.
	ForgetSession(ctx context.Context, sessionID string) error
}
