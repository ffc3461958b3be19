package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]SessionStatus{
		{StatusPending, StatusSent},
		{StatusPending, StatusExpired},
		{StatusSent, StatusSent},
		{StatusSent, StatusVerified},
		{StatusSent, StatusFailed},
		{StatusSent, StatusExpired},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	forbidden := [][2]SessionStatus{
		{StatusVerified, StatusPending},
		{StatusVerified, StatusSent},
		{StatusFailed, StatusSent},
		{StatusExpired, StatusSent},
		{StatusPending, StatusVerified},
		{StatusPending, StatusFailed},
		{StatusSent, StatusPending},
	}
	for _, tr := range forbidden {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestIsTerminal(t *testing.T) {
	for status, terminal := range map[SessionStatus]bool{
		StatusPending:  false,
		StatusSent:     false,
		StatusVerified: true,
		StatusFailed:   true,
		StatusExpired:  true,
	} {
		s := &OTPSession{Status: status}
		assert.Equal(t, terminal, s.IsTerminal(), string(status))
	}
}

func TestIsOpen(t *testing.T) {
	now := time.Now().UTC()

	live := &OTPSession{Status: StatusSent, ExpiresAt: now.Add(time.Minute)}
	assert.True(t, live.IsOpen(now))

	stale := &OTPSession{Status: StatusSent, ExpiresAt: now.Add(-time.Minute)}
	assert.False(t, stale.IsOpen(now))

	done := &OTPSession{Status: StatusVerified, ExpiresAt: now.Add(time.Minute)}
	assert.False(t, done.IsOpen(now))
}

func TestIsExpired(t *testing.T) {
	now := time.Now().UTC()

	s := &OTPSession{Status: StatusSent, ExpiresAt: now.Add(-time.Minute)}
	assert.True(t, s.IsExpired(now))

	// Terminal sessions are never reported as freshly expired.
	s = &OTPSession{Status: StatusFailed, ExpiresAt: now.Add(-time.Minute)}
	assert.False(t, s.IsExpired(now))
}

func TestAttemptsRemaining(t *testing.T) {
	s := &OTPSession{Attempts: 1, MaxAttempts: 3}
	assert.Equal(t, 2, s.AttemptsRemaining())

	s.Attempts = 5
	assert.Equal(t, 0, s.AttemptsRemaining(), "never negative")
}
