package tracker

import (
	"context"
	"fmt"
	"time"

	"otp-service/internal/cache"
	"otp-service/internal/store"
)

type AttemptState struct {
	Attempts    int
	MaxAttempts int
}

// CacheTracker is the in-process tracker: cooldown deadlines and
// attempt state live in dedicated cache namespaces, with the executor
// as source of truth on a miss. Suitable for single-instance
// deployments; multi-instance setups use the Redis variant.
type CacheTracker struct {
	cooldowns *cache.Cache[string, time.Time]
	attempts  *cache.Cache[string, AttemptState]
	exec      *store.Executor
}

func NewCacheTracker(cooldowns *cache.Cache[string, time.Time], attempts *cache.Cache[string, AttemptState], exec *store.Executor) *CacheTracker {
	return &CacheTracker{
		cooldowns: cooldowns,
		attempts:  attempts,
		exec:      exec,
	}
}

func cooldownKey(canonicalPhone string) string {
	return "cooldown:" + canonicalPhone
}

func (t *CacheTracker) CooldownRemaining(ctx context.Context, canonicalPhone string) (time.Duration, error) {
	now := time.Now().UTC()

	if deadline, ok := t.cooldowns.Get(canonicalPhone); ok {
		if remaining := deadline.Sub(now); remaining > 0 {
			return remaining, nil
		}
		return 0, nil
	}

	// Cache miss: a restart may have dropped an active window, so the
	// durable rate_limits row is consulted before allowing the send.
	res, err := t.exec.Execute(ctx, store.OpGetRateLimit, store.Params{
		"key": cooldownKey(canonicalPhone),
	})
	if err != nil {
		return 0, fmt.Errorf("cooldown lookup failed: %w", err)
	}

	row := res.First()
	if row == nil {
		return 0, nil
	}

	deadline, _ := row["expires_at"].(time.Time)
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 0, nil
	}

	t.cooldowns.Set(canonicalPhone, deadline, remaining)
	return remaining, nil
}

func (t *CacheTracker) StartCooldown(ctx context.Context, canonicalPhone string, window time.Duration) error {
	deadline := time.Now().UTC().Add(window)
	t.cooldowns.Set(canonicalPhone, deadline, window)

	// Write through so the window survives a restart.
	_, err := t.exec.Execute(ctx, store.OpUpsertRateLimit, store.Params{
		"key":    cooldownKey(canonicalPhone),
		"window": window,
	})
	if err != nil {
		return fmt.Errorf("failed to persist cooldown window: %w", err)
	}
	return nil
}

func (t *CacheTracker) AttemptsExhausted(ctx context.Context, sessionID string) (bool, error) {
	if state, ok := t.attempts.Get(sessionID); ok {
		return state.Attempts >= state.MaxAttempts, nil
	}

	res, err := t.exec.Execute(ctx, store.OpGetSession, store.Params{
		"session_id": sessionID,
	})
	if err != nil {
		// An unknown session is not exhausted; the manager surfaces
		// the not-found on its own path.
		if store.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("attempt state lookup failed: %w", err)
	}

	row := res.First()
	if row == nil {
		return false, nil
	}

	state := AttemptState{
		Attempts:    asInt(row["attempts"]),
		MaxAttempts: asInt(row["max_attempts"]),
	}
	t.attempts.Set(sessionID, state, 0)

	return state.Attempts >= state.MaxAttempts, nil
}

func (t *CacheTracker) RecordAttempts(ctx context.Context, sessionID string, attempts, maxAttempts int) error {
	t.attempts.Set(sessionID, AttemptState{Attempts: attempts, MaxAttempts: maxAttempts}, 0)
	return nil
}

func (t *CacheTracker) ForgetSession(ctx context.Context, sessionID string) error {
	t.attempts.Delete(sessionID)
	return nil
}

func asInt(v interface{}) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	}
	return 0
}
