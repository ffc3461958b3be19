package tracker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"otp-service/internal/client"
)

const (
	redisCooldownPrefix = "otp:cooldown:"
	redisAttemptsPrefix = "otp:attempts:"

	// Attempt state outlives the session TTL slightly so a late verify
	// still sees the ceiling.
	attemptStateTTL = 10 * time.Minute
)

// RedisTracker is the distributed tracker for multi-instance
// deployments. Cooldown windows are SetNX keys whose TTL is the
// remaining window; attempt state is a plain key carrying
// "attempts/max".
type RedisTracker struct {
	redis *client.RedisClient
}

func NewRedisTracker(redis *client.RedisClient) *RedisTracker {
	return &RedisTracker{redis: redis}
}

func (t *RedisTracker) CooldownRemaining(ctx context.Context, canonicalPhone string) (time.Duration, error) {
	ttl, err := t.redis.TTL(ctx, redisCooldownPrefix+canonicalPhone)
	if err != nil {
		return 0, fmt.Errorf("cooldown ttl lookup failed: %w", err)
	}
	if ttl <= 0 {
		return 0, nil
	}
	return ttl, nil
}

func (t *RedisTracker) StartCooldown(ctx context.Context, canonicalPhone string, window time.Duration) error {
	// SetNX keeps the earliest window; two racing sends cannot shorten
	// an already running cooldown.
	_, err := t.redis.SetNX(ctx, redisCooldownPrefix+canonicalPhone, time.Now().UTC().Unix(), window)
	if err != nil {
		return fmt.Errorf("failed to start cooldown window: %w", err)
	}
	return nil
}

func (t *RedisTracker) AttemptsExhausted(ctx context.Context, sessionID string) (bool, error) {
	val, err := t.redis.Get(ctx, redisAttemptsPrefix+sessionID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("attempt state lookup failed: %w", err)
	}

	attempts, max, ok := parseAttemptState(val)
	if !ok {
		return false, nil
	}
	return attempts >= max, nil
}

func (t *RedisTracker) RecordAttempts(ctx context.Context, sessionID string, attempts, maxAttempts int) error {
	state := strconv.Itoa(attempts) + "/" + strconv.Itoa(maxAttempts)
	if err := t.redis.Set(ctx, redisAttemptsPrefix+sessionID, state, attemptStateTTL); err != nil {
		return fmt.Errorf("failed to record attempt state: %w", err)
	}
	return nil
}

func (t *RedisTracker) ForgetSession(ctx context.Context, sessionID string) error {
	if err := t.redis.Del(ctx, redisAttemptsPrefix+sessionID); err != nil {
		return fmt.Errorf("failed to drop attempt state: %w", err)
	}
	return nil
}

func parseAttemptState(val string) (attempts, max int, ok bool) {
	parts := strings.SplitN(val, "/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	attempts, err1 := strconv.Atoi(parts[0])
	max, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return attempts, max, true
}
