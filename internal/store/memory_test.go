package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/models"
)

func newMemoryConn(t *testing.T) Conn {
	t.Helper()
	client, err := NewMemoryStore().Factory()(context.Background())
	require.NoError(t, err)
	return client.(Conn)
}

func createTestSession(t *testing.T, conn Conn, id, phone string, expiresIn time.Duration) {
	t.Helper()
	now := time.Now().UTC()
	_, err := conn.Execute(context.Background(), OpCreateSession, Params{
		"session_id":      id,
		"phone_number":    "0812345678",
		"canonical_phone": phone,
		"attempts":        0,
		"max_attempts":    3,
		"status":          string(models.StatusPending),
		"created_at":      now,
		"expires_at":      now.Add(expiresIn),
	})
	require.NoError(t, err)
}

func TestCreateSessionConflict(t *testing.T) {
	conn := newMemoryConn(t)
	createTestSession(t, conn, "s1", "66812345678", time.Minute)

	_, err := conn.Execute(context.Background(), OpCreateSession, Params{
		"session_id": "s1",
	})
	assert.True(t, IsConflict(err))
}

func TestGetSessionNotFound(t *testing.T) {
	conn := newMemoryConn(t)

	_, err := conn.Execute(context.Background(), OpGetSession, Params{"session_id": "absent"})
	assert.True(t, IsNotFound(err))
}

func TestGetOpenSessionByPhone(t *testing.T) {
	conn := newMemoryConn(t)
	createTestSession(t, conn, "s1", "66812345678", time.Minute)

	res, err := conn.Execute(context.Background(), OpGetOpenSessionByPhone, Params{
		"canonical_phone": "66812345678",
	})
	require.NoError(t, err)
	require.NotNil(t, res.First())
	assert.Equal(t, "s1", res.First()["session_id"])

	// A different phone yields empty rows, not an error.
	res, err = conn.Execute(context.Background(), OpGetOpenSessionByPhone, Params{
		"canonical_phone": "66800000000",
	})
	require.NoError(t, err)
	assert.Nil(t, res.First())
}

func TestGetOpenSessionIgnoresExpired(t *testing.T) {
	conn := newMemoryConn(t)
	createTestSession(t, conn, "s1", "66812345678", -time.Minute)

	res, err := conn.Execute(context.Background(), OpGetOpenSessionByPhone, Params{
		"canonical_phone": "66812345678",
	})
	require.NoError(t, err)
	assert.Nil(t, res.First(), "expired session is not open")
}

func TestIncrementAttemptsCapsAtMax(t *testing.T) {
	conn := newMemoryConn(t)
	createTestSession(t, conn, "s1", "66812345678", time.Minute)

	for want := 1; want <= 3; want++ {
		res, err := conn.Execute(context.Background(), OpIncrementAttempts, Params{"session_id": "s1"})
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, want, res.First()["attempts"])
	}

	// At the ceiling the increment is refused but current state returned.
	res, err := conn.Execute(context.Background(), OpIncrementAttempts, Params{"session_id": "s1"})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, 3, res.First()["attempts"])
}

func TestIncrementAttemptsConcurrent(t *testing.T) {
	store := NewMemoryStore()
	createViaStore := func() {
		client, _ := store.Factory()(context.Background())
		createTestSession(t, client.(Conn), "s1", "66812345678", time.Minute)
	}
	createViaStore()

	const callers = 10
	applied := make([]bool, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client, _ := store.Factory()(context.Background())
			res, err := client.(Conn).Execute(context.Background(), OpIncrementAttempts, Params{"session_id": "s1"})
			if assert.NoError(t, err) {
				applied[i] = res.Applied
			}
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, ok := range applied {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 3, wins, "exactly max_attempts increments applied under contention")
}

func TestExpireSessions(t *testing.T) {
	conn := newMemoryConn(t)
	ctx := context.Background()

	createTestSession(t, conn, "open", "66811111111", time.Minute)
	createTestSession(t, conn, "stale", "66822222222", -time.Minute)
	createTestSession(t, conn, "dead", "66833333333", -time.Minute)
	_, err := conn.Execute(ctx, OpUpdateSessionStatus, Params{
		"session_id": "dead", "status": string(models.StatusFailed),
	})
	require.NoError(t, err)

	res, err := conn.Execute(ctx, OpExpireSessions, Params{"now": time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RowsAffected)

	res, err = conn.Execute(ctx, OpGetSession, Params{"session_id": "stale"})
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusExpired), res.First()["status"])

	_, err = conn.Execute(ctx, OpGetSession, Params{"session_id": "dead"})
	assert.True(t, IsNotFound(err), "failed sessions removed by the sweep")

	res, err = conn.Execute(ctx, OpGetSession, Params{"session_id": "open"})
	require.NoError(t, err)
	assert.Equal(t, string(models.StatusPending), res.First()["status"])
}

func TestVerifiedPhoneLifecycle(t *testing.T) {
	conn := newMemoryConn(t)
	ctx := context.Background()
	now := time.Now().UTC()

	res, err := conn.Execute(ctx, OpGetVerifiedPhone, Params{"canonical_phone": "66812345678"})
	require.NoError(t, err)
	assert.Nil(t, res.First())

	_, err = conn.Execute(ctx, OpInsertVerifiedPhone, Params{
		"canonical_phone": "66812345678",
		"method":          "sms_otp",
		"session_id":      "s1",
		"created_at":      now,
	})
	require.NoError(t, err)

	res, err = conn.Execute(ctx, OpGetVerifiedPhone, Params{"canonical_phone": "66812345678"})
	require.NoError(t, err)
	require.NotNil(t, res.First())

	// Second active record for the same phone is a conflict.
	_, err = conn.Execute(ctx, OpInsertVerifiedPhone, Params{
		"canonical_phone": "66812345678",
		"method":          "sms_otp",
		"session_id":      "s2",
		"created_at":      now,
	})
	assert.True(t, IsConflict(err))

	_, err = conn.Execute(ctx, OpRevokeVerifiedPhone, Params{"canonical_phone": "66812345678"})
	require.NoError(t, err)

	res, err = conn.Execute(ctx, OpGetVerifiedPhone, Params{"canonical_phone": "66812345678"})
	require.NoError(t, err)
	assert.Nil(t, res.First(), "revoked record is not active")
}

func TestRateLimitWindow(t *testing.T) {
	conn := newMemoryConn(t)
	ctx := context.Background()

	res, err := conn.Execute(ctx, OpUpsertRateLimit, Params{
		"key":    "cooldown:66812345678",
		"window": 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.First()["count"])

	res, err = conn.Execute(ctx, OpUpsertRateLimit, Params{
		"key":    "cooldown:66812345678",
		"window": 100 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.First()["count"], "same window increments")

	time.Sleep(120 * time.Millisecond)

	res, err = conn.Execute(ctx, OpGetRateLimit, Params{"key": "cooldown:66812345678"})
	require.NoError(t, err)
	assert.Nil(t, res.First(), "expired window reads as absent")

	res, err = conn.Execute(ctx, OpUpsertRateLimit, Params{
		"key":    "cooldown:66812345678",
		"window": time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.First()["count"], "expired window resets the counter")
}

func TestUnknownOperation(t *testing.T) {
	conn := newMemoryConn(t)

	_, err := conn.Execute(context.Background(), "nonsense.op", Params{})
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestContextCancellationIsTransient(t *testing.T) {
	conn := newMemoryConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := conn.Execute(ctx, OpGetSession, Params{"session_id": "s1"})
	assert.True(t, IsTransient(err))
}
