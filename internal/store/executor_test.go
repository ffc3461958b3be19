package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/cache"
	"otp-service/internal/pool"
)

// countingConn wraps a Conn and counts trips that reach the backend.
type countingConn struct {
	Conn
	calls *atomic.Int64
}

func (c *countingConn) Execute(ctx context.Context, op string, params Params) (*Result, error) {
	c.calls.Add(1)
	return c.Conn.Execute(ctx, op, params)
}

// flakyConn fails the first n calls with a transient error.
type flakyConn struct {
	Conn
	failures *atomic.Int64
}

func (c *flakyConn) Execute(ctx context.Context, op string, params Params) (*Result, error) {
	if c.failures.Add(-1) >= 0 {
		return nil, Transient(errors.New("connection reset"))
	}
	return c.Conn.Execute(ctx, op, params)
}

func newTestExecutor(t *testing.T, wrap func(Conn) Conn) (*Executor, *MemoryStore, *atomic.Int64) {
	t.Helper()

	mem := NewMemoryStore()
	var calls atomic.Int64

	factory := func(ctx context.Context) (pool.Client, error) {
		client, err := mem.Factory()(ctx)
		if err != nil {
			return nil, err
		}
		conn := Conn(&countingConn{Conn: client.(Conn), calls: &calls})
		if wrap != nil {
			conn = wrap(conn)
		}
		return conn, nil
	}

	p := pool.New(pool.Config{MaxConnections: 4, ConnTimeout: time.Second}, factory)
	t.Cleanup(p.Close)

	queryCache := cache.New[string, *Result]("query_results", 100, time.Minute, 0)
	t.Cleanup(queryCache.Close)

	exec := NewExecutor(ExecutorConfig{
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
	}, p, queryCache, nil)

	return exec, mem, &calls
}

func insertVerified(t *testing.T, exec *Executor, phone string) {
	t.Helper()
	_, err := exec.Execute(context.Background(), OpInsertVerifiedPhone, Params{
		"canonical_phone": phone,
		"method":          "sms_otp",
		"session_id":      "s1",
		"created_at":      time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestCacheableReadServedFromCache(t *testing.T) {
	exec, _, calls := newTestExecutor(t, nil)
	ctx := context.Background()

	insertVerified(t, exec, "66812345678")
	before := calls.Load()

	params := Params{"canonical_phone": "66812345678"}
	res, err := exec.Execute(ctx, OpGetVerifiedPhone, params)
	require.NoError(t, err)
	require.NotNil(t, res.First())
	assert.Equal(t, before+1, calls.Load())

	// Second identical read never touches the backend.
	res, err = exec.Execute(ctx, OpGetVerifiedPhone, params)
	require.NoError(t, err)
	require.NotNil(t, res.First())
	assert.Equal(t, before+1, calls.Load())

	stats := exec.Stats()
	assert.Equal(t, int64(1), stats.Cache.Hits)
}

func TestWriteInvalidatesCachedRead(t *testing.T) {
	exec, _, _ := newTestExecutor(t, nil)
	ctx := context.Background()

	insertVerified(t, exec, "66812345678")
	params := Params{"canonical_phone": "66812345678"}

	res, err := exec.Execute(ctx, OpGetVerifiedPhone, params)
	require.NoError(t, err)
	require.NotNil(t, res.First())

	_, err = exec.Execute(ctx, OpRevokeVerifiedPhone, params)
	require.NoError(t, err)

	res, err = exec.Execute(ctx, OpGetVerifiedPhone, params)
	require.NoError(t, err)
	assert.Nil(t, res.First(), "revoke evicted the cached record")
}

func TestUncachedReadAlwaysHitsBackend(t *testing.T) {
	exec, _, calls := newTestExecutor(t, nil)
	ctx := context.Background()

	createTestSessionThrough(t, exec, "s1", "66812345678")
	before := calls.Load()

	for i := 0; i < 3; i++ {
		_, err := exec.Execute(ctx, OpGetSession, Params{"session_id": "s1"})
		require.NoError(t, err)
	}
	assert.Equal(t, before+3, calls.Load(), "session reads bypass the query cache")
}

func TestRetryOnTransientFailure(t *testing.T) {
	var failures atomic.Int64
	failures.Store(2)

	exec, _, _ := newTestExecutor(t, func(c Conn) Conn {
		return &flakyConn{Conn: c, failures: &failures}
	})

	createTestSessionThrough(t, exec, "s1", "66812345678")

	res, err := exec.Execute(context.Background(), OpGetSession, Params{"session_id": "s1"})
	require.NoError(t, err, "transient failures retried until success")
	assert.Equal(t, "s1", res.First()["session_id"])
}

func TestRetriesExhausted(t *testing.T) {
	var failures atomic.Int64
	failures.Store(100)

	exec, _, _ := newTestExecutor(t, func(c Conn) Conn {
		return &flakyConn{Conn: c, failures: &failures}
	})

	_, err := exec.Execute(context.Background(), OpGetSession, Params{"session_id": "s1"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestSemanticErrorNotRetried(t *testing.T) {
	exec, _, calls := newTestExecutor(t, nil)

	before := calls.Load()
	_, err := exec.Execute(context.Background(), OpGetSession, Params{"session_id": "absent"})
	assert.True(t, IsNotFound(err))
	assert.Equal(t, before+1, calls.Load(), "not-found is final, never retried")
}

func TestUnknownOperationRejected(t *testing.T) {
	exec, _, _ := newTestExecutor(t, nil)

	_, err := exec.Execute(context.Background(), "bogus.op", Params{})
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestInvalidateDropsEntry(t *testing.T) {
	exec, mem, _ := newTestExecutor(t, nil)
	ctx := context.Background()

	insertVerified(t, exec, "66812345678")
	params := Params{"canonical_phone": "66812345678"}

	_, err := exec.Execute(ctx, OpGetVerifiedPhone, params)
	require.NoError(t, err)

	// Mutate behind the cache's back, then invalidate explicitly.
	conn, _ := mem.Factory()(ctx)
	_, err = conn.(Conn).Execute(ctx, OpRevokeVerifiedPhone, params)
	require.NoError(t, err)
	exec.Invalidate(OpGetVerifiedPhone, params)

	res, err := exec.Execute(ctx, OpGetVerifiedPhone, params)
	require.NoError(t, err)
	assert.Nil(t, res.First())
}

func TestProfilerRecordsCalls(t *testing.T) {
	exec, _, _ := newTestExecutor(t, nil)
	ctx := context.Background()

	insertVerified(t, exec, "66812345678")
	params := Params{"canonical_phone": "66812345678"}

	_, err := exec.Execute(ctx, OpGetVerifiedPhone, params)
	require.NoError(t, err)
	_, err = exec.Execute(ctx, OpGetVerifiedPhone, params)
	require.NoError(t, err)

	stats := exec.Profiler().Stats()
	assert.Equal(t, int64(3), stats.Recorded)
	assert.Greater(t, stats.CacheHitRate, 0.0)

	recent := exec.Profiler().Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, OpGetVerifiedPhone, recent[0].Operation)
	assert.True(t, recent[0].CacheHit, "newest profile is the cache hit")
}

func TestCacheKeyDeterminism(t *testing.T) {
	spec, ok := LookupOp(OpGetVerifiedPhone)
	require.True(t, ok)

	a := cacheKey(spec, Params{"canonical_phone": "66812345678", "extra": "x"})
	b := cacheKey(spec, Params{"extra": "x", "canonical_phone": "66812345678"})
	assert.Equal(t, a, b, "param order never changes the key")

	c := cacheKey(spec, Params{"canonical_phone": "66800000000"})
	assert.NotEqual(t, a, c)
}

func createTestSessionThrough(t *testing.T, exec *Executor, id, phone string) {
	t.Helper()
	now := time.Now().UTC()
	_, err := exec.Execute(context.Background(), OpCreateSession, Params{
		"session_id":      id,
		"phone_number":    "0812345678",
		"canonical_phone": phone,
		"attempts":        0,
		"max_attempts":    3,
		"status":          "pending",
		"created_at":      now,
		"expires_at":      now.Add(time.Minute),
	})
	require.NoError(t, err)
}
