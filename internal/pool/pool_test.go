package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	closed atomic.Bool
}

func (c *fakeClient) Close() error {
	c.closed.Store(true)
	return nil
}

func countingFactory(created *atomic.Int64) Factory {
	return func(ctx context.Context) (Client, error) {
		created.Add(1)
		return &fakeClient{}, nil
	}
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	var created atomic.Int64
	p := New(Config{MaxConnections: 2, ConnTimeout: time.Second}, countingFactory(&created))
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	require.NotNil(t, pc.Client)

	p.Release(pc, nil)

	// The released handle is reused, not recreated.
	pc2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pc.ID, pc2.ID)
	assert.Equal(t, int64(1), created.Load())
	p.Release(pc2, nil)
}

func TestLazyCreationUpToMax(t *testing.T) {
	var created atomic.Int64
	p := New(Config{MaxConnections: 3, ConnTimeout: time.Second}, countingFactory(&created))
	defer p.Close()

	assert.Equal(t, int64(0), created.Load(), "no handles before first demand")

	conns := make([]*PooledConn, 3)
	for i := range conns {
		pc, err := p.Acquire(context.Background())
		require.NoError(t, err)
		conns[i] = pc
	}
	assert.Equal(t, int64(3), created.Load())

	for _, pc := range conns {
		p.Release(pc, nil)
	}
}

func TestAcquireTimesOutWhenSaturated(t *testing.T) {
	var created atomic.Int64
	p := New(Config{MaxConnections: 1, ConnTimeout: 50 * time.Millisecond}, countingFactory(&created))
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(1), p.Stats().Timeouts)

	p.Release(pc, nil)
}

func TestNeverExceedsMaxUnderContention(t *testing.T) {
	const maxConns = 4
	const workers = 20

	var created atomic.Int64
	var inUse atomic.Int64
	var peak atomic.Int64

	p := New(Config{MaxConnections: maxConns, ConnTimeout: 2 * time.Second}, countingFactory(&created))
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pc, err := p.Acquire(context.Background())
			if err != nil {
				return
			}
			cur := inUse.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inUse.Add(-1)
			p.Release(pc, nil)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(maxConns), "in-use handles never exceed capacity")
	assert.LessOrEqual(t, created.Load(), int64(maxConns))
}

func TestReleaseIsIdempotent(t *testing.T) {
	var created atomic.Int64
	p := New(Config{MaxConnections: 1, ConnTimeout: time.Second}, countingFactory(&created))
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(pc, nil)
	p.Release(pc, nil)

	// A double release must not mint an extra capacity token.
	pc2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolTimeout)

	p.Release(pc2, nil)
}

func TestRetireAfterConsecutiveErrors(t *testing.T) {
	var created atomic.Int64
	p := New(Config{MaxConnections: 1, ConnTimeout: time.Second}, countingFactory(&created))
	defer p.Close()

	opErr := errors.New("backend failure")

	var lastID string
	for i := 0; i < maxConsecutiveErrors; i++ {
		pc, err := p.Acquire(context.Background())
		require.NoError(t, err)
		lastID = pc.ID
		p.Release(pc, opErr)
	}

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, lastID, pc.ID, "handle retired after repeated errors")
	assert.Equal(t, int64(2), created.Load())
	assert.Equal(t, int64(maxConsecutiveErrors), p.Stats().TotalErrors)
	p.Release(pc, nil)
}

func TestSuccessResetsErrorCount(t *testing.T) {
	var created atomic.Int64
	p := New(Config{MaxConnections: 1, ConnTimeout: time.Second}, countingFactory(&created))
	defer p.Close()

	opErr := errors.New("backend failure")

	for i := 0; i < 5; i++ {
		pc, err := p.Acquire(context.Background())
		require.NoError(t, err)
		if i%2 == 0 {
			p.Release(pc, opErr)
		} else {
			p.Release(pc, nil)
		}
	}

	assert.Equal(t, int64(1), created.Load(), "alternating errors never hit the retire threshold")
}

func TestWithConnReleasesOnError(t *testing.T) {
	var created atomic.Int64
	p := New(Config{MaxConnections: 1, ConnTimeout: 100 * time.Millisecond}, countingFactory(&created))
	defer p.Close()

	opErr := errors.New("fn failure")
	err := p.WithConn(context.Background(), func(Client) error { return opErr })
	require.ErrorIs(t, err, opErr)

	// The handle must be back; a leak would time this out.
	err = p.WithConn(context.Background(), func(Client) error { return nil })
	require.NoError(t, err)
}

func TestIdleSweepClosesStaleHandles(t *testing.T) {
	var created atomic.Int64
	p := New(Config{
		MaxConnections: 2,
		ConnTimeout:    time.Second,
		IdleTimeout:    30 * time.Millisecond,
	}, countingFactory(&created))
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)
	client := pc.Client.(*fakeClient)
	p.Release(pc, nil)

	assert.Eventually(t, func() bool {
		return client.closed.Load()
	}, time.Second, 10*time.Millisecond, "idle handle closed by sweep")
}

func TestIdleSweepSkipsInUse(t *testing.T) {
	var created atomic.Int64
	p := New(Config{
		MaxConnections: 1,
		ConnTimeout:    time.Second,
		IdleTimeout:    20 * time.Millisecond,
	}, countingFactory(&created))
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	assert.False(t, pc.Client.(*fakeClient).closed.Load(), "in-use handle untouched by sweep")
	p.Release(pc, nil)
}

func TestAcquireAfterClose(t *testing.T) {
	var created atomic.Int64
	p := New(Config{MaxConnections: 1, ConnTimeout: time.Second}, countingFactory(&created))
	p.Close()

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestStats(t *testing.T) {
	var created atomic.Int64
	p := New(Config{MaxConnections: 2, ConnTimeout: time.Second}, countingFactory(&created))
	defer p.Close()

	pc, err := p.Acquire(context.Background())
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, int64(1), stats.TotalCreated)
	assert.Equal(t, int64(1), stats.Acquires)

	p.Release(pc, nil)
	stats = p.Stats()
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 1, stats.Idle)
}
