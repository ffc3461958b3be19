package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-service/internal/util"
)

// ErrPoolTimeout is returned when no handle becomes available within the
// configured connection timeout.
var ErrPoolTimeout = errors.New("pool: acquire timed out")

// ErrPoolClosed is returned for operations on a closed pool.
var ErrPoolClosed = errors.New("pool: closed")

// maxConsecutiveErrors is the retire policy: a handle that fails this
// many operations in a row is closed instead of returned to service.
const maxConsecutiveErrors = 3

// latencyWindow bounds the rolling acquire-latency sample.
const latencyWindow = 128

// Client is the backend handle managed by the pool.
type Client interface {
	Close() error
}

// Factory creates a new backend handle. Called lazily, at most
// maxConnections outstanding handles exist at any time.
type Factory func(ctx context.Context) (Client, error)

// PooledConn wraps one backend handle with bookkeeping state.
type PooledConn struct {
	ID        string
	Client    Client
	CreatedAt time.Time

	lastUsed  time.Time
	inUse     bool
	errCount  int
	destroyed bool
}

// Config mirrors the pool options from the deployment configuration.
type Config struct {
	MaxConnections int
	IdleTimeout    time.Duration
	ConnTimeout    time.Duration
}

// Pool is a bounded pool of reusable backend handles. Acquire blocks
// cooperatively when saturated; handles idle past IdleTimeout are closed
// by a background sweep.
type Pool struct {
	cfg     Config
	factory Factory

	mu      sync.Mutex
	idle    []*PooledConn
	created int
	closed  bool

	// slots is a counting semaphore: one token per allowed handle.
	slots chan struct{}

	totalCreated atomic.Int64
	totalErrors  atomic.Int64
	acquires     atomic.Int64
	timeouts     atomic.Int64

	latMu      sync.Mutex
	latencies  [latencyWindow]time.Duration
	latCount   int
	latNextIdx int

	stopOnce sync.Once
	stop     chan struct{}
}

// Stats is a read-only snapshot of pool counters.
type Stats struct {
	Active         int           `json:"active"`
	Idle           int           `json:"idle"`
	MaxConnections int           `json:"max_connections"`
	TotalCreated   int64         `json:"total_created"`
	TotalErrors    int64         `json:"total_errors"`
	Acquires       int64         `json:"acquires"`
	Timeouts       int64         `json:"timeouts"`
	AvgAcquireTime time.Duration `json:"avg_acquire_time"`
}

// New creates a pool. Handles are created lazily on first demand.
func New(cfg Config, factory Factory) *Pool {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10
	}

	p := &Pool{
		cfg:     cfg,
		factory: factory,
		slots:   make(chan struct{}, cfg.MaxConnections),
		stop:    make(chan struct{}),
	}
	for i := 0; i < cfg.MaxConnections; i++ {
		p.slots <- struct{}{}
	}

	if cfg.IdleTimeout > 0 {
		go p.idleSweep()
	}

	return p
}

// Acquire returns a handle, creating one lazily if under capacity and
// otherwise waiting for a release. Waiting is bounded by the pool's
// connection timeout or the caller's earlier context deadline.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	start := time.Now()

	if p.cfg.ConnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ConnTimeout)
		defer cancel()
	}

	select {
	case <-p.slots:
	case <-ctx.Done():
		p.timeouts.Add(1)
		return nil, fmt.Errorf("%w after %s", ErrPoolTimeout, time.Since(start))
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slots <- struct{}{}
		return nil, ErrPoolClosed
	}

	var pc *PooledConn
	if n := len(p.idle); n > 0 {
		pc = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if pc == nil {
		client, err := p.factory(ctx)
		if err != nil {
			p.slots <- struct{}{}
			return nil, fmt.Errorf("pool: failed to create connection: %w", err)
		}

		pc = &PooledConn{
			ID:        uuid.New().String(),
			Client:    client,
			CreatedAt: time.Now(),
		}

		p.mu.Lock()
		p.created++
		p.mu.Unlock()
		p.totalCreated.Add(1)

		util.Debug("Pool connection created", zap.String("conn_id", pc.ID))
	}

	pc.inUse = true
	pc.lastUsed = time.Now()
	p.acquires.Add(1)
	p.recordLatency(time.Since(start))

	return pc, nil
}

// Release returns a handle to the pool. opErr reports whether the
// operation performed on the handle failed; after maxConsecutiveErrors
// consecutive failures the handle is retired instead of reused. Release
// is idempotent per acquisition: a second call is a no-op.
func (p *Pool) Release(pc *PooledConn, opErr error) {
	if pc == nil {
		return
	}

	p.mu.Lock()
	if !pc.inUse || pc.destroyed {
		p.mu.Unlock()
		return
	}
	pc.inUse = false
	pc.lastUsed = time.Now()

	if opErr != nil {
		pc.errCount++
		p.totalErrors.Add(1)
	} else {
		pc.errCount = 0
	}

	errCount := pc.errCount
	retire := errCount >= maxConsecutiveErrors
	if retire || p.closed {
		p.destroyLocked(pc)
	} else {
		p.idle = append(p.idle, pc)
	}
	p.mu.Unlock()

	p.slots <- struct{}{}

	if retire {
		util.Warn("Pool connection retired after repeated errors",
			zap.String("conn_id", pc.ID),
			zap.Int("consecutive_errors", errCount))
	}
}

// WithConn acquires a handle, runs fn, and releases the handle on every
// exit path.
func (p *Pool) WithConn(ctx context.Context, fn func(Client) error) error {
	pc, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	opErr := fn(pc.Client)
	p.Release(pc, opErr)
	return opErr
}

// Stats returns a snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	active := p.created - idle
	p.mu.Unlock()

	return Stats{
		Active:         active,
		Idle:           idle,
		MaxConnections: p.cfg.MaxConnections,
		TotalCreated:   p.totalCreated.Load(),
		TotalErrors:    p.totalErrors.Load(),
		Acquires:       p.acquires.Load(),
		Timeouts:       p.timeouts.Load(),
		AvgAcquireTime: p.avgLatency(),
	}
}

// Close stops the sweep and closes all idle handles. In-use handles are
// closed as they are released.
func (p *Pool) Close() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})

	p.mu.Lock()
	p.closed = true
	for _, pc := range p.idle {
		p.destroyLocked(pc)
	}
	p.idle = nil
	p.mu.Unlock()

	util.Info("Connection pool closed")
}

// destroyLocked closes a handle and forgets it. Caller holds p.mu.
func (p *Pool) destroyLocked(pc *PooledConn) {
	if pc.destroyed {
		return
	}
	pc.destroyed = true
	p.created--
	if err := pc.Client.Close(); err != nil {
		util.Error("Failed to close pool connection",
			zap.String("conn_id", pc.ID),
			zap.Error(err))
	}
}

func (p *Pool) idleSweep() {
	ticker := time.NewTicker(p.cfg.IdleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweepIdle()
		case <-p.stop:
			return
		}
	}
}

// sweepIdle retires handles unused for longer than IdleTimeout. Only the
// idle list is inspected, so in-use handles are never touched.
func (p *Pool) sweepIdle() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	kept := p.idle[:0]
	removed := 0
	for _, pc := range p.idle {
		if pc.lastUsed.Before(cutoff) {
			p.destroyLocked(pc)
			removed++
		} else {
			kept = append(kept, pc)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	if removed > 0 {
		util.Debug("Pool idle sweep closed connections", zap.Int("closed", removed))
	}
}

func (p *Pool) recordLatency(d time.Duration) {
	p.latMu.Lock()
	p.latencies[p.latNextIdx] = d
	p.latNextIdx = (p.latNextIdx + 1) % latencyWindow
	if p.latCount < latencyWindow {
		p.latCount++
	}
	p.latMu.Unlock()
}

func (p *Pool) avgLatency() time.Duration {
	p.latMu.Lock()
	defer p.latMu.Unlock()

	if p.latCount == 0 {
		return 0
	}
	var sum time.Duration
	for i := 0; i < p.latCount; i++ {
		sum += p.latencies[i]
	}
	return sum / time.Duration(p.latCount)
}
