package store

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"otp-service/internal/cache"
	"otp-service/internal/pool"
	"otp-service/internal/util"
)

// ExecutorConfig tunes retry and profiling behavior.
type ExecutorConfig struct {
	// MaxRetries bounds retries of transient failures; the first attempt
	// is not counted. Default 2.
	MaxRetries int
	// BaseBackoff is the delay before the first retry; it doubles on
	// each subsequent attempt. Default 100ms.
	BaseBackoff time.Duration
	// SlowThreshold flags calls slower than this. Default 200ms.
	SlowThreshold time.Duration
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.SlowThreshold <= 0 {
		c.SlowThreshold = 200 * time.Millisecond
	}
	return c
}

// Executor runs named operations through the connection pool, with a
// query-result cache for cacheable reads, retry-with-backoff for
// transient failures, and per-call profiling.
type Executor struct {
	cfg      ExecutorConfig
	pool     *pool.Pool
	cache    *cache.Cache[string, *Result]
	group    singleflight.Group
	profiler *Profiler
}

// NewExecutor wires the executor to its pool and its dedicated query
// cache namespace. sink may be nil.
func NewExecutor(cfg ExecutorConfig, p *pool.Pool, queryCache *cache.Cache[string, *Result], sink ProfileSink) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		cfg:      cfg,
		pool:     p,
		cache:    queryCache,
		profiler: NewProfiler(cfg.SlowThreshold, sink),
	}
}

// Execute runs a named operation. Cacheable reads consult the query
// cache first and never touch the pool on a hit; writes go straight
// through and evict whatever their spec invalidates.
func (e *Executor) Execute(ctx context.Context, op string, params Params) (*Result, error) {
	spec, ok := LookupOp(op)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, op)
	}

	start := time.Now()

	if spec.Kind == OpRead && spec.Cacheable {
		key := cacheKey(spec, params)
		if res, hit := e.cache.Get(key); hit {
			e.profiler.Record(op, time.Since(start), true, false, len(res.Rows))
			return res, nil
		}

		// Collapse concurrent identical reads into one storage trip.
		v, err, _ := e.group.Do(key, func() (interface{}, error) {
			res, err := e.executeThrough(ctx, spec, params)
			if err != nil {
				return nil, err
			}
			e.cache.Set(key, res, spec.TTL)
			return res, nil
		})

		e.recordOutcome(op, start, err, v)
		if err != nil {
			return nil, err
		}
		return v.(*Result), nil
	}

	res, err := e.executeThrough(ctx, spec, params)
	e.recordOutcome(op, start, err, res)
	if err != nil {
		return nil, err
	}

	for _, invalidated := range spec.Invalidates {
		target, ok := LookupOp(invalidated)
		if !ok {
			continue
		}
		e.cache.Delete(cacheKey(target, params))
	}

	return res, nil
}

// Invalidate evicts the cached entry of a read operation for the given
// params. Used when a caller mutates state outside the registry's
// declared invalidations.
func (e *Executor) Invalidate(op string, params Params) {
	spec, ok := LookupOp(op)
	if !ok || !spec.Cacheable {
		return
	}
	e.cache.Delete(cacheKey(spec, params))
}

// executeThrough acquires a pooled connection, runs the operation, and
// retries transient failures with doubling backoff. The connection is
// released on every path; its per-attempt error feeds the pool's retire
// policy.
func (e *Executor) executeThrough(ctx context.Context, spec OpSpec, params Params) (*Result, error) {
	backoff := e.cfg.BaseBackoff

	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			util.Debug("Retrying operation after transient failure",
				zap.String("operation", spec.Name),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(lastErr))

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, Transient(ctx.Err())
			}
			backoff *= 2
		}

		pc, err := e.pool.Acquire(ctx)
		if err != nil {
			// Pool saturation is surfaced as-is, not retried here; the
			// acquire already waited its full timeout.
			return nil, err
		}

		res, err := pc.Client.(Conn).Execute(ctx, spec.Name, params)
		e.pool.Release(pc, err)

		if err == nil {
			return res, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("store: operation %s failed after %d retries: %w",
		spec.Name, e.cfg.MaxRetries, lastErr)
}

func (e *Executor) recordOutcome(op string, start time.Time, err error, res interface{}) {
	rows := 0
	if r, ok := res.(*Result); ok && r != nil {
		rows = len(r.Rows)
		if rows == 0 {
			rows = r.RowsAffected
		}
	}
	e.profiler.Record(op, time.Since(start), false, err != nil, rows)
}

// Profiler exposes the rolling profile history and aggregates.
func (e *Executor) Profiler() *Profiler {
	return e.profiler
}

// Stats bundles executor, cache, and pool views for observability.
type ExecutorStats struct {
	Profiler ProfilerStats `json:"profiler"`
	Cache    cache.Stats   `json:"query_cache"`
	Pool     pool.Stats    `json:"pool"`
}

func (e *Executor) Stats() ExecutorStats {
	return ExecutorStats{
		Profiler: e.profiler.Stats(),
		Cache:    e.cache.Stats(),
		Pool:     e.pool.Stats(),
	}
}
