package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/util"
)

// profileCapacity bounds the rolling profile history.
const profileCapacity = 1000

// QueryProfile records one executed operation.
type QueryProfile struct {
	Operation string        `json:"operation"`
	Duration  time.Duration `json:"duration"`
	CacheHit  bool          `json:"cache_hit"`
	Rows      int           `json:"rows"`
	Slow      bool          `json:"slow"`
	Failed    bool          `json:"failed"`
	Timestamp time.Time     `json:"timestamp"`
}

// ProfileSink receives batches of profiles for offline analysis. A sink
// failure is logged and never propagated.
type ProfileSink interface {
	WriteProfiles(ctx context.Context, profiles []QueryProfile) error
}

// Profiler keeps a bounded rolling history of operation profiles plus
// per-operation aggregates.
type Profiler struct {
	slowThreshold time.Duration

	mu      sync.Mutex
	ring    [profileCapacity]QueryProfile
	next    int
	count   int
	byOp    map[string]*opAggregate
	pending []QueryProfile

	sink ProfileSink
}

type opAggregate struct {
	Count     int64
	Failures  int64
	CacheHits int64
	SlowCount int64
	TotalTime time.Duration
}

// OpStats is the per-operation aggregate view.
type OpStats struct {
	Operation    string        `json:"operation"`
	Count        int64         `json:"count"`
	Failures     int64         `json:"failures"`
	CacheHitRate float64       `json:"cache_hit_rate"`
	SlowRate     float64       `json:"slow_rate"`
	AvgTime      time.Duration `json:"avg_time"`
}

// ProfilerStats is the aggregate view across all operations.
type ProfilerStats struct {
	Recorded     int64         `json:"recorded"`
	AvgTime      time.Duration `json:"avg_time"`
	CacheHitRate float64       `json:"cache_hit_rate"`
	SlowRate     float64       `json:"slow_rate"`
	Operations   []OpStats     `json:"operations"`
}

// NewProfiler creates a profiler. sink may be nil.
func NewProfiler(slowThreshold time.Duration, sink ProfileSink) *Profiler {
	if slowThreshold <= 0 {
		slowThreshold = 200 * time.Millisecond
	}
	return &Profiler{
		slowThreshold: slowThreshold,
		byOp:          make(map[string]*opAggregate),
		sink:          sink,
	}
}

// Record adds one profile to the rolling history.
func (p *Profiler) Record(op string, duration time.Duration, cacheHit, failed bool, rows int) {
	profile := QueryProfile{
		Operation: op,
		Duration:  duration,
		CacheHit:  cacheHit,
		Rows:      rows,
		Slow:      duration >= p.slowThreshold,
		Failed:    failed,
		Timestamp: time.Now().UTC(),
	}

	if profile.Slow {
		util.Warn("Slow query detected",
			zap.String("operation", op),
			zap.Duration("duration", duration),
			zap.Bool("cache_hit", cacheHit))
	}

	p.mu.Lock()
	p.ring[p.next] = profile
	p.next = (p.next + 1) % profileCapacity
	if p.count < profileCapacity {
		p.count++
	}

	agg := p.byOp[op]
	if agg == nil {
		agg = &opAggregate{}
		p.byOp[op] = agg
	}
	agg.Count++
	agg.TotalTime += duration
	if cacheHit {
		agg.CacheHits++
	}
	if profile.Slow {
		agg.SlowCount++
	}
	if failed {
		agg.Failures++
	}

	if p.sink != nil {
		p.pending = append(p.pending, profile)
	}
	p.mu.Unlock()
}

// Recent returns up to n most recent profiles, newest first.
func (p *Profiler) Recent(n int) []QueryProfile {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n <= 0 || n > p.count {
		n = p.count
	}
	out := make([]QueryProfile, 0, n)
	for i := 0; i < n; i++ {
		idx := (p.next - 1 - i + profileCapacity*2) % profileCapacity
		out = append(out, p.ring[idx])
	}
	return out
}

// Stats returns the aggregate profiler view, operations sorted by call
// count descending.
func (p *Profiler) Stats() ProfilerStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		total     int64
		hits      int64
		slow      int64
		totalTime time.Duration
	)
	ops := make([]OpStats, 0, len(p.byOp))
	for name, agg := range p.byOp {
		total += agg.Count
		hits += agg.CacheHits
		slow += agg.SlowCount
		totalTime += agg.TotalTime

		ops = append(ops, OpStats{
			Operation:    name,
			Count:        agg.Count,
			Failures:     agg.Failures,
			CacheHitRate: rate(agg.CacheHits, agg.Count),
			SlowRate:     rate(agg.SlowCount, agg.Count),
			AvgTime:      avg(agg.TotalTime, agg.Count),
		})
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Count > ops[j].Count })

	return ProfilerStats{
		Recorded:     total,
		AvgTime:      avg(totalTime, total),
		CacheHitRate: rate(hits, total),
		SlowRate:     rate(slow, total),
		Operations:   ops,
	}
}

// Suggestions derives optimization hints from operations that are both
// slow and frequent.
func (p *Profiler) Suggestions() []string {
	stats := p.Stats()

	var out []string
	for _, op := range stats.Operations {
		if op.Count < 10 {
			continue
		}
		switch {
		case op.SlowRate >= 0.5:
			out = append(out, "operation "+op.Operation+" is slow on most calls; review its query plan or add an index on its key columns")
		case op.SlowRate >= 0.1 && op.CacheHitRate < 0.5:
			out = append(out, "operation "+op.Operation+" is frequently slow with a low cache-hit rate; consider caching or a covering index")
		}
	}
	return out
}

// Flush sends pending profiles to the sink, if any. Safe to call from a
// ticker; errors are logged only.
func (p *Profiler) Flush(ctx context.Context) {
	if p.sink == nil {
		return
	}

	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	if err := p.sink.WriteProfiles(ctx, batch); err != nil {
		util.Warn("Failed to flush query profiles to sink",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
	}
}

func rate(part, whole int64) float64 {
	if whole == 0 {
		return 0
	}
	return float64(part) / float64(whole)
}

func avg(total time.Duration, count int64) time.Duration {
	if count == 0 {
		return 0
	}
	return total / time.Duration(count)
}
