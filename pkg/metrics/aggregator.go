package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuckets are the histogram bounds in seconds.
var DefaultBuckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// DefaultMaxRecords bounds the recent-execution ring.
const DefaultMaxRecords = 1000

// Histogram is a lock-free bucketed histogram. Bucket counts, sum and
// total are atomics; percentiles are estimated from bucket boundaries.
type Histogram struct {
	bounds  []float64
	counts  []atomic.Uint64 // len(bounds)+1, last bucket is +Inf
	sumBits atomic.Uint64
	total   atomic.Uint64
}

// NewHistogram creates a histogram with the given bucket bounds.
func NewHistogram(bounds []float64) *Histogram {
	sorted := make([]float64, len(bounds))
	copy(sorted, bounds)
	sort.Float64s(sorted)
	return &Histogram{
		bounds: sorted,
		counts: make([]atomic.Uint64, len(sorted)+1),
	}
}

// Observe records one sample in seconds.
func (h *Histogram) Observe(value float64) {
	idx := sort.SearchFloat64s(h.bounds, value)
	h.counts[idx].Add(1)
	h.total.Add(1)
	for {
		old := h.sumBits.Load()
		next := math.Float64bits(math.Float64frombits(old) + value)
		if h.sumBits.CompareAndSwap(old, next) {
			break
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 { return h.total.Load() }

// Sum returns the sum of observations.
func (h *Histogram) Sum() float64 { return math.Float64frombits(h.sumBits.Load()) }

// Mean returns the average observation, or zero.
func (h *Histogram) Mean() float64 {
	count := h.Count()
	if count == 0 {
		return 0
	}
	return h.Sum() / float64(count)
}

// Percentile estimates the p-th percentile (0 < p <= 100) from bucket
// upper bounds. Samples above the last bound report that bound.
func (h *Histogram) Percentile(p float64) float64 {
	total := h.total.Load()
	if total == 0 {
		return 0
	}
	rank := uint64(math.Ceil(p / 100 * float64(total)))
	if rank == 0 {
		rank = 1
	}
	var cumulative uint64
	for i := range h.counts {
		cumulative += h.counts[i].Load()
		if cumulative >= rank {
			if i < len(h.bounds) {
				return h.bounds[i]
			}
			return h.bounds[len(h.bounds)-1]
		}
	}
	return h.bounds[len(h.bounds)-1]
}

// Buckets returns a snapshot of bucket counts keyed by upper bound; the
// overflow bucket is keyed by +Inf.
func (h *Histogram) Buckets() map[float64]uint64 {
	out := make(map[float64]uint64, len(h.counts))
	for i := range h.counts {
		bound := math.Inf(1)
		if i < len(h.bounds) {
			bound = h.bounds[i]
		}
		out[bound] = h.counts[i].Load()
	}
	return out
}

// ClientStats rolls up activity per client identity.
type ClientStats struct {
	RequestCount  uint64        `json:"request_count"`
	ErrorCount    uint64        `json:"error_count"`
	TotalDuration time.Duration `json:"total_duration"`
	LastActivity  time.Time     `json:"last_activity"`
}

// ExecutionRecord is one retained tool-execution entry.
type ExecutionRecord struct {
	TaskName   string        `json:"task_name"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Snapshot is a point-in-time view of the aggregator.
type Snapshot struct {
	Requests       uint64                 `json:"requests"`
	Successes      uint64                 `json:"successes"`
	Failures       uint64                 `json:"failures"`
	ActiveRequests int64                  `json:"active_requests"`
	MeanDuration   float64                `json:"mean_duration_seconds"`
	P50            float64                `json:"p50_seconds"`
	P95            float64                `json:"p95_seconds"`
	P99            float64                `json:"p99_seconds"`
	PerMethod      map[string]uint64      `json:"per_method"`
	PerClient      map[string]ClientStats `json:"per_client,omitempty"`
}

// Aggregator keeps queryable in-process statistics alongside the
// Prometheus collectors: totals, bucketed durations, per-method counts,
// optional per-client rollups and a FIFO ring of recent executions.
type Aggregator struct {
	requests  atomic.Uint64
	successes atomic.Uint64
	failures  atomic.Uint64
	active    atomic.Int64

	durations *Histogram

	methodMu sync.Mutex
	methods  map[string]*atomic.Uint64

	clientMu sync.Mutex
	clients  map[string]*ClientStats

	recordMu   sync.Mutex
	records    []ExecutionRecord
	maxRecords int
}

// NewAggregator creates an aggregator with default buckets and record cap.
func NewAggregator() *Aggregator {
	return NewAggregatorWith(DefaultBuckets, DefaultMaxRecords)
}

// NewAggregatorWith creates an aggregator with custom buckets and cap.
func NewAggregatorWith(buckets []float64, maxRecords int) *Aggregator {
	if maxRecords <= 0 {
		maxRecords = DefaultMaxRecords
	}
	return &Aggregator{
		durations:  NewHistogram(buckets),
		methods:    make(map[string]*atomic.Uint64),
		clients:    make(map[string]*ClientStats),
		maxRecords: maxRecords,
	}
}

// Begin marks a request as started and returns a finish callback.
func (a *Aggregator) Begin() func(success bool, duration time.Duration) {
	a.requests.Add(1)
	a.active.Add(1)
	return func(success bool, duration time.Duration) {
		a.active.Add(-1)
		if success {
			a.successes.Add(1)
		} else {
			a.failures.Add(1)
		}
		a.durations.Observe(duration.Seconds())
	}
}

// CountMethod increments a per-method counter.
func (a *Aggregator) CountMethod(method string) {
	a.methodMu.Lock()
	counter, ok := a.methods[method]
	if !ok {
		counter = &atomic.Uint64{}
		a.methods[method] = counter
	}
	a.methodMu.Unlock()
	counter.Add(1)
}

// RecordClient updates the rollup for one client identity.
func (a *Aggregator) RecordClient(clientID string, success bool, duration time.Duration) {
	a.clientMu.Lock()
	defer a.clientMu.Unlock()
	stats, ok := a.clients[clientID]
	if !ok {
		stats = &ClientStats{}
		a.clients[clientID] = stats
	}
	stats.RequestCount++
	if !success {
		stats.ErrorCount++
	}
	stats.TotalDuration += duration
	stats.LastActivity = time.Now().UTC()
}

// RecordExecution retains a recent-execution entry, evicting FIFO at cap.
func (a *Aggregator) RecordExecution(taskName string, success bool, duration time.Duration) {
	a.recordMu.Lock()
	defer a.recordMu.Unlock()
	a.records = append(a.records, ExecutionRecord{
		TaskName:   taskName,
		Success:    success,
		Duration:   duration,
		RecordedAt: time.Now().UTC(),
	})
	if len(a.records) > a.maxRecords {
		a.records = a.records[len(a.records)-a.maxRecords:]
	}
}

// RecentExecutions returns a copy of the retained records, oldest first.
func (a *Aggregator) RecentExecutions() []ExecutionRecord {
	a.recordMu.Lock()
	defer a.recordMu.Unlock()
	out := make([]ExecutionRecord, len(a.records))
	copy(out, a.records)
	return out
}

// Snapshot captures current totals and percentiles.
func (a *Aggregator) Snapshot() Snapshot {
	snap := Snapshot{
		Requests:       a.requests.Load(),
		Successes:      a.successes.Load(),
		Failures:       a.failures.Load(),
		ActiveRequests: a.active.Load(),
		MeanDuration:   a.durations.Mean(),
		P50:            a.durations.Percentile(50),
		P95:            a.durations.Percentile(95),
		P99:            a.durations.Percentile(99),
		PerMethod:      make(map[string]uint64),
	}
	a.methodMu.Lock()
	for method, counter := range a.methods {
		snap.PerMethod[method] = counter.Load()
	}
	a.methodMu.Unlock()

	a.clientMu.Lock()
	if len(a.clients) > 0 {
		snap.PerClient = make(map[string]ClientStats, len(a.clients))
		for id, stats := range a.clients {
			snap.PerClient[id] = *stats
		}
	}
	a.clientMu.Unlock()
	return snap
}

// Durations exposes the duration histogram.
func (a *Aggregator) Durations() *Histogram { return a.durations }
