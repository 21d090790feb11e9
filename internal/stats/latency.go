// Package stats tracks per-tool latency over a bounded sample window. The
// selector binds its p95_latency formula variable from here.
package stats

import (
	"sort"
	"sync"
	"time"
)

// Summary is a point-in-time view of one tool's latency distribution.
type Summary struct {
	Tool  string  `json:"tool"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	Count int64   `json:"count"`
	AvgMS float64 `json:"avg_ms"`
}

// Tracker keeps a fixed-size sample ring per tool. Percentiles are computed
// on demand from the window; lifetime count/min/max are exact.
type Tracker struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	window  int
}

type bucket struct {
	samples []float64
	next    int
	filled  bool
	count   int64
	sum     float64
	min     float64
	max     float64
}

// NewTracker creates a tracker with the given per-tool window size.
func NewTracker(windowSize int) *Tracker {
	if windowSize <= 0 {
		windowSize = 256
	}
	return &Tracker{
		buckets: make(map[string]*bucket),
		window:  windowSize,
	}
}

// Record adds one latency observation for tool.
func (t *Tracker) Record(tool string, latency time.Duration) {
	t.RecordMS(tool, float64(latency.Microseconds())/1000.0)
}

// RecordMS adds one observation in milliseconds.
func (t *Tracker) RecordMS(tool string, ms float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.buckets[tool]
	if !ok {
		b = &bucket{
			samples: make([]float64, t.window),
			min:     ms,
			max:     ms,
		}
		t.buckets[tool] = b
	}

	b.samples[b.next] = ms
	b.next++
	if b.next == len(b.samples) {
		b.next = 0
		b.filled = true
	}
	b.count++
	b.sum += ms
	if ms < b.min {
		b.min = ms
	}
	if ms > b.max {
		b.max = ms
	}
}

// P95 returns the 95th percentile over the window, and whether any samples
// exist for the tool.
func (t *Tracker) P95(tool string) (float64, bool) {
	return t.Percentile(tool, 95)
}

// Percentile computes a nearest-rank percentile over the sample window.
func (t *Tracker) Percentile(tool string, pct float64) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.buckets[tool]
	if !ok || b.count == 0 {
		return 0, false
	}
	window := b.windowCopy()
	return percentileOf(window, pct), true
}

// Snapshot returns the full distribution summary for one tool, or nil when
// the tool has no samples.
func (t *Tracker) Snapshot(tool string) *Summary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	b, ok := t.buckets[tool]
	if !ok || b.count == 0 {
		return nil
	}
	window := b.windowCopy()
	return &Summary{
		Tool:  tool,
		P50:   percentileOf(window, 50),
		P95:   percentileOf(window, 95),
		P99:   percentileOf(window, 99),
		Min:   b.min,
		Max:   b.max,
		Count: b.count,
		AvgMS: b.sum / float64(b.count),
	}
}

// Stats returns a coarse view of all tracked tools for the health endpoint.
func (t *Tracker) Stats() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]interface{}, len(t.buckets))
	for tool, b := range t.buckets {
		window := b.windowCopy()
		out[tool] = map[string]interface{}{
			"count":  b.count,
			"avg_ms": b.sum / float64(b.count),
			"p95_ms": percentileOf(window, 95),
		}
	}
	return out
}

// windowCopy returns the live samples in arbitrary order. Caller must hold
// at least a read lock.
func (b *bucket) windowCopy() []float64 {
	n := b.next
	if b.filled {
		n = len(b.samples)
	}
	out := make([]float64, n)
	copy(out, b.samples[:n])
	return out
}

func percentileOf(samples []float64, pct float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sort.Float64s(samples)
	rank := int(float64(len(samples))*pct/100.0+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(samples) {
		rank = len(samples) - 1
	}
	return samples[rank]
}
