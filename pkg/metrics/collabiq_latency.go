// Package metrics provides latency tracking with percentile calculations.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Latency Tracker with P50/P95/P99 Percentiles
// =============================================================================

// LatencyTracker tracks call latencies over a sliding window. Samples are
// kept in milliseconds, the unit the pipeline logs and persists.
type LatencyTracker struct {
	mu         sync.Mutex
	samples    []float64
	maxSamples int
	sorted     bool
}

// NewLatencyTracker creates a tracker keeping the last windowSize samples.
func NewLatencyTracker(windowSize int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &LatencyTracker{
		samples:    make([]float64, 0, windowSize),
		maxSamples: windowSize,
	}
}

// Record records a latency measurement.
func (lt *LatencyTracker) Record(d time.Duration) {
	lt.RecordMS(float64(d.Microseconds()) / 1000)
}

// RecordMS records a latency already measured in milliseconds.
func (lt *LatencyTracker) RecordMS(ms float64) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.samples) >= lt.maxSamples {
		// Remove the oldest 10% in one shift to avoid per-call copies
		removeCount := lt.maxSamples / 10
		if removeCount < 1 {
			removeCount = 1
		}
		lt.samples = lt.samples[removeCount:]
	}

	lt.samples = append(lt.samples, ms)
	lt.sorted = false
}

// LatencyStats holds latency statistics in milliseconds.
type LatencyStats struct {
	Count int     `json:"count"`
	MinMS float64 `json:"min_ms"`
	MaxMS float64 `json:"max_ms"`
	AvgMS float64 `json:"avg_ms"`
	P50MS float64 `json:"p50_ms"`
	P95MS float64 `json:"p95_ms"`
	P99MS float64 `json:"p99_ms"`
}

// Stats returns latency statistics including percentiles.
func (lt *LatencyTracker) Stats() LatencyStats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	n := len(lt.samples)
	if n == 0 {
		return LatencyStats{}
	}

	if !lt.sorted {
		sort.Float64s(lt.samples)
		lt.sorted = true
	}

	var sum float64
	for _, v := range lt.samples {
		sum += v
	}

	return LatencyStats{
		Count: n,
		MinMS: lt.samples[0],
		MaxMS: lt.samples[n-1],
		AvgMS: sum / float64(n),
		P50MS: lt.percentile(0.50),
		P95MS: lt.percentile(0.95),
		P99MS: lt.percentile(0.99),
	}
}

// percentile must be called with the lock held and samples sorted.
func (lt *LatencyTracker) percentile(p float64) float64 {
	if len(lt.samples) == 0 {
		return 0
	}
	idx := int(float64(len(lt.samples)-1) * p)
	return lt.samples[idx]
}

// Reset clears all samples.
func (lt *LatencyTracker) Reset() {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	lt.samples = lt.samples[:0]
	lt.sorted = false
}

// =============================================================================
// Multi-Key Latency Registry
// =============================================================================

// LatencyRegistry manages one tracker per key (provider name, pipeline
// step).
type LatencyRegistry struct {
	mu       sync.RWMutex
	trackers map[string]*LatencyTracker
	window   int
}

// NewLatencyRegistry creates a new latency registry.
func NewLatencyRegistry(windowSize int) *LatencyRegistry {
	return &LatencyRegistry{
		trackers: make(map[string]*LatencyTracker),
		window:   windowSize,
	}
}

// Record records a latency for the given key.
func (r *LatencyRegistry) Record(key string, d time.Duration) {
	r.tracker(key).Record(d)
}

// RecordMS records a millisecond latency for the given key.
func (r *LatencyRegistry) RecordMS(key string, ms float64) {
	r.tracker(key).RecordMS(ms)
}

func (r *LatencyRegistry) tracker(key string) *LatencyTracker {
	r.mu.RLock()
	tracker, ok := r.trackers[key]
	r.mu.RUnlock()
	if ok {
		return tracker
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if tracker, ok = r.trackers[key]; ok {
		return tracker
	}
	tracker = NewLatencyTracker(r.window)
	r.trackers[key] = tracker
	return tracker
}

// Stats returns statistics for every tracked key.
func (r *LatencyRegistry) Stats() map[string]LatencyStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := make(map[string]LatencyStats, len(r.trackers))
	for key, tracker := range r.trackers {
		stats[key] = tracker.Stats()
	}
	return stats
}
