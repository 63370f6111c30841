package utils

import (
	"sort"
	"sync"
	"time"
)

// WaitTracker stores recent connection wait-time samples and computes the
// aggregates reported in pool telemetry.
type WaitTracker struct {
	mu      sync.RWMutex
	samples []time.Duration
	maxSize int
}

// NewWaitTracker creates a tracker storing up to maxSize samples.
func NewWaitTracker(maxSize int) *WaitTracker {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &WaitTracker{maxSize: maxSize}
}

// Observe records a new wait duration.
func (w *WaitTracker) Observe(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples = append(w.samples, d)
	if len(w.samples) > w.maxSize {
		// Drop oldest sample to bound memory.
		copy(w.samples[0:], w.samples[1:])
		w.samples = w.samples[:w.maxSize]
	}
}

// AvgMs returns the mean wait in milliseconds, zero when empty.
func (w *WaitTracker) AvgMs() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range w.samples {
		total += s
	}
	return float64(total.Milliseconds()) / float64(len(w.samples))
}

// PercentileMs returns the percentile (0-100) wait in milliseconds.
func (w *WaitTracker) PercentileMs(p float64) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.samples) == 0 {
		return 0
	}

	sorted := append([]time.Duration(nil), w.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int((p / 100.0) * float64(len(sorted)-1))
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return float64(sorted[index]) / float64(time.Millisecond)
}

// Count returns number of samples recorded.
func (w *WaitTracker) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.samples)
}
