// stats.go: sliding-window statistics backing the velocity and anomaly rules.
package engine

import (
	"math"
	"sync"
	"time"
)

// velocityWindow holds recent transaction timestamps for one client.
type velocityWindow struct {
	mu    sync.Mutex
	times []time.Time
}

// VelocityTracker counts transactions per client within a trailing time window.
type VelocityTracker struct {
	mu      sync.Mutex // protects clients
	window  time.Duration
	clients map[string]*velocityWindow
}

// NewVelocityTracker creates a tracker with the given trailing window.
func NewVelocityTracker(window time.Duration) *VelocityTracker {
	return &VelocityTracker{
		window:  window,
		clients: make(map[string]*velocityWindow),
	}
}

// Record adds one transaction timestamp for the client and returns how many
// transactions fall within the trailing window ending at ts. Stale entries
// are evicted lazily on each call.
func (t *VelocityTracker) Record(clientID string, ts time.Time) int {
	t.mu.Lock()
	w, ok := t.clients[clientID]
	if !ok {
		w = &velocityWindow{}
		t.clients[clientID] = w
	}
	t.mu.Unlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.times = append(w.times, ts)
	cutoff := ts.Add(-t.window)
	idx := 0
	for idx < len(w.times) && !w.times[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.times = w.times[idx:]
	}
	return len(w.times)
}

// RollingStats maintains running mean and variance over a count-bounded ring
// of values using Welford's algorithm. Evicting the oldest value reverses its
// contribution, so the window slides without rescanning.
type RollingStats struct {
	mu     sync.Mutex
	values []float64
	head   int
	count  int
	mean   float64
	m2     float64
}

// NewRollingStats creates a window holding at most capacity values.
func NewRollingStats(capacity int) *RollingStats {
	if capacity < 1 {
		capacity = 1
	}
	return &RollingStats{values: make([]float64, capacity)}
}

// Push adds a value, evicting the oldest when the window is full.
func (r *RollingStats) Push(x float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == len(r.values) {
		r.evict()
	}
	r.values[(r.head+r.count)%len(r.values)] = x
	r.count++
	delta := x - r.mean
	r.mean += delta / float64(r.count)
	r.m2 += delta * (x - r.mean)
}

func (r *RollingStats) evict() {
	x := r.values[r.head]
	r.head = (r.head + 1) % len(r.values)
	r.count--
	if r.count == 0 {
		r.mean = 0
		r.m2 = 0
		return
	}
	old := r.mean
	r.mean = (float64(r.count+1)*old - x) / float64(r.count)
	r.m2 -= (x - old) * (x - r.mean)
	if r.m2 < 0 { // float error can push m2 slightly negative
		r.m2 = 0
	}
}

// Count returns the number of values currently in the window.
func (r *RollingStats) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Mean returns the mean of the window, or 0 when empty.
func (r *RollingStats) Mean() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mean
}

// StdDev returns the population standard deviation of the window.
func (r *RollingStats) StdDev() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stdDevLocked()
}

// Moments returns count, mean, and standard deviation in one consistent read.
func (r *RollingStats) Moments() (count int, mean, stdDev float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count, r.mean, r.stdDevLocked()
}

func (r *RollingStats) stdDevLocked() float64 {
	if r.count == 0 {
		return 0
	}
	variance := r.m2 / float64(r.count)
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance)
}

// Score is one anomaly evaluation against a symbol's recent distribution.
type Score struct {
	Z      float64
	Mean   float64
	StdDev float64
}

// AnomalyDetector scores transaction values against per-symbol rolling windows.
type AnomalyDetector struct {
	mu         sync.Mutex // protects symbols
	windowSize int
	minSamples int
	symbols    map[string]*RollingStats
}

// NewAnomalyDetector creates a detector with count-bounded per-symbol windows.
func NewAnomalyDetector(windowSize, minSamples int) *AnomalyDetector {
	return &AnomalyDetector{
		windowSize: windowSize,
		minSamples: minSamples,
		symbols:    make(map[string]*RollingStats),
	}
}

func (d *AnomalyDetector) window(symbol string) *RollingStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.symbols[symbol]
	if !ok {
		w = NewRollingStats(d.windowSize)
		d.symbols[symbol] = w
	}
	return w
}

// Score standardizes value against the symbol's window. ok is false while the
// window holds fewer than the minimum sample count, or when it has zero
// spread. The value itself is not added to the window; call Observe after
// scoring so it shapes future baselines.
func (d *AnomalyDetector) Score(symbol string, value float64) (Score, bool) {
	count, mean, stdDev := d.window(symbol).Moments()
	if count < d.minSamples || stdDev == 0 {
		return Score{}, false
	}
	return Score{Z: (value - mean) / stdDev, Mean: mean, StdDev: stdDev}, true
}

// Observe adds a transaction value to the symbol's window.
func (d *AnomalyDetector) Observe(symbol string, value float64) {
	d.window(symbol).Push(value)
}

// Warm seeds per-symbol windows with historical values, oldest first.
func (d *AnomalyDetector) Warm(values map[string][]float64) {
	for symbol, vs := range values {
		w := d.window(symbol)
		for _, v := range vs {
			w.Push(v)
		}
	}
}
