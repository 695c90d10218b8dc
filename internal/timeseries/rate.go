// Package timeseries tracks the serial console byte rate over sliding
// time windows.
//
// The guest's serial output is bursty: silent while a command runs,
// then a flood when it completes. Point-in-time deltas are useless for
// a dashboard, so the tracker keeps a ring of cumulative-byte samples
// and computes trailing averages against it.
package timeseries

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// ringSize bounds the sample history: five minutes at one sample
	// per second.
	ringSize = 300

	// sampleInterval is the minimum spacing between samples.
	sampleInterval = time.Second

	windowRecent = 5 * time.Second
	windowMinute = 60 * time.Second
)

// Clock abstracts time.Now for deterministic tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// sample is a cumulative byte count at a point in time.
type sample struct {
	when  time.Time
	bytes int64
}

// RateTracker accumulates console bytes and answers trailing-average
// rate queries. AddBytes is lock-free on the hot path; samples are
// taken on the write path itself, at most one per sampleInterval, so
// no external ticker is needed.
type RateTracker struct {
	totalBytes atomic.Int64
	lastSample atomic.Int64 // unix nanos of the newest sample

	mu       sync.RWMutex
	samples  []sample
	writeIdx int
	start    time.Time

	clock Clock
}

// Rates is a point-in-time snapshot of the tracked byte rates, all in
// bytes per second.
type Rates struct {
	TotalBytes int64
	Recent     float64 // trailing 5 seconds
	Minute     float64 // trailing 60 seconds
	Overall    float64 // since tracking began
}

// NewRateTracker returns a tracker anchored at the current time.
func NewRateTracker() *RateTracker {
	return NewRateTrackerWithClock(realClock{})
}

// NewRateTrackerWithClock returns a tracker driven by the given clock.
func NewRateTrackerWithClock(clock Clock) *RateTracker {
	now := clock.Now()
	t := &RateTracker{
		samples: make([]sample, 0, ringSize),
		start:   now,
		clock:   clock,
	}
	// Baseline sample so every window query has an anchor.
	t.samples = append(t.samples, sample{when: now, bytes: 0})
	t.lastSample.Store(now.UnixNano())
	return t
}

// AddBytes adds n console bytes to the running total. Non-positive
// counts are ignored.
func (t *RateTracker) AddBytes(n int) {
	if n <= 0 {
		return
	}
	total := t.totalBytes.Add(int64(n))

	now := t.clock.Now()
	last := t.lastSample.Load()
	if now.UnixNano()-last < int64(sampleInterval) {
		return
	}
	// The CAS winner records the sample; losers already have their
	// bytes in the total and the next interval will cover them.
	if !t.lastSample.CompareAndSwap(last, now.UnixNano()) {
		return
	}

	t.mu.Lock()
	t.record(now, total)
	t.mu.Unlock()
}

// record appends a sample, overwriting the oldest once the ring is
// full. Caller holds mu.
func (t *RateTracker) record(now time.Time, bytes int64) {
	s := sample{when: now, bytes: bytes}
	if len(t.samples) < ringSize {
		t.samples = append(t.samples, s)
		return
	}
	t.samples[t.writeIdx] = s
	t.writeIdx = (t.writeIdx + 1) % ringSize
}

// Rates returns the current byte-rate snapshot. Idle periods decay the
// trailing averages naturally: the window end is the current clock
// reading, not the last sample.
func (t *RateTracker) Rates() Rates {
	now := t.clock.Now()
	total := t.totalBytes.Load()

	t.mu.RLock()
	defer t.mu.RUnlock()

	r := Rates{TotalBytes: total}
	if elapsed := now.Sub(t.start).Seconds(); elapsed > 0 {
		r.Overall = float64(total) / elapsed
	}
	r.Recent = t.avgOverWindow(now, total, windowRecent)
	r.Minute = t.avgOverWindow(now, total, windowMinute)
	return r
}

// avgOverWindow computes bytes/sec between now and the newest sample at
// or before now-window. With less history than the window, the oldest
// sample anchors the average. Caller holds mu.
func (t *RateTracker) avgOverWindow(now time.Time, total int64, window time.Duration) float64 {
	target := now.Add(-window)

	var anchor *sample
	var gap time.Duration = -1
	for i := range t.samples {
		s := &t.samples[i]
		if s.when.After(target) {
			continue
		}
		if d := target.Sub(s.when); gap < 0 || d < gap {
			anchor = s
			gap = d
		}
	}
	if anchor == nil {
		anchor = t.oldest()
	}
	if anchor == nil {
		return 0
	}

	elapsed := now.Sub(anchor.when).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(total-anchor.bytes) / elapsed
}

// oldest returns the oldest retained sample. Caller holds mu.
func (t *RateTracker) oldest() *sample {
	if len(t.samples) == 0 {
		return nil
	}
	if len(t.samples) < ringSize {
		return &t.samples[0]
	}
	return &t.samples[t.writeIdx]
}

// SampleCount returns the number of retained samples.
func (t *RateTracker) SampleCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}
