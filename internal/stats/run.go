package stats

import (
	"sync"
	"time"

	"github.com/influxdata/tdigest"

	"github.com/fornax-os/vmtest/internal/timeseries"
)

// StepStatus classifies the outcome of one test step.
type StepStatus string

const (
	StepPassed  StepStatus = "passed"
	StepFailed  StepStatus = "failed"
	StepSkipped StepStatus = "skipped"
)

// StepResult records the outcome of a single test step.
type StepResult struct {
	Name     string
	Status   StepStatus
	Duration time.Duration

	// Reason holds the failure message when Status is StepFailed.
	Reason string
}

// RunStats accumulates console activity and step outcomes over one run.
// All methods are safe for concurrent use; the TUI reads while the suite
// records.
type RunStats struct {
	mu        sync.Mutex
	startTime time.Time

	bytesRead    int64
	commandsSent int64

	expectMatches  int64
	expectTimeouts int64
	expectMax      time.Duration

	// expectDigest holds expect wait times for percentile estimation.
	// TDigest is not thread-safe; guarded by mu.
	expectDigest *tdigest.TDigest

	// byteRate has its own internal locking and a lock-free write path.
	byteRate *timeseries.RateTracker

	steps []StepResult
}

// NewRunStats returns run statistics anchored at the current time.
func NewRunStats() *RunStats {
	return &RunStats{
		startTime: time.Now(),
		// Compression 100 keeps ~100 centroids (~10KB) with good
		// accuracy in the p50-p99 range.
		expectDigest: tdigest.NewWithCompression(100),
		byteRate:     timeseries.NewRateTracker(),
	}
}

// RecordBytes adds n console bytes to the running total and the rate
// tracker.
func (r *RunStats) RecordBytes(n int) {
	r.mu.Lock()
	r.bytesRead += int64(n)
	r.mu.Unlock()
	r.byteRate.AddBytes(n)
}

// RecordCommand counts one command line sent to the guest.
func (r *RunStats) RecordCommand() {
	r.mu.Lock()
	r.commandsSent++
	r.mu.Unlock()
}

// RecordExpect records one completed expect call and how long it waited.
func (r *RunStats) RecordExpect(wait time.Duration, timedOut bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if timedOut {
		r.expectTimeouts++
	} else {
		r.expectMatches++
	}
	if wait > r.expectMax {
		r.expectMax = wait
	}
	r.expectDigest.Add(float64(wait.Nanoseconds()), 1)
}

// RecordStep appends one step outcome in execution order.
func (r *RunStats) RecordStep(res StepResult) {
	r.mu.Lock()
	r.steps = append(r.steps, res)
	r.mu.Unlock()
}

// Elapsed returns the time since the run started.
func (r *RunStats) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.startTime)
}

// BytesRead returns the total console bytes recorded so far.
func (r *RunStats) BytesRead() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytesRead
}

// CommandsSent returns the number of command lines recorded so far.
func (r *RunStats) CommandsSent() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commandsSent
}

// ByteRates returns the trailing-average console byte rates.
func (r *RunStats) ByteRates() timeseries.Rates {
	return r.byteRate.Rates()
}

// ExpectCounts returns the number of matched and timed-out expects.
func (r *RunStats) ExpectCounts() (matches, timeouts int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expectMatches, r.expectTimeouts
}

// Steps returns a copy of the recorded step outcomes in order.
func (r *RunStats) Steps() []StepResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StepResult, len(r.steps))
	copy(out, r.steps)
	return out
}

// StepCounts returns how many steps passed, failed and were skipped.
func (r *RunStats) StepCounts() (passed, failed, skipped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.steps {
		switch s.Status {
		case StepPassed:
			passed++
		case StepFailed:
			failed++
		case StepSkipped:
			skipped++
		}
	}
	return passed, failed, skipped
}

// ExpectPercentiles returns p50/p90/p99 and the maximum of the observed
// expect wait times. All zeros when nothing was recorded.
func (r *RunStats) ExpectPercentiles() (p50, p90, p99, max time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.expectMatches+r.expectTimeouts == 0 {
		return 0, 0, 0, 0
	}
	p50 = time.Duration(r.expectDigest.Quantile(0.50))
	p90 = time.Duration(r.expectDigest.Quantile(0.90))
	p99 = time.Duration(r.expectDigest.Quantile(0.99))
	return p50, p90, p99, r.expectMax
}
