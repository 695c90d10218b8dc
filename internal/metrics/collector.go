// Package metrics provides Prometheus metrics for vmtest.
//
// The collector observes one harness run: console traffic, expect
// latencies, and per-step outcomes. Everything is exposed on the package
// repository server's /metrics endpoint so a scrape during a long soak
// run shows live progress.
package metrics

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// Run Overview
// =============================================================================

var (
	vmtestInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmtest_info",
			Help: "Information about the harness run (value always 1)",
		},
		[]string{"version", "run_id", "project"},
	)

	vmtestRunElapsedSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmtest_run_elapsed_seconds",
			Help: "Seconds since the run started",
		},
	)

	vmtestGuestRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vmtest_guest_running",
			Help: "Whether the guest process is alive (0 or 1)",
		},
	)
)

// =============================================================================
// Console Activity
// =============================================================================

var (
	vmtestConsoleBytesReadTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vmtest_console_bytes_read_total",
			Help: "Total bytes read from the guest serial console",
		},
	)

	vmtestCommandsSentTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vmtest_commands_sent_total",
			Help: "Total marker-confirmed commands sent to the guest",
		},
	)

	vmtestExpectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmtest_expects_total",
			Help: "Console expect operations by result",
		},
		[]string{"result"}, // "match" | "timeout"
	)

	vmtestExpectDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name: "vmtest_expect_duration_seconds",
			Help: "Time spent waiting for console patterns",
			// Interactive expects resolve in well under a second; the
			// long tail is boot and package installation.
			Buckets: []float64{
				0.05, 0.1, 0.25, 0.5,
				1.0, 2.5, 5.0, 10.0,
				30.0, 60.0, 90.0,
			},
		},
	)
)

// =============================================================================
// Test Steps
// =============================================================================

var (
	vmtestStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vmtest_steps_total",
			Help: "Test steps by outcome",
		},
		[]string{"status"}, // "passed" | "failed" | "skipped"
	)

	vmtestStepDurationSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmtest_step_duration_seconds",
			Help: "Wall-clock duration of each completed test step",
		},
		[]string{"step"},
	)
)

// =============================================================================
// Collector
// =============================================================================

// Collector manages all Prometheus metrics for a harness run.
type Collector struct {
	runID     string
	startTime time.Time

	mu           sync.Mutex
	bytesRead    int64
	commandsSent int64
	matches      int64
	timeouts     int64
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version string
	Project string
}

// registerDefault guards default-registry registration: the metric
// vars are package-level, so a second collector in the same process
// must not register them again.
var registerDefault sync.Once

// NewCollector creates a collector registered on the default registry.
func NewCollector(cfg CollectorConfig) *Collector {
	registerDefault.Do(func() {
		register(prometheus.DefaultRegisterer)
	})
	return newCollector(cfg)
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry prometheus.Registerer) *Collector {
	register(registry)
	return newCollector(cfg)
}

func register(r prometheus.Registerer) {
	r.MustRegister(
		// Run overview
		vmtestInfo,
		vmtestRunElapsedSeconds,
		vmtestGuestRunning,

		// Console activity
		vmtestConsoleBytesReadTotal,
		vmtestCommandsSentTotal,
		vmtestExpectsTotal,
		vmtestExpectDurationSeconds,

		// Steps
		vmtestStepsTotal,
		vmtestStepDurationSeconds,
	)
}

func newCollector(cfg CollectorConfig) *Collector {
	c := &Collector{
		runID:     uuid.New().String(),
		startTime: time.Now(),
	}

	// Set initial values
	vmtestInfo.WithLabelValues(cfg.Version, c.runID, cfg.Project).Set(1)
	vmtestGuestRunning.Set(0)

	return c
}

// RunID returns the unique identifier of this run.
func (c *Collector) RunID() string {
	return c.runID
}

// =============================================================================
// Event Recording Methods
// =============================================================================

// RecordBytesRead records console output volume. Wired to the driver's
// OnBytes callback.
func (c *Collector) RecordBytesRead(n int) {
	vmtestConsoleBytesReadTotal.Add(float64(n))

	c.mu.Lock()
	c.bytesRead += int64(n)
	c.mu.Unlock()

	c.touchElapsed()
}

// CommandSent records one marker-confirmed guest command. Wired to the
// driver's OnCommand callback.
func (c *Collector) CommandSent() {
	vmtestCommandsSentTotal.Inc()

	c.mu.Lock()
	c.commandsSent++
	c.mu.Unlock()
}

// RecordExpect records one expect operation. Wired to the driver's
// OnExpect callback.
func (c *Collector) RecordExpect(wait time.Duration, timedOut bool) {
	result := "match"
	if timedOut {
		result = "timeout"
	}
	vmtestExpectsTotal.WithLabelValues(result).Inc()
	vmtestExpectDurationSeconds.Observe(wait.Seconds())

	c.mu.Lock()
	if timedOut {
		c.timeouts++
	} else {
		c.matches++
	}
	c.mu.Unlock()

	c.touchElapsed()
}

// GuestStarted records the guest process coming up.
func (c *Collector) GuestStarted() {
	vmtestGuestRunning.Set(1)
}

// GuestStopped records the guest process going away.
func (c *Collector) GuestStopped() {
	vmtestGuestRunning.Set(0)
}

// StepCompleted records one finished test step.
// status is "passed", "failed" or "skipped".
func (c *Collector) StepCompleted(name, status string, d time.Duration) {
	vmtestStepsTotal.WithLabelValues(status).Inc()
	vmtestStepDurationSeconds.WithLabelValues(name).Set(d.Seconds())
	c.touchElapsed()
}

func (c *Collector) touchElapsed() {
	vmtestRunElapsedSeconds.Set(time.Since(c.startTime).Seconds())
}

// =============================================================================
// Getters
// =============================================================================

// BytesRead returns total console bytes observed so far.
func (c *Collector) BytesRead() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesRead
}

// CommandsSent returns the number of marker-confirmed commands.
func (c *Collector) CommandsSent() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commandsSent
}

// ExpectCounts returns matched and timed-out expect totals.
func (c *Collector) ExpectCounts() (matches, timeouts int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.matches, c.timeouts
}
