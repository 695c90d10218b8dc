package stats

import (
	"sync"
	"testing"
	"time"
)

func TestNewRunStats(t *testing.T) {
	run := NewRunStats()

	if got := run.BytesRead(); got != 0 {
		t.Errorf("BytesRead() = %d, want 0", got)
	}
	if got := run.CommandsSent(); got != 0 {
		t.Errorf("CommandsSent() = %d, want 0", got)
	}
	matches, timeouts := run.ExpectCounts()
	if matches != 0 || timeouts != 0 {
		t.Errorf("ExpectCounts() = (%d, %d), want (0, 0)", matches, timeouts)
	}
	if steps := run.Steps(); len(steps) != 0 {
		t.Errorf("Steps() has %d entries, want 0", len(steps))
	}
}

func TestRunStats_RecordBytes(t *testing.T) {
	run := NewRunStats()

	run.RecordBytes(100)
	run.RecordBytes(50)
	run.RecordBytes(1)

	if got := run.BytesRead(); got != 151 {
		t.Errorf("BytesRead() = %d, want 151", got)
	}
}

func TestRunStats_RecordCommand(t *testing.T) {
	run := NewRunStats()

	for i := 0; i < 5; i++ {
		run.RecordCommand()
	}

	if got := run.CommandsSent(); got != 5 {
		t.Errorf("CommandsSent() = %d, want 5", got)
	}
}

func TestRunStats_RecordExpect(t *testing.T) {
	run := NewRunStats()

	run.RecordExpect(100*time.Millisecond, false)
	run.RecordExpect(200*time.Millisecond, false)
	run.RecordExpect(5*time.Second, true)

	matches, timeouts := run.ExpectCounts()
	if matches != 2 {
		t.Errorf("matches = %d, want 2", matches)
	}
	if timeouts != 1 {
		t.Errorf("timeouts = %d, want 1", timeouts)
	}

	_, _, _, max := run.ExpectPercentiles()
	if max != 5*time.Second {
		t.Errorf("max = %v, want 5s", max)
	}
}

func TestRunStats_ExpectPercentiles_Empty(t *testing.T) {
	run := NewRunStats()

	p50, p90, p99, max := run.ExpectPercentiles()
	if p50 != 0 || p90 != 0 || p99 != 0 || max != 0 {
		t.Errorf("ExpectPercentiles() = (%v, %v, %v, %v), want all zero", p50, p90, p99, max)
	}
}

func TestRunStats_ExpectPercentiles(t *testing.T) {
	run := NewRunStats()

	// Uniform waits from 1ms to 100ms.
	for i := 1; i <= 100; i++ {
		run.RecordExpect(time.Duration(i)*time.Millisecond, false)
	}

	p50, p90, p99, max := run.ExpectPercentiles()

	// The digest is approximate; allow a generous band around the
	// true percentiles.
	if p50 < 30*time.Millisecond || p50 > 70*time.Millisecond {
		t.Errorf("p50 = %v, want roughly 50ms", p50)
	}
	if p90 < p50 {
		t.Errorf("p90 (%v) < p50 (%v)", p90, p50)
	}
	if p99 < p90 {
		t.Errorf("p99 (%v) < p90 (%v)", p99, p90)
	}
	if max != 100*time.Millisecond {
		t.Errorf("max = %v, want 100ms", max)
	}
}

func TestRunStats_RecordStep(t *testing.T) {
	run := NewRunStats()

	run.RecordStep(StepResult{Name: "boot_login", Status: StepPassed, Duration: time.Minute})
	run.RecordStep(StepResult{Name: "basic_commands", Status: StepFailed, Reason: "timeout"})
	run.RecordStep(StepResult{Name: "shutdown", Status: StepSkipped})

	steps := run.Steps()
	if len(steps) != 3 {
		t.Fatalf("Steps() has %d entries, want 3", len(steps))
	}
	if steps[0].Name != "boot_login" || steps[1].Name != "basic_commands" || steps[2].Name != "shutdown" {
		t.Errorf("steps out of order: %+v", steps)
	}
	if steps[1].Reason != "timeout" {
		t.Errorf("Reason = %q, want %q", steps[1].Reason, "timeout")
	}

	passed, failed, skipped := run.StepCounts()
	if passed != 1 || failed != 1 || skipped != 1 {
		t.Errorf("StepCounts() = (%d, %d, %d), want (1, 1, 1)", passed, failed, skipped)
	}
}

func TestRunStats_StepsReturnsCopy(t *testing.T) {
	run := NewRunStats()
	run.RecordStep(StepResult{Name: "boot_login", Status: StepPassed})

	steps := run.Steps()
	steps[0].Name = "mutated"

	if got := run.Steps()[0].Name; got != "boot_login" {
		t.Errorf("internal step mutated through returned slice: %q", got)
	}
}

func TestRunStats_Elapsed(t *testing.T) {
	run := NewRunStats()

	time.Sleep(5 * time.Millisecond)

	if got := run.Elapsed(); got <= 0 {
		t.Errorf("Elapsed() = %v, want > 0", got)
	}
}

func TestRunStats_ConcurrentRecording(t *testing.T) {
	run := NewRunStats()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				run.RecordBytes(10)
				run.RecordCommand()
				run.RecordExpect(time.Millisecond, j%10 == 0)
				_ = run.BytesRead()
				_, _ = run.ExpectCounts()
				_, _, _, _ = run.ExpectPercentiles()
			}
		}()
	}
	wg.Wait()

	if got := run.BytesRead(); got != 10*100*10 {
		t.Errorf("BytesRead() = %d, want %d", got, 10*100*10)
	}
	if got := run.CommandsSent(); got != 1000 {
		t.Errorf("CommandsSent() = %d, want 1000", got)
	}
	matches, timeouts := run.ExpectCounts()
	if matches+timeouts != 1000 {
		t.Errorf("total expects = %d, want 1000", matches+timeouts)
	}
}
