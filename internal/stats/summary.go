// Package stats tracks console activity and test step outcomes for a
// vmtest run.
//
// This file implements the exit summary formatter which displays run
// results at program exit.
package stats

import (
	"fmt"
	"strings"
	"time"
)

// SummaryConfig holds run-level context for summary formatting.
type SummaryConfig struct {
	// Project is the Fornax checkout that was built and booted.
	Project string

	// RunID labels this run in metrics and logs.
	RunID string

	// MetricsAddr is the package repo address serving /metrics.
	MetricsAddr string

	// SerialLogPath is where the serial transcript was saved. Shown
	// only when a step failed.
	SerialLogPath string

	// GuestExited reports whether QEMU exited before the summary was
	// rendered; GuestExitCode is only meaningful when it is true.
	GuestExited   bool
	GuestExitCode int
}

// FormatExitSummary formats run statistics for display at program exit.
//
// The summary includes:
// - Run information (duration, project, run ID, guest exit code)
// - Per-step outcomes with durations and failure reasons
// - Console activity totals and expect wait percentiles
// - The overall verdict, and the serial log location on failure
func FormatExitSummary(run *RunStats, cfg SummaryConfig) string {
	if run == nil {
		return formatBasicSummary(cfg)
	}

	var b strings.Builder

	b.WriteString("\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n")
	b.WriteString("                              vmtest Exit Summary\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n\n")

	// Run info
	fmt.Fprintf(&b, "Run Duration:           %s\n", FormatDuration(run.Elapsed()))
	if cfg.Project != "" {
		fmt.Fprintf(&b, "Project:                %s\n", cfg.Project)
	}
	if cfg.RunID != "" {
		fmt.Fprintf(&b, "Run ID:                 %s\n", cfg.RunID)
	}
	if cfg.GuestExited {
		if label := exitCodeLabel(cfg.GuestExitCode); label != "" {
			fmt.Fprintf(&b, "Guest Exit Code:        %d %s\n", cfg.GuestExitCode, label)
		} else {
			fmt.Fprintf(&b, "Guest Exit Code:        %d\n", cfg.GuestExitCode)
		}
	}
	b.WriteString("\n")

	// Step outcomes
	b.WriteString("───────────────────────────────────────────────────────────────────────────────\n")
	b.WriteString("                                  Test Steps\n")
	b.WriteString("───────────────────────────────────────────────────────────────────────────────\n\n")

	steps := run.Steps()
	if len(steps) == 0 {
		b.WriteString("  (no steps were run)\n")
	}
	for _, s := range steps {
		dur := FormatSeconds(s.Duration)
		if s.Status == StepSkipped {
			dur = "-"
		}
		fmt.Fprintf(&b, "  %-4s  %-24s %9s\n", stepLabel(s.Status), s.Name, dur)
		if s.Reason != "" {
			fmt.Fprintf(&b, "        %s\n", s.Reason)
		}
	}

	passed, failed, skipped := run.StepCounts()
	fmt.Fprintf(&b, "\n  Passed:               %d\n", passed)
	fmt.Fprintf(&b, "  Failed:               %d\n", failed)
	if skipped > 0 {
		fmt.Fprintf(&b, "  Skipped:              %d\n", skipped)
	}
	b.WriteString("\n")

	// Console activity
	b.WriteString("───────────────────────────────────────────────────────────────────────────────\n")
	b.WriteString("                               Console Activity\n")
	b.WriteString("───────────────────────────────────────────────────────────────────────────────\n\n")

	matches, timeouts := run.ExpectCounts()
	fmt.Fprintf(&b, "  Bytes Read:           %s\n", FormatBytes(run.BytesRead()))
	fmt.Fprintf(&b, "  Byte Rate:            %s/s\n", FormatBytes(int64(run.ByteRates().Overall)))
	fmt.Fprintf(&b, "  Commands Sent:        %d\n", run.CommandsSent())
	fmt.Fprintf(&b, "  Expects:              %d matched, %d timed out\n", matches, timeouts)

	if matches+timeouts > 0 {
		p50, p90, p99, max := run.ExpectPercentiles()
		b.WriteString("\n")
		fmt.Fprintf(&b, "  Expect Wait P50:      %s\n", FormatMs(p50))
		fmt.Fprintf(&b, "  Expect Wait P90:      %s\n", FormatMs(p90))
		fmt.Fprintf(&b, "  Expect Wait P99:      %s\n", FormatMs(p99))
		fmt.Fprintf(&b, "  Expect Wait Max:      %s\n", FormatMs(max))
	}
	b.WriteString("\n")

	// Verdict
	total := passed + failed
	if failed == 0 {
		fmt.Fprintf(&b, "All %d tests passed.\n", passed)
	} else {
		fmt.Fprintf(&b, "%d/%d tests failed.\n", failed, total)
		if cfg.SerialLogPath != "" {
			fmt.Fprintf(&b, "Full serial log saved to: %s\n", cfg.SerialLogPath)
		}
	}
	b.WriteString("\n")

	// Metrics endpoint
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n")

	return b.String()
}

// formatBasicSummary formats a minimal summary when run statistics are
// not available, such as when the run aborted before any step started.
func formatBasicSummary(cfg SummaryConfig) string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n")
	b.WriteString("                              vmtest Exit Summary\n")
	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n\n")

	if cfg.Project != "" {
		fmt.Fprintf(&b, "Project:                %s\n", cfg.Project)
	}
	if cfg.RunID != "" {
		fmt.Fprintf(&b, "Run ID:                 %s\n", cfg.RunID)
	}
	b.WriteString("\n(No statistics were collected for this run)\n\n")

	if cfg.MetricsAddr != "" {
		fmt.Fprintf(&b, "Metrics endpoint was: http://%s/metrics\n", cfg.MetricsAddr)
	}

	b.WriteString("═══════════════════════════════════════════════════════════════════════════════\n")

	return b.String()
}

// stepLabel returns the display label for a step status.
func stepLabel(s StepStatus) string {
	switch s {
	case StepPassed:
		return "PASS"
	case StepFailed:
		return "FAIL"
	case StepSkipped:
		return "SKIP"
	default:
		return strings.ToUpper(string(s))
	}
}

// exitCodeLabel returns a human-readable label for common exit codes.
func exitCodeLabel(code int) string {
	switch code {
	case 0:
		return "(clean)"
	case 1:
		return "(error)"
	case 137:
		return "(SIGKILL)"
	case 143:
		return "(SIGTERM)"
	default:
		return ""
	}
}

// =============================================================================
// Formatting Helper Functions (exported for reuse)
// =============================================================================

// FormatDuration formats a duration as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// FormatSeconds formats a duration as seconds with one decimal.
func FormatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// FormatNumber formats a number with K/M suffixes for readability.
func FormatNumber(n int64) string {
	if n >= 1_000_000 {
		return fmt.Sprintf("%.1fM", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.1fK", float64(n)/1_000)
	}
	return fmt.Sprintf("%d", n)
}

// FormatBytes formats bytes with KB/MB/GB suffixes.
func FormatBytes(n int64) string {
	if n >= 1_000_000_000 {
		return fmt.Sprintf("%.2f GB", float64(n)/1_000_000_000)
	}
	if n >= 1_000_000 {
		return fmt.Sprintf("%.2f MB", float64(n)/1_000_000)
	}
	if n >= 1_000 {
		return fmt.Sprintf("%.2f KB", float64(n)/1_000)
	}
	return fmt.Sprintf("%d B", n)
}

// FormatMs formats a duration as milliseconds.
func FormatMs(d time.Duration) string {
	ms := d.Milliseconds()
	if ms == 0 && d > 0 {
		// Sub-millisecond, show microseconds
		return fmt.Sprintf("%d µs", d.Microseconds())
	}
	return fmt.Sprintf("%d ms", ms)
}

// FormatRate formats a rate with appropriate precision.
func FormatRate(rate float64) string {
	if rate >= 1000 {
		return fmt.Sprintf("%.1fK/s", rate/1000)
	}
	if rate >= 1 {
		return fmt.Sprintf("%.1f/s", rate)
	}
	return fmt.Sprintf("%.2f/s", rate)
}
