// Package suite runs the guest test steps against a console driver,
// printing one result line per step and reporting outcomes.
package suite

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/fornax-os/vmtest/internal/console"
	"github.com/fornax-os/vmtest/internal/stats"
)

// Step is one named guest test executed over the console.
type Step struct {
	Name string
	Run  func(d *console.Driver) error
}

// Callbacks let the harness observe step progress. All callbacks are
// optional and must not block.
type Callbacks struct {
	// OnStepStart fires before a step runs.
	OnStepStart func(name string)

	// OnStepDone fires after a step passes, fails or is skipped.
	OnStepDone func(res stats.StepResult)
}

// Config configures a step runner.
type Config struct {
	// Logger receives step lifecycle events. Defaults to a discard
	// logger.
	Logger *slog.Logger

	// Out receives the [TEST] progress lines. Defaults to os.Stderr.
	Out io.Writer

	Callbacks Callbacks
}

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// Runner executes steps sequentially. The first failure stops the run:
// a broken guest is not driven further, and the remaining steps are
// recorded as skipped.
type Runner struct {
	logger    *slog.Logger
	out       io.Writer
	callbacks Callbacks
}

// NewRunner returns a runner for the given configuration.
func NewRunner(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}
	return &Runner{
		logger:    logger,
		out:       out,
		callbacks: cfg.Callbacks,
	}
}

// Run executes the steps in order against the console driver and
// returns one result per step. Context cancellation between steps
// counts as a failure so an interrupted run never reports success.
func (r *Runner) Run(ctx context.Context, d *console.Driver, steps []Step) []stats.StepResult {
	results := make([]stats.StepResult, 0, len(steps))
	failed := false

	for _, step := range steps {
		if failed {
			results = append(results, r.finish(stats.StepResult{
				Name:   step.Name,
				Status: stats.StepSkipped,
			}))
			continue
		}

		if ctx.Err() != nil {
			failed = true
			r.printFail(step.Name, "interrupted")
			results = append(results, r.finish(stats.StepResult{
				Name:   step.Name,
				Status: stats.StepFailed,
				Reason: "interrupted",
			}))
			continue
		}

		if r.callbacks.OnStepStart != nil {
			r.callbacks.OnStepStart(step.Name)
		}
		r.logger.Info("test_step_starting", "step", step.Name)

		start := time.Now()
		err := step.Run(d)
		res := stats.StepResult{
			Name:     step.Name,
			Duration: time.Since(start),
		}

		if err != nil {
			failed = true
			res.Status = stats.StepFailed
			res.Reason = err.Error()
			r.printFail(step.Name, res.Reason)
			r.logger.Error("test_step_failed",
				"step", step.Name,
				"duration", res.Duration,
				"error", err,
			)
		} else {
			res.Status = stats.StepPassed
			r.printPass(step.Name)
			r.logger.Info("test_step_passed",
				"step", step.Name,
				"duration", res.Duration,
			)
		}
		results = append(results, r.finish(res))
	}

	return results
}

func (r *Runner) finish(res stats.StepResult) stats.StepResult {
	if r.callbacks.OnStepDone != nil {
		r.callbacks.OnStepDone(res)
	}
	return res
}

func (r *Runner) printPass(name string) {
	fmt.Fprintf(r.out, "%s %s... %s\n",
		passStyle.Render("[TEST]"), name, passStyle.Render("PASS"))
}

func (r *Runner) printFail(name, reason string) {
	fmt.Fprintf(r.out, "%s %s... %s: %s\n",
		failStyle.Render("[TEST]"), name, failStyle.Render("FAIL"), reason)
}
