// Package hosttools executes build and image tooling on the host with
// timeouts and output size limits.
package hosttools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultTimeout bounds a single host command. Full system builds
	// dominate, so this is generous.
	DefaultTimeout = 10 * time.Minute

	// DefaultMaxOutput caps captured stdout/stderr per stream.
	DefaultMaxOutput = 1 << 20

	// errTailBytes is how much captured stderr a failure error carries.
	errTailBytes = 2048
)

// Runner executes host commands with bounded runtime and output.
type Runner struct {
	Logger    *slog.Logger
	Timeout   time.Duration
	MaxOutput int // bytes per stream
}

// NewRunner returns a Runner with defaults filled in.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Logger:    logger,
		Timeout:   DefaultTimeout,
		MaxOutput: DefaultMaxOutput,
	}
}

// Run executes a command with the given argv. The first element is the
// binary name (resolved via PATH), and the rest are arguments. dir is the
// working directory, empty for the current one. A non-zero exit status is
// reported in the Result, not as an error.
func (r *Runner) Run(ctx context.Context, argv []string, dir string) (*Result, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	maxOutput := r.MaxOutput
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runID := uuid.New().String()
	start := time.Now()

	r.Logger.Debug("host_command",
		"run_id", runID,
		"argv", strings.Join(argv, " "),
		"dir", dir)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitWriter{buf: &stdout, limit: maxOutput}
	cmd.Stderr = &limitWriter{buf: &stderr, limit: maxOutput}

	runErr := cmd.Run()

	truncated := stdout.Len() >= maxOutput || stderr.Len() >= maxOutput

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return nil, fmt.Errorf("%s timed out after %s", argv[0], timeout)
		} else {
			// Binary not found or other exec error.
			return nil, fmt.Errorf("executing %s: %w", argv[0], runErr)
		}
	}

	r.Logger.Debug("host_command_done",
		"run_id", runID,
		"exit_code", exitCode,
		"duration", time.Since(start).Round(time.Millisecond),
		"truncated", truncated)

	return &Result{
		RunID:     runID,
		ExitCode:  exitCode,
		Stdout:    stdout.Bytes(),
		Stderr:    stderr.Bytes(),
		Truncated: truncated,
	}, nil
}

// RunChecked is Run plus an error for any non-zero exit status. The error
// message carries the tail of stderr for diagnosis.
func (r *Runner) RunChecked(ctx context.Context, argv []string, dir string) (*Result, error) {
	res, err := r.Run(ctx, argv, dir)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		tail := res.Stderr
		if len(tail) == 0 {
			tail = res.Stdout
		}
		if len(tail) > errTailBytes {
			tail = tail[len(tail)-errTailBytes:]
		}
		return res, fmt.Errorf("%s exited with code %d: %s",
			argv[0], res.ExitCode, strings.TrimSpace(string(tail)))
	}
	return res, nil
}

// limitWriter writes up to limit bytes to buf, then silently discards the rest.
type limitWriter struct {
	buf   *bytes.Buffer
	limit int
}

func (w *limitWriter) Write(p []byte) (int, error) {
	remaining := w.limit - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil // discard
	}
	if len(p) > remaining {
		// Write only what fits, but report all bytes as consumed
		// to avoid short write errors from io.Copy.
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}
