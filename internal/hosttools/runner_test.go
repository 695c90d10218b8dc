package hosttools

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	r := NewRunner(slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.Timeout = 10 * time.Second
	return r
}

func TestRun_Success(t *testing.T) {
	r := newTestRunner(t)
	res, err := r.Run(context.Background(), []string{"echo", "hello"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(string(res.Stdout), "hello") {
		t.Errorf("Stdout = %q, want to contain 'hello'", res.Stdout)
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}
}

func TestRun_NonZeroExit(t *testing.T) {
	r := newTestRunner(t)
	res, err := r.Run(context.Background(), []string{"sh", "-c", "exit 3"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestRun_BinaryNotFound(t *testing.T) {
	r := newTestRunner(t)
	_, err := r.Run(context.Background(), []string{"nonexistent-binary-xyz-123"}, "")
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	if !strings.Contains(err.Error(), "nonexistent-binary-xyz-123") {
		t.Errorf("error = %q, want to mention the binary name", err)
	}
}

func TestRun_EmptyArgv(t *testing.T) {
	r := newTestRunner(t)
	_, err := r.Run(context.Background(), nil, "")
	if err == nil {
		t.Fatal("expected error for empty argv")
	}
}

func TestRun_WorkingDirectory(t *testing.T) {
	r := newTestRunner(t)
	dir := t.TempDir()

	res, err := r.Run(context.Background(), []string{"pwd"}, dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(res.Stdout), dir) {
		t.Errorf("Stdout = %q, want to contain %q", res.Stdout, dir)
	}
}

func TestRun_Timeout(t *testing.T) {
	r := newTestRunner(t)
	r.Timeout = 100 * time.Millisecond

	start := time.Now()
	res, err := r.Run(context.Background(), []string{"sleep", "10"}, "")
	elapsed := time.Since(start)

	if elapsed > 5*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
	// The kill produces either a timeout error or a signaled exit code.
	if err == nil && res.ExitCode == 0 {
		t.Error("expected a timeout error or non-zero exit code")
	}
}

func TestRun_OutputTruncation(t *testing.T) {
	r := newTestRunner(t)
	r.MaxOutput = 100 // very small cap

	res, err := r.Run(context.Background(), []string{"sh", "-c", "dd if=/dev/zero bs=200 count=1 2>/dev/null"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Truncated {
		t.Error("Truncated = false, want true")
	}
	if len(res.Stdout) > r.MaxOutput {
		t.Errorf("len(Stdout) = %d, want <= %d", len(res.Stdout), r.MaxOutput)
	}
}

func TestRunChecked(t *testing.T) {
	t.Run("zero_exit_passes_through", func(t *testing.T) {
		r := newTestRunner(t)
		res, err := r.RunChecked(context.Background(), []string{"true"}, "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.ExitCode != 0 {
			t.Errorf("ExitCode = %d, want 0", res.ExitCode)
		}
	})

	t.Run("nonzero_exit_is_error_with_stderr", func(t *testing.T) {
		r := newTestRunner(t)
		_, err := r.RunChecked(context.Background(), []string{"sh", "-c", "echo boom >&2; exit 2"}, "")
		if err == nil {
			t.Fatal("expected error for non-zero exit")
		}
		if !strings.Contains(err.Error(), "code 2") {
			t.Errorf("error = %q, want exit code", err)
		}
		if !strings.Contains(err.Error(), "boom") {
			t.Errorf("error = %q, want stderr tail", err)
		}
	})

	t.Run("falls_back_to_stdout", func(t *testing.T) {
		r := newTestRunner(t)
		_, err := r.RunChecked(context.Background(), []string{"sh", "-c", "echo details; exit 1"}, "")
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(err.Error(), "details") {
			t.Errorf("error = %q, want stdout fallback", err)
		}
	})
}
