package console

import (
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"
)

// execBuilder builds plain host commands so tests can drive the
// console without a VM.
type execBuilder struct {
	name string
	argv []string
}

func (b execBuilder) BuildCommand(ctx context.Context) (*exec.Cmd, error) {
	return exec.CommandContext(ctx, b.argv[0], b.argv[1:]...), nil
}

func (b execBuilder) Name() string { return b.name }

func shBuilder(script string) execBuilder {
	return execBuilder{name: "sh", argv: []string{"sh", "-c", script}}
}

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not found in PATH, skipping", name)
	}
}

func newTestDriver(t *testing.T, b CommandBuilder) *Driver {
	t.Helper()
	d := New(Config{
		Builder:   b,
		SendDelay: 10 * time.Millisecond,
		StopGrace: 2 * time.Second,
	})
	t.Cleanup(d.Stop)
	return d
}

func mustStart(t *testing.T, d *Driver) {
	t.Helper()
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestExpect_ConsumesThroughMatchEnd(t *testing.T) {
	requireTool(t, "sh")

	d := newTestDriver(t, shBuilder(`printf 'alpha beta gamma'`))
	mustStart(t, d)

	if _, err := d.Expect(regexp.MustCompile(`beta`), 5*time.Second); err != nil {
		t.Fatalf("expect beta: %v", err)
	}

	// alpha was consumed along with beta, so it can never match again.
	_, err := d.Expect(regexp.MustCompile(`alpha`), 200*time.Millisecond)
	var timeoutErr *ExpectTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expect alpha: got %v, want ExpectTimeoutError", err)
	}

	// gamma is after the match end and still matchable.
	if _, err := d.Expect(regexp.MustCompile(`gamma`), 5*time.Second); err != nil {
		t.Fatalf("expect gamma: %v", err)
	}

	// The transcript keeps consumed bytes.
	if got := string(d.Transcript()); !strings.Contains(got, "alpha beta gamma") {
		t.Errorf("transcript = %q, want full output", got)
	}
}

func TestExpect_MatchSplitAcrossChunks(t *testing.T) {
	requireTool(t, "sh")

	d := newTestDriver(t, shBuilder(`printf AB; sleep 0.3; printf CD`))
	mustStart(t, d)

	// BC only exists once both writes have been buffered.
	if _, err := d.Expect(regexp.MustCompile(`BC`), 5*time.Second); err != nil {
		t.Fatalf("expect BC: %v", err)
	}
}

func TestExpect_TimeoutOnSilence(t *testing.T) {
	requireTool(t, "sleep")

	d := newTestDriver(t, execBuilder{name: "sleep", argv: []string{"sleep", "5"}})
	mustStart(t, d)

	start := time.Now()
	_, err := d.Expect(regexp.MustCompile(`ready`), 700*time.Millisecond)
	elapsed := time.Since(start)

	var timeoutErr *ExpectTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("got %v, want ExpectTimeoutError", err)
	}
	if timeoutErr.Pattern != "ready" {
		t.Errorf("Pattern = %q", timeoutErr.Pattern)
	}
	if elapsed < 700*time.Millisecond {
		t.Errorf("returned before the deadline: %s", elapsed)
	}
	if elapsed > 3*time.Second {
		t.Errorf("returned far past the deadline: %s", elapsed)
	}
}

func TestExpect_TimeoutCarriesBufferTail(t *testing.T) {
	requireTool(t, "sh")

	d := newTestDriver(t, shBuilder(`printf 'boot noise here'; sleep 5`))
	mustStart(t, d)

	_, err := d.Expect(regexp.MustCompile(`login:`), 600*time.Millisecond)
	var timeoutErr *ExpectTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("got %v, want ExpectTimeoutError", err)
	}
	if !strings.Contains(string(timeoutErr.Tail), "boot noise here") {
		t.Errorf("Tail = %q, want buffered output", timeoutErr.Tail)
	}
	if !strings.Contains(err.Error(), "boot noise here") {
		t.Errorf("error message %q does not show the tail", err)
	}
}

func TestExpect_DeadProcessDetected(t *testing.T) {
	requireTool(t, "sh")

	t.Run("clean_exit", func(t *testing.T) {
		d := newTestDriver(t, shBuilder(`exit 0`))
		mustStart(t, d)

		start := time.Now()
		_, err := d.Expect(regexp.MustCompile(`never`), 10*time.Second)
		elapsed := time.Since(start)

		var exitErr *ProcessExitedError
		if !errors.As(err, &exitErr) {
			t.Fatalf("got %v, want ProcessExitedError", err)
		}
		if exitErr.ExitCode != 0 {
			t.Errorf("ExitCode = %d, want 0", exitErr.ExitCode)
		}
		// Death must be reported promptly, not at the deadline.
		if elapsed > 5*time.Second {
			t.Errorf("took %s to notice the dead process", elapsed)
		}
	})

	t.Run("nonzero_exit_code", func(t *testing.T) {
		d := newTestDriver(t, shBuilder(`exit 3`))
		mustStart(t, d)

		_, err := d.Expect(regexp.MustCompile(`never`), 10*time.Second)
		var exitErr *ProcessExitedError
		if !errors.As(err, &exitErr) {
			t.Fatalf("got %v, want ProcessExitedError", err)
		}
		if exitErr.ExitCode != 3 {
			t.Errorf("ExitCode = %d, want 3", exitErr.ExitCode)
		}
	})

	t.Run("buffered_output_still_matches_first", func(t *testing.T) {
		d := newTestDriver(t, shBuilder(`printf 'last words'; exit 1`))
		mustStart(t, d)

		if _, err := d.Expect(regexp.MustCompile(`last words`), 5*time.Second); err != nil {
			t.Fatalf("expect: %v", err)
		}
	})
}

func TestExpect_ZeroTimeoutScansBufferedOutput(t *testing.T) {
	requireTool(t, "sh")

	d := newTestDriver(t, shBuilder(`printf 'hello'; sleep 5`))
	mustStart(t, d)

	// Consume the front half, leaving "lo" in the working buffer.
	if _, err := d.Expect(regexp.MustCompile(`hel`), 5*time.Second); err != nil {
		t.Fatalf("expect hel: %v", err)
	}

	// Zero timeout still gets one match pass over what is buffered.
	if _, err := d.Expect(regexp.MustCompile(`lo`), 0); err != nil {
		t.Fatalf("expect lo with zero timeout: %v", err)
	}

	// And fails fast when the buffer cannot satisfy it.
	start := time.Now()
	_, err := d.Expect(regexp.MustCompile(`absent`), 0)
	var timeoutErr *ExpectTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("got %v, want ExpectTimeoutError", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("zero timeout took %s", elapsed)
	}
}

func TestExpect_EmptyPatternConsumesNothing(t *testing.T) {
	requireTool(t, "sh")

	d := newTestDriver(t, shBuilder(`printf 'payload'; sleep 5`))
	mustStart(t, d)

	if _, err := d.Expect(regexp.MustCompile(`payload`), 5*time.Second); err != nil {
		t.Fatalf("expect payload: %v", err)
	}
	if _, err := d.Expect(regexp.MustCompile(``), 5*time.Second); err != nil {
		t.Fatalf("expect empty: %v", err)
	}
}

func TestSendCommand_MarkerRoundTrip(t *testing.T) {
	requireTool(t, "sh")

	d := New(Config{
		Builder:    execBuilder{name: "sh", argv: []string{"sh"}},
		LineEnding: "\n",
		SendDelay:  10 * time.Millisecond,
		StopGrace:  2 * time.Second,
	})
	t.Cleanup(d.Stop)
	mustStart(t, d)

	if _, err := d.SendCommand("echo round_trip_ok", 5*time.Second); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	transcript := string(d.Transcript())
	if !strings.Contains(transcript, "round_trip_ok") {
		t.Errorf("transcript = %q, want command output", transcript)
	}
	if !strings.Contains(transcript, "__D1__") {
		t.Errorf("transcript = %q, want first marker", transcript)
	}

	// The command's output was consumed together with the marker.
	_, err := d.Expect(regexp.MustCompile(`round_trip_ok`), 200*time.Millisecond)
	var timeoutErr *ExpectTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("got %v, want ExpectTimeoutError", err)
	}
}

func TestSendCommand_MarkersUniqueAndIncreasing(t *testing.T) {
	requireTool(t, "sh")

	var markers []string
	d := New(Config{
		Builder:    execBuilder{name: "sh", argv: []string{"sh"}},
		LineEnding: "\n",
		SendDelay:  10 * time.Millisecond,
		StopGrace:  2 * time.Second,
		Callbacks: Callbacks{
			OnCommand: func(marker string) { markers = append(markers, marker) },
		},
	})
	t.Cleanup(d.Stop)
	mustStart(t, d)

	for i := 0; i < 3; i++ {
		if _, err := d.SendCommand("true", 5*time.Second); err != nil {
			t.Fatalf("SendCommand %d: %v", i, err)
		}
	}

	want := []string{"__D1__", "__D2__", "__D3__"}
	if len(markers) != len(want) {
		t.Fatalf("markers = %v, want %v", markers, want)
	}
	seen := map[string]bool{}
	for i, m := range markers {
		if m != want[i] {
			t.Errorf("marker[%d] = %q, want %q", i, m, want[i])
		}
		if seen[m] {
			t.Errorf("marker %q repeated", m)
		}
		seen[m] = true
	}
}

func TestSendCommand_FreshDriverRestartsNumbering(t *testing.T) {
	requireTool(t, "sh")

	for run := 0; run < 2; run++ {
		var first string
		d := New(Config{
			Builder:    execBuilder{name: "sh", argv: []string{"sh"}},
			LineEnding: "\n",
			SendDelay:  10 * time.Millisecond,
			StopGrace:  2 * time.Second,
			Callbacks: Callbacks{
				OnCommand: func(marker string) {
					if first == "" {
						first = marker
					}
				},
			},
		})
		mustStart(t, d)
		if _, err := d.SendCommand("true", 5*time.Second); err != nil {
			t.Fatalf("run %d SendCommand: %v", run, err)
		}
		d.Stop()

		if first != "__D1__" {
			t.Errorf("run %d first marker = %q, want __D1__", run, first)
		}
	}
}

func TestSendCommand_ConfiguredDefaultTimeout(t *testing.T) {
	requireTool(t, "sh")

	// A guest that never answers: the zero-timeout send falls back to
	// the configured command timeout, not the package default.
	d := New(Config{
		Builder:        shBuilder(`sleep 5`),
		LineEnding:     "\n",
		CommandTimeout: 300 * time.Millisecond,
		SendDelay:      10 * time.Millisecond,
		StopGrace:      2 * time.Second,
	})
	t.Cleanup(d.Stop)
	mustStart(t, d)

	start := time.Now()
	_, err := d.SendCommand("echo never_answered", 0)
	elapsed := time.Since(start)

	var timeoutErr *ExpectTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("got %v, want ExpectTimeoutError", err)
	}
	if timeoutErr.Timeout != 300*time.Millisecond {
		t.Errorf("Timeout = %s, want 300ms", timeoutErr.Timeout)
	}
	if elapsed > 3*time.Second {
		t.Errorf("returned far past the configured timeout: %s", elapsed)
	}
}

func TestStop_Idempotent(t *testing.T) {
	requireTool(t, "sleep")

	d := newTestDriver(t, execBuilder{name: "sleep", argv: []string{"sleep", "30"}})
	mustStart(t, d)

	start := time.Now()
	d.Stop()
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Stop took %s, SIGTERM should have sufficed", elapsed)
	}
	if d.Running() {
		t.Error("driver still running after Stop")
	}

	// Second stop is a no-op.
	d.Stop()
}

func TestWaitForExit(t *testing.T) {
	requireTool(t, "sh")

	t.Run("voluntary_exit_returns_code", func(t *testing.T) {
		d := newTestDriver(t, shBuilder(`sleep 0.2; exit 7`))
		mustStart(t, d)

		code, err := d.WaitForExit(5 * time.Second)
		if err != nil {
			t.Fatalf("WaitForExit: %v", err)
		}
		if code != 7 {
			t.Errorf("exit code = %d, want 7", code)
		}
	})

	t.Run("timeout_kills_the_guest", func(t *testing.T) {
		d := newTestDriver(t, execBuilder{name: "sleep", argv: []string{"sleep", "30"}})
		mustStart(t, d)

		start := time.Now()
		_, err := d.WaitForExit(300 * time.Millisecond)
		if err == nil {
			t.Fatal("WaitForExit returned nil, want timeout error")
		}
		if elapsed := time.Since(start); elapsed > 3*time.Second {
			t.Errorf("WaitForExit took %s after timeout", elapsed)
		}
		if d.Running() {
			t.Error("guest still running after kill")
		}
	})
}

func TestExitCode(t *testing.T) {
	requireTool(t, "sh")

	t.Run("before_start", func(t *testing.T) {
		d := New(Config{Builder: shBuilder(`true`)})
		if _, exited := d.ExitCode(); exited {
			t.Error("ExitCode reports exited before Start")
		}
	})

	t.Run("while_running", func(t *testing.T) {
		d := newTestDriver(t, execBuilder{name: "sleep", argv: []string{"sleep", "30"}})
		mustStart(t, d)

		if _, exited := d.ExitCode(); exited {
			t.Error("ExitCode reports exited while running")
		}
	})

	t.Run("after_exit", func(t *testing.T) {
		d := newTestDriver(t, shBuilder(`exit 5`))
		mustStart(t, d)

		if _, err := d.WaitForExit(5 * time.Second); err != nil {
			t.Fatalf("WaitForExit: %v", err)
		}
		code, exited := d.ExitCode()
		if !exited {
			t.Fatal("ExitCode reports not exited after WaitForExit")
		}
		if code != 5 {
			t.Errorf("exit code = %d, want 5", code)
		}
	})
}

func TestStart(t *testing.T) {
	t.Run("missing_binary_is_launch_error", func(t *testing.T) {
		d := New(Config{
			Builder: execBuilder{
				name: "missing",
				argv: []string{"/nonexistent/vmtest-no-such-binary"},
			},
		})

		err := d.Start(context.Background())
		var launchErr *LaunchError
		if !errors.As(err, &launchErr) {
			t.Fatalf("got %v, want LaunchError", err)
		}
	})

	t.Run("double_start_rejected", func(t *testing.T) {
		requireTool(t, "sleep")

		d := newTestDriver(t, execBuilder{name: "sleep", argv: []string{"sleep", "30"}})
		mustStart(t, d)

		if err := d.Start(context.Background()); err == nil {
			t.Error("second Start returned nil, want error")
		}
	})
}

func TestExpect_EchoSinkSeesAllOutput(t *testing.T) {
	requireTool(t, "sh")

	var echo strings.Builder
	d := New(Config{
		Builder:   shBuilder(`printf 'echoed output'`),
		Echo:      &echo,
		SendDelay: 10 * time.Millisecond,
		StopGrace: 2 * time.Second,
	})
	t.Cleanup(d.Stop)
	mustStart(t, d)

	if _, err := d.Expect(regexp.MustCompile(`echoed output`), 5*time.Second); err != nil {
		t.Fatalf("expect: %v", err)
	}
	if !strings.Contains(echo.String(), "echoed output") {
		t.Errorf("echo sink = %q", echo.String())
	}
}
