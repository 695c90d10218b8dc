package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fornax-os/vmtest/internal/config"
	"github.com/fornax-os/vmtest/internal/logging"
	"github.com/fornax-os/vmtest/internal/preflight"
)

// guestScript stands in for QEMU and answers the full standard suite
// over stdin/stdout: the login dialogue, a canned response per command,
// the trailing completion markers, and a clean exit on shutdown. The
// driver terminates sent lines with the serial Enter byte, so reads are
// delimited on '\r'. QEMU's own argv is ignored.
const guestScript = `#!/bin/bash
printf 'fornax login: '
IFS= read -r -d $'\r' user
echo "Welcome $user"
printf 'root@fornax# '
trunc=0
while IFS= read -r -d $'\r' line; do
  echo "$line"
  case "$line" in
    "shutdown") exit 0 ;;
    "cat /tmp/basic.txt"*) echo "testdata_Z9" ;;
    "cat /dev/time"*) echo "1755000000 42" ;;
    "date +%s"*) echo "1755000005" ;;
    "date -I"*) echo "2025-08-25" ;;
    "date;"*) echo "Mon Aug 25 10:00:00 UTC 2025" ;;
    "uptime"*) echo "up 1h 23m" ;;
    "fay sync") echo "downloaded 512 bytes"; printf 'root@fornax# ' ;;
    "fay install xxd") echo "xxd 1.0.0-1 installed"; printf 'root@fornax# ' ;;
    "xxd /tmp/xxd_test.txt"*) echo "00000000: 6865 6c6c 6f0a  hello." ;;
    "cat /tmp/fstest/small.txt"*) echo "fs_hello_world" ;;
    "cat /tmp/fstest/renamed.txt"*) echo "fs_hello_world" ;;
    "truncate "*) trunc=1 ;;
    "wc -c /tmp/fstest/medium.bin"*)
      if [ "$trunc" = 1 ]; then echo "1024 /tmp/fstest/medium.bin"
      else echo "65536 /tmp/fstest/medium.bin"; fi ;;
    "wc -c /tmp/fstest/large.bin"*) echo "262144 /tmp/fstest/large.bin" ;;
    "ls /tmp/fstest/many | wc -l"*) echo "5" ;;
    "cat /tmp/fstest/many/f3.txt"*) echo "content_3" ;;
  esac
  case "$line" in
    *"; echo __"*) echo "${line##* }" ;;
  esac
done
`

// silentGuest boots to a shell prompt and then swallows every command
// without answering.
const silentGuest = `#!/bin/bash
printf 'fornax login: '
IFS= read -r -d $'\r' user
echo "Welcome $user"
printf 'root@fornax# '
while IFS= read -r -d $'\r' line; do :; done
`

func requireTool(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not found in PATH, skipping", name)
	}
}

func writeScript(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o755); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

// fakeProject lays out the build artifacts the artifact check and the
// disk image builder expect under zig-out/. The image tools only need
// to exist and succeed: the blank image is created by the builder
// itself, so stub scripts suffice.
func fakeProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	binDir := filepath.Join(dir, "zig-out", "bin")
	pkgDir := filepath.Join(dir, "zig-out", "test-packages")
	espDir := filepath.Join(dir, "zig-out", "esp")
	for _, d := range []string{binDir, pkgDir, espDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatalf("MkdirAll %s: %v", d, err)
		}
	}

	writeScript(t, binDir, "mkgpt", "#!/bin/sh\nexit 0\n")
	writeScript(t, binDir, "mkfxfs", "#!/bin/sh\nexit 0\n")
	writeScript(t, pkgDir, "xxd", "#!/bin/sh\nexit 0\n")
	return dir
}

func fakeFirmware(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "OVMF_CODE.fd")
	if err := os.WriteFile(path, []byte("fake firmware"), 0o644); err != nil {
		t.Fatalf("writing firmware: %v", err)
	}
	return path
}

func discardLogger() *slog.Logger {
	return logging.NewLoggerWithWriter(io.Discard, "text", "info")
}

// testConfig wires a complete run against the given guest script with
// fast timing and no terminal output.
func testConfig(t *testing.T, guest string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ProjectDir = fakeProject(t)
	cfg.QemuPath = guest
	cfg.FirmwarePath = fakeFirmware(t)
	cfg.RepoAddr = "127.0.0.1:0"
	cfg.SkipBuild = true
	cfg.SkipPreflight = true
	cfg.EchoSerial = false
	cfg.DiskSizeMiB = 4
	cfg.BootTimeout = 15 * time.Second
	cfg.LoginTimeout = 10 * time.Second
	cfg.SendDelay = 10 * time.Millisecond
	cfg.StopGrace = 2 * time.Second
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.SerialLogPath = filepath.Join(t.TempDir(), "serial.log")
	return cfg
}

func TestRun_FullSuitePasses(t *testing.T) {
	requireTool(t, "bash")

	guest := writeScript(t, t.TempDir(), "guest.sh", guestScript)
	cfg := testConfig(t, guest)
	o := New(cfg, discardLogger(), "test")

	if err := o.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v\nsteps: %+v", err, o.RunStats().Steps())
	}

	passed, failed, skipped := o.RunStats().StepCounts()
	if passed != 6 || failed != 0 || skipped != 0 {
		t.Errorf("steps = %d passed, %d failed, %d skipped, want 6/0/0",
			passed, failed, skipped)
	}

	// The console callbacks feed the run statistics.
	rs := o.RunStats()
	if rs.BytesRead() == 0 {
		t.Error("no serial bytes recorded")
	}
	if rs.CommandsSent() == 0 {
		t.Error("no commands recorded")
	}
	matches, timeouts := rs.ExpectCounts()
	if matches == 0 {
		t.Error("no expect matches recorded")
	}
	if timeouts != 0 {
		t.Errorf("expect timeouts = %d, want 0", timeouts)
	}

	// A passing run leaves no diagnostic transcript behind.
	if _, err := os.Stat(cfg.SerialLogFile()); !os.IsNotExist(err) {
		t.Errorf("serial log stat = %v, want not-exist", err)
	}
}

func TestRun_StepFailureSavesSerialLog(t *testing.T) {
	requireTool(t, "bash")

	guest := writeScript(t, t.TempDir(), "guest.sh", silentGuest)
	cfg := testConfig(t, guest)
	cfg.CommandTimeout = time.Second

	o := New(cfg, discardLogger(), "test")
	err := o.Run(context.Background())
	if err == nil {
		t.Fatal("Run returned nil for a failing suite")
	}
	if !strings.Contains(err.Error(), "1/2 tests failed") {
		t.Errorf("error = %q, want 1/2 tests failed", err)
	}

	// boot_login passed, basic_commands timed out, the rest never ran.
	passed, failed, skipped := o.RunStats().StepCounts()
	if passed != 1 || failed != 1 || skipped != 4 {
		t.Errorf("steps = %d passed, %d failed, %d skipped, want 1/1/4",
			passed, failed, skipped)
	}

	data, rerr := os.ReadFile(cfg.SerialLogFile())
	if rerr != nil {
		t.Fatalf("reading serial log: %v", rerr)
	}
	if !strings.Contains(string(data), "Welcome root") {
		t.Errorf("serial log = %q, want the login dialogue", data)
	}
}

func TestRun_CancelledContextFailsTheRun(t *testing.T) {
	requireTool(t, "bash")

	guest := writeScript(t, t.TempDir(), "guest.sh", silentGuest)
	cfg := testConfig(t, guest)
	// Long enough that only cancellation can end the in-flight expect.
	cfg.CommandTimeout = 30 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	o := New(cfg, discardLogger(), "test")
	start := time.Now()
	err := o.Run(ctx)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Run returned nil after cancellation")
	}
	if !strings.Contains(err.Error(), "tests failed") {
		t.Errorf("error = %q, want a failed-tests error", err)
	}
	// Cancellation kills the guest; the run must not sit out the
	// command timeout.
	if elapsed > 15*time.Second {
		t.Errorf("Run took %s after cancellation", elapsed)
	}

	passed, failed, _ := o.RunStats().StepCounts()
	if passed != 1 || failed != 1 {
		t.Errorf("steps = %d passed, %d failed, want 1 passed, 1 failed",
			passed, failed)
	}
}

func TestRun_CheckModeReportsBrokenEnvironment(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Check = true
	cfg.QemuPath = "/nonexistent/vmtest-qemu"
	cfg.FirmwarePath = filepath.Join(t.TempDir(), "missing.fd")
	cfg.RepoAddr = "127.0.0.1:0"
	cfg.SkipBuild = true // zig absence degrades to a warning

	o := New(cfg, discardLogger(), "test")
	err := o.Run(context.Background())

	var pfErr *preflight.Error
	if !errors.As(err, &pfErr) {
		t.Fatalf("got %v, want *preflight.Error", err)
	}
	failed := map[string]bool{}
	for _, c := range pfErr.Failed {
		failed[c.Name] = true
	}
	if !failed["qemu"] || !failed["firmware"] {
		t.Errorf("failed checks = %v, want qemu and firmware", pfErr.Failed)
	}
}

func TestRun_MissingArtifactsFailBeforeBoot(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ProjectDir = t.TempDir() // no zig-out tree at all
	cfg.QemuPath = "/nonexistent/vmtest-qemu"
	cfg.FirmwarePath = fakeFirmware(t)
	cfg.RepoAddr = "127.0.0.1:0"
	cfg.SkipBuild = true
	cfg.SkipPreflight = true

	o := New(cfg, discardLogger(), "test")
	err := o.Run(context.Background())

	var pfErr *preflight.Error
	if !errors.As(err, &pfErr) {
		t.Fatalf("got %v, want *preflight.Error", err)
	}
	if len(pfErr.Failed) != 4 {
		t.Errorf("failed checks = %v, want all four artifacts", pfErr.Failed)
	}
}

func TestNew_Accessors(t *testing.T) {
	o := New(config.DefaultConfig(), discardLogger(), "v1.2.3")

	if o.Collector() == nil {
		t.Fatal("Collector is nil")
	}
	if o.Collector().RunID() == "" {
		t.Error("RunID is empty")
	}
	if o.RunStats() == nil {
		t.Fatal("RunStats is nil")
	}
}
