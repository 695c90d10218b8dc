// Package console drives a guest operating system over its serial
// console. It launches the guest as a subprocess with the serial port
// mapped to stdin/stdout, then synchronizes on guest output with
// regular expressions: write a line, wait for a pattern, repeat.
//
// Output handling follows the expect model. Every byte read from the
// guest lands in two places: a working buffer that expectations match
// against and consume from, and an append-only transcript kept for
// failure diagnostics. A successful match discards the buffer through
// the match end, so the same bytes can never satisfy two expectations
// and matching always moves forward through the stream.
//
// A Driver is owned by a single goroutine. Start, Expect, SendLine,
// SendCommand, Stop and WaitForExit must all be called from the same
// goroutine; only the internal reader runs concurrently.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"syscall"
	"time"
)

const (
	// DefaultCommandTimeout bounds SendCommand when the caller passes
	// a non-positive timeout.
	DefaultCommandTimeout = 15 * time.Second

	// DefaultSendDelay is the pause after each line write. Serial
	// consoles drop input bursts during boot; the delay is a pacing
	// heuristic, not part of the protocol.
	DefaultSendDelay = 100 * time.Millisecond

	// DefaultStopGrace is how long Stop waits after SIGTERM before
	// escalating to SIGKILL.
	DefaultStopGrace = 5 * time.Second

	// DefaultPollInterval caps how long a single expect iteration
	// blocks waiting for new output.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultChunkSize is the read size for the output pump.
	DefaultChunkSize = 4096

	// timeoutTailBytes is how much working-buffer tail an
	// ExpectTimeoutError carries.
	timeoutTailBytes = 500
)

// CommandBuilder creates the guest command. It decouples the driver
// from QEMU specifics so tests can substitute a plain shell.
type CommandBuilder interface {
	// BuildCommand returns a ready-to-start command.
	BuildCommand(ctx context.Context) (*exec.Cmd, error)

	// Name returns a human-readable name for the guest process.
	Name() string
}

// Callbacks contains optional hooks for driver events. Used to feed
// metrics and the live view without coupling the driver to either.
type Callbacks struct {
	// OnBytes is called with the size of each chunk read.
	OnBytes func(n int)

	// OnExpect is called after every expect with the time spent
	// waiting and whether it timed out.
	OnExpect func(wait time.Duration, timedOut bool)

	// OnCommand is called with the marker of each SendCommand.
	OnCommand func(marker string)
}

// Config holds configuration for creating a Driver.
type Config struct {
	Builder CommandBuilder
	Logger  *slog.Logger

	// Echo receives a copy of all guest output as it arrives.
	// Nil means no echo.
	Echo io.Writer

	// LineEnding terminates each sent line. Defaults to "\r", the
	// serial convention for the Enter key. Tests driving a plain
	// shell set "\n".
	LineEnding string

	// CommandTimeout bounds SendCommand calls that pass a
	// non-positive timeout.
	CommandTimeout time.Duration

	SendDelay    time.Duration
	StopGrace    time.Duration
	PollInterval time.Duration
	ChunkSize    int

	Callbacks Callbacks
}

// Driver owns one guest console session. Not safe for concurrent use.
type Driver struct {
	builder   CommandBuilder
	logger    *slog.Logger
	echo      io.Writer
	callbacks Callbacks

	lineEnding string
	cmdTimeout time.Duration
	sendDelay  time.Duration
	stopGrace  time.Duration
	pollMax    time.Duration
	chunkSize  int

	cmd   *exec.Cmd
	stdin io.WriteCloser

	// chunks carries guest output in stream order. Set to nil once
	// the pump closes it, so selects block instead of spinning.
	chunks chan []byte

	// exited is closed by the wait goroutine after the process is
	// reaped; exitCode is valid only after that.
	exited   chan struct{}
	exitCode int

	buf        []byte
	transcript []byte

	// cmdSeq numbers completion markers. Per driver instance, never
	// shared: two drivers may both emit __D1__, but one driver never
	// repeats a marker while its buffer could still hold the old one.
	cmdSeq int
}

// New creates a Driver. Zero config fields get defaults.
func New(cfg Config) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	lineEnding := cfg.LineEnding
	if lineEnding == "" {
		lineEnding = "\r"
	}

	cmdTimeout := cfg.CommandTimeout
	if cmdTimeout <= 0 {
		cmdTimeout = DefaultCommandTimeout
	}

	sendDelay := cfg.SendDelay
	if sendDelay <= 0 {
		sendDelay = DefaultSendDelay
	}

	stopGrace := cfg.StopGrace
	if stopGrace <= 0 {
		stopGrace = DefaultStopGrace
	}

	pollMax := cfg.PollInterval
	if pollMax <= 0 {
		pollMax = DefaultPollInterval
	}

	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &Driver{
		builder:    cfg.Builder,
		logger:     logger,
		echo:       cfg.Echo,
		callbacks:  cfg.Callbacks,
		lineEnding: lineEnding,
		cmdTimeout: cmdTimeout,
		sendDelay:  sendDelay,
		stopGrace:  stopGrace,
		pollMax:    pollMax,
		chunkSize:  chunkSize,
	}
}

// Start launches the guest with stdin and stdout piped and stderr
// discarded, and starts the output pump and the exit waiter.
func (d *Driver) Start(ctx context.Context) error {
	if d.cmd != nil {
		return &LaunchError{Name: d.builder.Name(), Err: errors.New("already started")}
	}

	cmd, err := d.builder.BuildCommand(ctx)
	if err != nil {
		return &LaunchError{Name: d.builder.Name(), Err: err}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &LaunchError{Name: d.builder.Name(), Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	// Manual pipe instead of StdoutPipe: Wait() closes pipes it owns,
	// which races the pump. With os.Pipe the pump reads until a real
	// EOF, which arrives once the guest exits and the parent's
	// write-end copy is closed below.
	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return &LaunchError{Name: d.builder.Name(), Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	cmd.Stdout = stdoutWrite
	cmd.Stderr = nil

	// Own process group for clean shutdown of the guest and anything
	// it forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutRead.Close()
		stdoutWrite.Close()
		return &LaunchError{Name: d.builder.Name(), Err: err}
	}

	// The child holds its own copy of the write end.
	stdoutWrite.Close()

	d.cmd = cmd
	d.stdin = stdin
	d.chunks = make(chan []byte, 64)
	d.exited = make(chan struct{})
	d.buf = nil
	d.transcript = nil
	d.cmdSeq = 0

	go d.pump(stdoutRead, d.chunks)
	go d.reap()

	d.logger.Info("console_started",
		"name", d.builder.Name(),
		"pid", cmd.Process.Pid,
	)

	return nil
}

// pump reads guest output into the chunk channel in stream order.
// It closes ch on EOF or read error.
func (d *Driver) pump(r io.ReadCloser, ch chan<- []byte) {
	defer close(ch)
	defer r.Close()

	buf := make([]byte, d.chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ch <- chunk
		}
		if err != nil {
			return
		}
	}
}

// reap waits for the guest and records its exit code.
func (d *Driver) reap() {
	err := d.cmd.Wait()
	d.exitCode = extractExitCode(err)
	close(d.exited)
}

// Expect blocks until re matches the working buffer, the guest dies,
// or timeout passes. On a match the buffer is consumed through the
// match end; matched bytes can never match again. A non-positive
// timeout still performs one read-and-match pass before failing.
func (d *Driver) Expect(re *regexp.Regexp, timeout time.Duration) (*Match, error) {
	if d.cmd == nil {
		return nil, errors.New("console not started")
	}

	start := time.Now()
	deadline := start.Add(timeout)
	timer := time.NewTimer(d.pollMax)
	defer timer.Stop()

	for {
		d.drainReady()

		if m, end, ok := tryMatch(d.buf, re); ok {
			d.buf = d.buf[end:]
			d.observeExpect(time.Since(start), false)
			return m, nil
		}

		// Stream closed and fully ingested with no match left.
		if d.chunks == nil && d.processExited() {
			d.observeExpect(time.Since(start), false)
			return nil, &ProcessExitedError{Name: d.builder.Name(), ExitCode: d.exitCode}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			d.observeExpect(time.Since(start), true)
			d.logger.Debug("expect_timeout",
				"pattern", re.String(),
				"timeout", timeout.String(),
				"buffered", len(d.buf),
			)
			return nil, &ExpectTimeoutError{
				Pattern: re.String(),
				Timeout: timeout,
				Tail:    tail(d.buf, timeoutTailBytes),
			}
		}

		wait := remaining
		if wait > d.pollMax {
			wait = d.pollMax
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		// Don't select on exited once it has fired, it would spin.
		exitCh := d.exited
		if d.processExited() {
			exitCh = nil
		}

		select {
		case chunk, ok := <-d.chunks:
			if !ok {
				d.chunks = nil
				continue
			}
			d.ingest(chunk)
		case <-exitCh:
			// Residual output may still be in flight. Loop so the
			// next pass drains it before reporting death.
		case <-timer.C:
		}
	}
}

// SendLine writes text plus the line ending to the guest, then pauses
// briefly so slow consoles keep up.
func (d *Driver) SendLine(text string) error {
	if d.stdin == nil {
		return errors.New("console not started")
	}
	if _, err := io.WriteString(d.stdin, text+d.lineEnding); err != nil {
		return fmt.Errorf("send line: %w", err)
	}
	time.Sleep(d.sendDelay)
	return nil
}

// SendCommand runs a shell command on the guest and waits for it to
// finish. Completion is detected with a marker: the command is sent as
// "<cmd>; echo __D<n>__" and the expect anchors the marker to a line
// start, so the echoed command line itself cannot satisfy it. The
// marker sequence is per driver and strictly increasing. A
// non-positive timeout means the configured command timeout.
func (d *Driver) SendCommand(cmd string, timeout time.Duration) (*Match, error) {
	if timeout <= 0 {
		timeout = d.cmdTimeout
	}

	d.cmdSeq++
	marker := fmt.Sprintf("__D%d__", d.cmdSeq)
	if d.callbacks.OnCommand != nil {
		d.callbacks.OnCommand(marker)
	}

	if err := d.SendLine(cmd + "; echo " + marker); err != nil {
		return nil, err
	}
	return d.Expect(regexp.MustCompile(`\n`+regexp.QuoteMeta(marker)), timeout)
}

// Stop terminates the guest: SIGTERM, a bounded grace period, then
// SIGKILL. Idempotent; stopping an already-gone guest is a no-op.
func (d *Driver) Stop() {
	if d.cmd == nil || d.cmd.Process == nil {
		return
	}

	if !d.processExited() {
		d.signalGroup(syscall.SIGTERM)

		select {
		case <-d.exited:
		case <-time.After(d.stopGrace):
			d.logger.Warn("console_force_kill",
				"name", d.builder.Name(),
				"pid", d.cmd.Process.Pid,
			)
			d.signalGroup(syscall.SIGKILL)
			<-d.exited
		}
	}

	d.finish()
	d.logger.Info("console_stopped",
		"name", d.builder.Name(),
		"exit_code", d.exitCode,
	)
}

// WaitForExit waits for the guest to exit on its own, killing it if
// the timeout passes first. Returns the exit code on a voluntary exit.
func (d *Driver) WaitForExit(timeout time.Duration) (int, error) {
	if d.cmd == nil {
		return 0, errors.New("console not started")
	}

	select {
	case <-d.exited:
		d.finish()
		return d.exitCode, nil
	case <-time.After(timeout):
		d.signalGroup(syscall.SIGKILL)
		<-d.exited
		d.finish()
		return d.exitCode, fmt.Errorf("%s did not exit within %s", d.builder.Name(), timeout)
	}
}

// signalGroup signals the guest's process group, falling back to the
// process itself when the group is gone.
func (d *Driver) signalGroup(sig syscall.Signal) {
	pid := d.cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		syscall.Kill(-pgid, sig)
	} else {
		d.cmd.Process.Signal(sig)
	}
}

// finish drains residual output into the transcript and clears the
// session. The pump closes the channel shortly after the guest dies;
// the deadline guards against a forked grandchild holding the pipe.
func (d *Driver) finish() {
	if d.chunks != nil {
		deadline := time.After(time.Second)
	drain:
		for {
			select {
			case chunk, ok := <-d.chunks:
				if !ok {
					d.chunks = nil
					break drain
				}
				d.ingest(chunk)
			case <-deadline:
				break drain
			}
		}
	}

	if d.stdin != nil {
		d.stdin.Close()
		d.stdin = nil
	}
	d.cmd = nil
}

// drainReady ingests every chunk that is already available, without
// blocking.
func (d *Driver) drainReady() {
	for d.chunks != nil {
		select {
		case chunk, ok := <-d.chunks:
			if !ok {
				d.chunks = nil
				return
			}
			d.ingest(chunk)
		default:
			return
		}
	}
}

// ingest appends a chunk to the working buffer and the transcript and
// mirrors it to the echo sink.
func (d *Driver) ingest(chunk []byte) {
	d.buf = append(d.buf, chunk...)
	d.transcript = append(d.transcript, chunk...)
	if d.echo != nil {
		d.echo.Write(chunk)
	}
	if d.callbacks.OnBytes != nil {
		d.callbacks.OnBytes(len(chunk))
	}
}

func (d *Driver) observeExpect(wait time.Duration, timedOut bool) {
	if d.callbacks.OnExpect != nil {
		d.callbacks.OnExpect(wait, timedOut)
	}
}

func (d *Driver) processExited() bool {
	if d.exited == nil {
		return true
	}
	select {
	case <-d.exited:
		return true
	default:
		return false
	}
}

// Running reports whether the guest process is alive.
func (d *Driver) Running() bool {
	return d.cmd != nil && !d.processExited()
}

// Pid returns the guest process id, or 0 before Start.
func (d *Driver) Pid() int {
	if d.cmd == nil || d.cmd.Process == nil {
		return 0
	}
	return d.cmd.Process.Pid
}

// ExitCode returns the guest's exit code and whether it has exited.
func (d *Driver) ExitCode() (int, bool) {
	if d.exited == nil {
		return 0, false
	}
	select {
	case <-d.exited:
		return d.exitCode, true
	default:
		return 0, false
	}
}

// Transcript returns a copy of everything the guest has written,
// including bytes already consumed from the working buffer.
func (d *Driver) Transcript() []byte {
	out := make([]byte, len(d.transcript))
	copy(out, d.transcript)
	return out
}

// extractExitCode extracts the exit code from a Wait() error.
func extractExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				// Signal exit: 128 + signal number
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
	}

	// Unknown error, assume exit code 1
	return 1
}
