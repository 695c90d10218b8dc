package suite

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/fornax-os/vmtest/internal/console"
)

// Params carries the guest-facing knobs used by the standard steps.
// All durations must be positive.
type Params struct {
	// LoginPrompt is the console text that signals the guest is ready
	// for a login, e.g. "fornax login:".
	LoginPrompt string

	// ShellPrompt is the prompt prefix printed once a shell is up,
	// e.g. "root@fornax".
	ShellPrompt string

	// Username is the account typed at the login prompt.
	Username string

	// BootTimeout bounds the wait for the login prompt.
	BootTimeout time.Duration

	// LoginTimeout bounds the wait for the shell prompt after login.
	LoginTimeout time.Duration

	// ShutdownTimeout bounds the wait for QEMU to exit after the
	// shutdown command.
	ShutdownTimeout time.Duration
}

// minEpoch is late 2023. An RTC readout below this means the guest
// clock is not wired to real time.
const minEpoch = 1700000000

// epochTolerance bounds how far date +%s may drift from /dev/time.
const epochTolerance = 30

// markerTimeout bounds the wait for a completion marker once the
// interesting output has already matched.
const markerTimeout = 5 * time.Second

var (
	devTimeRe   = regexp.MustCompile(`(\d+) (\d+)`)
	dateRe      = regexp.MustCompile(`(Sun|Mon|Tue|Wed|Thu|Fri|Sat)\s+(Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)`)
	epochRe     = regexp.MustCompile(`(\d+)`)
	isoDateRe   = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	uptimeRe    = regexp.MustCompile(`\d+[hm]`)
	syncedRe    = regexp.MustCompile(`downloaded \d+ bytes`)
	installedRe = regexp.MustCompile(`xxd 1\.0\.0-1 installed`)
	hexDumpRe   = regexp.MustCompile(`00000000`)
)

// StandardSteps returns the full Fornax guest test sequence in boot
// order.
func StandardSteps(p Params) []Step {
	return []Step{
		BootLoginStep(p),
		BasicCommandsStep(),
		TimeSubsystemStep(),
		FayInstallStep(p),
		FilesystemStep(),
		ShutdownStep(p),
	}
}

// expectOutput sends cmd with a trailing marker echo, waits for pat in
// the output, then waits for the marker so the command is fully drained
// before the next send.
func expectOutput(d *console.Driver, cmd, marker string, pat *regexp.Regexp, timeout time.Duration) (*console.Match, error) {
	if err := d.SendLine(cmd + "; echo " + marker); err != nil {
		return nil, err
	}
	m, err := d.Expect(pat, timeout)
	if err != nil {
		return nil, err
	}
	if _, err := d.Expect(regexp.MustCompile(regexp.QuoteMeta(marker)), markerTimeout); err != nil {
		return nil, err
	}
	return m, nil
}

// BootLoginStep waits for the login prompt and logs in.
func BootLoginStep(p Params) Step {
	loginRe := regexp.MustCompile(regexp.QuoteMeta(p.LoginPrompt))
	shellRe := regexp.MustCompile(regexp.QuoteMeta(p.ShellPrompt))
	return Step{
		Name: "boot_login",
		Run: func(d *console.Driver) error {
			if _, err := d.Expect(loginRe, p.BootTimeout); err != nil {
				return err
			}
			if err := d.SendLine(p.Username); err != nil {
				return err
			}
			_, err := d.Expect(shellRe, p.LoginTimeout)
			return err
		},
	}
}

// BasicCommandsStep verifies a shell builtin and a file round trip
// through the root filesystem.
func BasicCommandsStep() Step {
	return Step{
		Name: "basic_commands",
		Run: func(d *console.Driver) error {
			// Builtin. The completion marker is proof enough it ran.
			if _, err := d.SendCommand("echo basic_test_XQ7", 0); err != nil {
				return err
			}

			// External command reading the file back from fxfs.
			if _, err := d.SendCommand("echo testdata_Z9 > /tmp/basic.txt", 0); err != nil {
				return err
			}
			_, err := expectOutput(d, "cat /tmp/basic.txt", "__CAT_BASIC__",
				regexp.MustCompile(`testdata_Z9`), 30*time.Second)
			return err
		},
	}
}

// TimeSubsystemStep verifies wall-clock time, the date command, uptime
// and the cron daemon.
func TimeSubsystemStep() Step {
	return Step{
		Name: "time_subsystem",
		Run: func(d *console.Driver) error {
			// /dev/time prints "<epoch> <uptime>".
			m, err := expectOutput(d, "cat /dev/time", "__TIME_DONE__", devTimeRe, 10*time.Second)
			if err != nil {
				return err
			}
			epoch, err := strconv.ParseInt(m.Group(1), 10, 64)
			if err != nil {
				return fmt.Errorf("parsing epoch %q: %w", m.Group(1), err)
			}
			uptime, err := strconv.ParseInt(m.Group(2), 10, 64)
			if err != nil {
				return fmt.Errorf("parsing uptime %q: %w", m.Group(2), err)
			}
			if epoch < minEpoch {
				return fmt.Errorf("epoch too low: %d", epoch)
			}
			if uptime < 1 {
				return fmt.Errorf("uptime too low: %d", uptime)
			}

			// date prints day-of-week and month names.
			if _, err := expectOutput(d, "date", "__DATE_DONE__", dateRe, 10*time.Second); err != nil {
				return err
			}

			// date +%s agrees with /dev/time within tolerance.
			m, err = expectOutput(d, "date +%s", "__EPOCH_DONE__", epochRe, 10*time.Second)
			if err != nil {
				return err
			}
			cmdEpoch, err := strconv.ParseInt(m.Group(1), 10, 64)
			if err != nil {
				return fmt.Errorf("parsing date +%%s output %q: %w", m.Group(1), err)
			}
			if diff := cmdEpoch - epoch; diff > epochTolerance || diff < -epochTolerance {
				return fmt.Errorf("date +%%s (%d) too far from /dev/time (%d)", cmdEpoch, epoch)
			}

			// date -I prints ISO 8601.
			if _, err := expectOutput(d, "date -I", "__ISO_DONE__", isoDateRe, 10*time.Second); err != nil {
				return err
			}

			// uptime prints hours or minutes.
			if _, err := expectOutput(d, "uptime", "__UP_DONE__", uptimeRe, 10*time.Second); err != nil {
				return err
			}

			// crontab -l succeeds whether or not jobs exist.
			if err := d.SendLine("crontab -l; echo __CRON_DONE__"); err != nil {
				return err
			}
			_, err = d.Expect(regexp.MustCompile(`__CRON_DONE__`), 10*time.Second)
			return err
		},
	}
}

// FayInstallStep syncs the package index from the repo server, installs
// xxd and runs it against a fresh file.
func FayInstallStep(p Params) Step {
	promptRe := regexp.MustCompile(regexp.QuoteMeta(p.ShellPrompt) + `[#$] `)
	return Step{
		Name: "fay_install_xxd",
		Run: func(d *console.Driver) error {
			if err := d.SendLine("fay sync"); err != nil {
				return err
			}
			if _, err := d.Expect(syncedRe, 30*time.Second); err != nil {
				return err
			}
			if _, err := d.Expect(promptRe, 10*time.Second); err != nil {
				return err
			}

			if err := d.SendLine("fay install xxd"); err != nil {
				return err
			}
			if _, err := d.Expect(installedRe, 60*time.Second); err != nil {
				return err
			}
			if _, err := d.Expect(promptRe, 10*time.Second); err != nil {
				return err
			}

			if _, err := d.SendCommand("echo hello > /tmp/xxd_test.txt", 0); err != nil {
				return err
			}
			_, err := expectOutput(d, "xxd /tmp/xxd_test.txt", "__XXD_DONE__",
				hexDumpRe, 30*time.Second)
			return err
		},
	}
}

// FilesystemStep exercises fxfs writes, reads, directory listings,
// renames and truncation.
func FilesystemStep() Step {
	return Step{
		Name: "filesystem",
		Run: func(d *console.Driver) error {
			if _, err := d.SendCommand("mkdir -p /tmp/fstest", 0); err != nil {
				return err
			}

			// Small file round trip.
			if _, err := d.SendCommand("echo 'fs_hello_world' > /tmp/fstest/small.txt", 0); err != nil {
				return err
			}
			if _, err := expectOutput(d, "cat /tmp/fstest/small.txt", "__CAT1__",
				regexp.MustCompile(`fs_hello_world`), 10*time.Second); err != nil {
				return err
			}

			// 64KB from /dev/zero.
			if _, err := d.SendCommand("dd if=/dev/zero of=/tmp/fstest/medium.bin bs=4096 count=16", 0); err != nil {
				return err
			}
			if _, err := expectOutput(d, "wc -c /tmp/fstest/medium.bin", "__WC1__",
				regexp.MustCompile(`65536`), 10*time.Second); err != nil {
				return err
			}

			// 256KB takes longer to push through fxfs.
			if _, err := d.SendCommand("dd if=/dev/zero of=/tmp/fstest/large.bin bs=4096 count=64", 20*time.Second); err != nil {
				return err
			}
			if _, err := expectOutput(d, "wc -c /tmp/fstest/large.bin", "__WC2__",
				regexp.MustCompile(`262144`), 10*time.Second); err != nil {
				return err
			}

			// Many small files in one directory.
			if _, err := d.SendCommand("mkdir /tmp/fstest/many", 0); err != nil {
				return err
			}
			for i := 0; i < 5; i++ {
				cmd := fmt.Sprintf("echo content_%d > /tmp/fstest/many/f%d.txt", i, i)
				if _, err := d.SendCommand(cmd, 0); err != nil {
					return err
				}
			}
			if _, err := expectOutput(d, "ls /tmp/fstest/many | wc -l", "__WCL__",
				regexp.MustCompile(`5`), 10*time.Second); err != nil {
				return err
			}
			if _, err := expectOutput(d, "cat /tmp/fstest/many/f3.txt", "__CAT2__",
				regexp.MustCompile(`content_3`), 10*time.Second); err != nil {
				return err
			}

			// Rename keeps content.
			if _, err := d.SendCommand("mv /tmp/fstest/small.txt /tmp/fstest/renamed.txt", 0); err != nil {
				return err
			}
			if _, err := expectOutput(d, "cat /tmp/fstest/renamed.txt", "__CAT3__",
				regexp.MustCompile(`fs_hello_world`), 10*time.Second); err != nil {
				return err
			}

			// Truncate to a smaller size.
			if _, err := d.SendCommand("truncate /tmp/fstest/medium.bin 1024", 0); err != nil {
				return err
			}
			if _, err := expectOutput(d, "wc -c /tmp/fstest/medium.bin", "__WC3__",
				regexp.MustCompile(`\b1024\b`), 10*time.Second); err != nil {
				return err
			}

			// Cleanup.
			for _, f := range []string{"renamed.txt", "medium.bin", "large.bin"} {
				if _, err := d.SendCommand("rm -f /tmp/fstest/"+f, 0); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// ShutdownStep asks the guest to power off and waits for QEMU to exit
// on its own.
func ShutdownStep(p Params) Step {
	return Step{
		Name: "shutdown",
		Run: func(d *console.Driver) error {
			// Let pending serial output settle first.
			time.Sleep(500 * time.Millisecond)
			if err := d.SendLine("shutdown"); err != nil {
				return err
			}
			_, err := d.WaitForExit(p.ShutdownTimeout)
			return err
		},
	}
}
