package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// ParseFlags parses command-line flags and returns a Config.
// Precedence, lowest to highest: defaults, -config YAML file, flags.
func ParseFlags() (*Config, error) {
	cfg := DefaultConfig()

	// Custom usage message
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `vmtest - boot the OS under QEMU and run the serial-console test suite

Usage:
  vmtest [flags] [project-dir]

Project Flags:
`)
		// Print flags by category
		printFlagCategory([]string{"project", "config", "zig", "skip-build"})

		fmt.Fprintf(os.Stderr, "\nGuest / QEMU:\n")
		printFlagCategory([]string{"qemu", "firmware", "memory", "accel", "disk-size"})

		fmt.Fprintf(os.Stderr, "\nConsole Timing:\n")
		printFlagCategory([]string{"boot-timeout", "login-timeout", "cmd-timeout", "send-delay", "stop-grace", "shutdown-timeout"})

		fmt.Fprintf(os.Stderr, "\nGuest Identity:\n")
		printFlagCategory([]string{"login-prompt", "shell-prompt", "user"})

		fmt.Fprintf(os.Stderr, "\nPackage Repository:\n")
		printFlagCategory([]string{"repo-addr"})

		fmt.Fprintf(os.Stderr, "\nSafety & Diagnostics:\n")
		printFlagCategory([]string{"print-cmd", "check", "skip-preflight", "serial-log"})

		fmt.Fprintf(os.Stderr, "\nObservability:\n")
		printFlagCategory([]string{"echo-serial", "v", "log-format", "tui"})

		fmt.Fprintf(os.Stderr, `
Examples:
  # Build and test the tree in the current directory
  vmtest

  # Prebuilt tree, verbose JSON logs for CI
  vmtest -skip-build -log-format json -v /path/to/checkout

  # Watch the run in the live dashboard
  vmtest -tui

`)
	}

	// Project flags
	flag.StringVar(&cfg.ProjectDir, "project", cfg.ProjectDir, "Project directory containing the OS tree")
	flag.StringVar(&cfg.ConfigFile, "config", cfg.ConfigFile, "YAML config file (flags still win)")
	flag.StringVar(&cfg.ZigPath, "zig", cfg.ZigPath, "Path to the zig binary for the build step")
	flag.BoolVar(&cfg.SkipBuild, "skip-build", cfg.SkipBuild, "Skip the build step (tree already built)")

	// Guest / QEMU
	flag.StringVar(&cfg.QemuPath, "qemu", cfg.QemuPath, "Path to the qemu-system binary")
	flag.StringVar(&cfg.FirmwarePath, "firmware", cfg.FirmwarePath, "UEFI firmware image (default: search known locations)")
	flag.StringVar(&cfg.Memory, "memory", cfg.Memory, "Guest RAM size")
	flag.StringVar(&cfg.Accel, "accel", cfg.Accel, "QEMU accelerator (default: kvm if available, else tcg)")
	flag.IntVar(&cfg.DiskSizeMiB, "disk-size", cfg.DiskSizeMiB, "Test disk size in MiB")

	// Console timing
	flag.DurationVar(&cfg.BootTimeout, "boot-timeout", cfg.BootTimeout, "Time allowed to reach the login prompt")
	flag.DurationVar(&cfg.LoginTimeout, "login-timeout", cfg.LoginTimeout, "Time allowed for the shell prompt after login")
	flag.DurationVar(&cfg.CommandTimeout, "cmd-timeout", cfg.CommandTimeout, "Default completion-marker timeout per command")
	flag.DurationVar(&cfg.SendDelay, "send-delay", cfg.SendDelay, "Pause after each line sent to the console")
	flag.DurationVar(&cfg.StopGrace, "stop-grace", cfg.StopGrace, "SIGTERM grace period before SIGKILL")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "Time allowed for a guest-initiated shutdown")

	// Guest identity
	flag.StringVar(&cfg.LoginPrompt, "login-prompt", cfg.LoginPrompt, "Login prompt to wait for at boot")
	flag.StringVar(&cfg.ShellPrompt, "shell-prompt", cfg.ShellPrompt, "Shell prompt confirming a successful login")
	flag.StringVar(&cfg.Username, "user", cfg.Username, "Account to log in as")

	// Package repository
	flag.StringVar(&cfg.RepoAddr, "repo-addr", cfg.RepoAddr, "Package repository listen address")

	// Safety & Diagnostics
	flag.BoolVar(&cfg.PrintCmd, "print-cmd", cfg.PrintCmd, "Print the QEMU command and exit")
	flag.BoolVar(&cfg.Check, "check", cfg.Check, "Run preflight checks and exit")
	flag.BoolVar(&cfg.SkipPreflight, "skip-preflight", cfg.SkipPreflight, "Skip preflight checks")
	flag.StringVar(&cfg.SerialLogPath, "serial-log", cfg.SerialLogPath, "Transcript path (under project dir) written on failure")

	// Observability
	flag.BoolVar(&cfg.EchoSerial, "echo-serial", cfg.EchoSerial, "Echo guest console output to stderr")
	flag.BoolVar(&cfg.Verbose, "v", cfg.Verbose, "Verbose logging")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, `Log format: "json" or "text"`)
	flag.BoolVar(&cfg.TUIEnabled, "tui", cfg.TUIEnabled, "Live terminal dashboard instead of scrolling output")

	// Parse
	flag.Parse()

	set := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })

	// YAML overlay fills in everything the command line left alone.
	if cfg.ConfigFile != "" {
		if err := applyFile(cfg, cfg.ConfigFile, set); err != nil {
			return nil, err
		}
	}

	// The dashboard owns the terminal, so raw echo defaults off with
	// -tui unless the user explicitly asked for both.
	if cfg.TUIEnabled && !set["echo-serial"] {
		cfg.EchoSerial = false
	}

	// Positional argument: project directory
	args := flag.Args()
	if len(args) >= 1 {
		cfg.ProjectDir = args[0]
	}

	return cfg, nil
}

// printFlagCategory prints flags matching the given names (helper for usage).
func printFlagCategory(names []string) {
	flag.VisitAll(func(f *flag.Flag) {
		for _, name := range names {
			if f.Name == name {
				fmt.Fprintf(os.Stderr, "  -%s %s\n    \t%s", f.Name, flagType(f), f.Usage)
				if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" && f.DefValue != "0s" && f.DefValue != "[]" {
					fmt.Fprintf(os.Stderr, " (default %s)", f.DefValue)
				}
				fmt.Fprintln(os.Stderr)
				return
			}
		}
	})
}

// flagType returns a type hint for the flag value.
func flagType(f *flag.Flag) string {
	// Infer type from default value format
	switch f.DefValue {
	case "true", "false":
		return ""
	}

	// Check if it looks like a duration
	if strings.HasSuffix(f.DefValue, "s") || strings.HasSuffix(f.DefValue, "m") || strings.HasSuffix(f.DefValue, "h") {
		return "duration"
	}

	// Check if numeric
	if _, err := fmt.Sscanf(f.DefValue, "%d", new(int)); err == nil {
		return "int"
	}

	return "string"
}
