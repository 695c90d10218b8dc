// Package main provides the vmtest CLI entry point.
//
// vmtest builds a Fornax checkout, boots the resulting image under QEMU
// and drives the automated test suite over the guest's serial console.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fornax-os/vmtest/internal/config"
	"github.com/fornax-os/vmtest/internal/diskimg"
	"github.com/fornax-os/vmtest/internal/logging"
	"github.com/fornax-os/vmtest/internal/orchestrator"
	"github.com/fornax-os/vmtest/internal/qemu"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/vmtest
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Handle version flag early (before flag parsing)
	if len(os.Args) > 1 {
		arg := os.Args[1]
		if arg == "-version" || arg == "--version" || arg == "version" {
			fmt.Printf("vmtest %s\n", version)
			return 0
		}
	}

	// Parse command-line flags
	cfg, err := config.ParseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		return 1
	}

	// Initialize logger
	// When the TUI is enabled, suppress logs to avoid interfering with
	// dashboard rendering
	var logger *slog.Logger
	if cfg.TUIEnabled {
		logger = logging.NewLoggerWithWriter(io.Discard, "json", "info")
	} else {
		logger = logging.NewLogger(cfg.LogFormat, "info", cfg.Verbose)
	}
	logging.SetDefault(logger)

	// Validate configuration
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return 1
	}

	// Handle -print-cmd mode
	if cfg.PrintCmd {
		return printQemuCommand(cfg)
	}

	// Log startup
	logger.Info("starting",
		"version", version,
		"project", cfg.ProjectDir,
		"qemu", cfg.QemuPath,
		"repo_addr", cfg.RepoAddr,
	)

	// Print the startup banner. Check mode prints its own checklist.
	if !cfg.Check {
		printBanner(cfg)
	}

	// Create and run the orchestrator
	orch := orchestrator.New(cfg, logger, version)
	if err := orch.Run(context.Background()); err != nil {
		logger.Error("orchestrator_failed", "error", err)
		return 1
	}

	return 0
}

// printBanner prints the startup banner.
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════════════╗")
	fmt.Println("║                              vmtest                               ║")
	fmt.Println("║         Fornax guest testing over the QEMU serial console         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Project:     %s\n", cfg.ProjectDir)
	fmt.Printf("  QEMU:        %s (%s RAM, %d MiB disk)\n", cfg.QemuPath, cfg.Memory, cfg.DiskSizeMiB)
	fmt.Printf("  Repo:        http://%s/\n", cfg.RepoAddr)
	fmt.Printf("  Metrics:     http://%s/metrics\n", cfg.RepoAddr)
	if cfg.SkipBuild {
		fmt.Println("  Build:       SKIPPED (tree already built)")
	}
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop.")
	fmt.Println()
}

// printQemuCommand prints the QEMU command that would boot the guest.
// The disk image only exists during a run, so its staging path stands
// in for it.
func printQemuCommand(cfg *config.Config) int {
	firmware, err := qemu.FindFirmware(cfg.FirmwarePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	runner := qemu.NewRunner(&qemu.Config{
		BinaryPath:    cfg.QemuPath,
		FirmwarePath:  firmware,
		ESPDir:        cfg.ESPDir(),
		DiskImage:     filepath.Join("<staging-dir>", diskimg.ImageName),
		Memory:        cfg.Memory,
		AccelOverride: cfg.Accel,
	})

	fmt.Println("# QEMU command that would boot the guest:")
	fmt.Println()
	fmt.Println(runner.CommandString())
	return 0
}
