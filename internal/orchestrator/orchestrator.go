// Package orchestrator coordinates a full vmtest run: preflight checks,
// the Fornax build, package repository staging, disk image creation,
// guest boot, the test suite, teardown, and the exit summary.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fornax-os/vmtest/internal/config"
	"github.com/fornax-os/vmtest/internal/console"
	"github.com/fornax-os/vmtest/internal/diskimg"
	"github.com/fornax-os/vmtest/internal/fileserver"
	"github.com/fornax-os/vmtest/internal/hosttools"
	"github.com/fornax-os/vmtest/internal/logging"
	"github.com/fornax-os/vmtest/internal/metrics"
	"github.com/fornax-os/vmtest/internal/pkgrepo"
	"github.com/fornax-os/vmtest/internal/preflight"
	"github.com/fornax-os/vmtest/internal/qemu"
	"github.com/fornax-os/vmtest/internal/stats"
	"github.com/fornax-os/vmtest/internal/suite"
	"github.com/fornax-os/vmtest/internal/tui"
)

// tuiTailLines is how much serial output the live dashboard keeps.
const tuiTailLines = 256

// shutdownTimeout bounds the teardown of the repo server.
const shutdownTimeout = 10 * time.Second

// Orchestrator coordinates all components for a guest test run.
type Orchestrator struct {
	config *config.Config
	logger *slog.Logger

	collector *metrics.Collector
	runStats  *stats.RunStats
	tools     *hosttools.Runner

	startTime time.Time
}

// New creates a new Orchestrator with the given configuration. The
// version labels the run in the metrics info gauge.
func New(cfg *config.Config, logger *slog.Logger, version string) *Orchestrator {
	return &Orchestrator{
		config: cfg,
		logger: logger,
		collector: metrics.NewCollector(metrics.CollectorConfig{
			Version: version,
			Project: cfg.ProjectDir,
		}),
		runStats: stats.NewRunStats(),
		tools:    hosttools.NewRunner(logger),
	}
}

// Run executes the test run. It blocks until the suite completes or a
// signal arrives, prints the exit summary, and returns a non-nil error
// when the environment could not be built or any step failed.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.startTime = time.Now()

	// Check mode reports environment readiness and stops.
	if o.config.Check {
		result := o.runPreflight()
		preflight.PrintResults(result)
		return result.Err()
	}

	firmware, err := o.resolveEnvironment()
	if err != nil {
		return err
	}

	// The summary prints on every exit path past this point. Until the
	// guest starts it carries no step statistics, only run identity.
	sumCfg := stats.SummaryConfig{
		Project: o.config.ProjectDir,
		RunID:   o.collector.RunID(),
	}
	var sumStats *stats.RunStats
	defer func() {
		fmt.Print(stats.FormatExitSummary(sumStats, sumCfg))
	}()

	// SIGINT/SIGTERM cancel the run context. The guest command is bound
	// to the context, so an in-flight expect fails over the exit path
	// and the suite records the interruption as a failure.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			o.logger.Info("received_signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := o.buildFornax(ctx); err != nil {
		return err
	}

	artifacts := preflight.CheckArtifacts(
		o.config.MkgptPath(),
		o.config.MkfxfsPath(),
		o.config.XxdBinaryPath(),
		o.config.ESPDir(),
	)
	if err := artifacts.Err(); err != nil {
		preflight.PrintResults(artifacts)
		return err
	}

	// Everything the run generates lives in one staging directory:
	// the package repository under packages/ and the disk image at
	// the top.
	stagingDir, err := os.MkdirTemp("", "fornax-test-")
	if err != nil {
		return fmt.Errorf("creating staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	server, err := o.stageRepo(stagingDir)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("repo_server_shutdown_error", "error", err)
		}
	}()
	sumCfg.MetricsAddr = server.Addr()

	diskImage, err := o.buildDiskImage(ctx, stagingDir)
	if err != nil {
		return err
	}

	runner := qemu.NewRunner(&qemu.Config{
		BinaryPath:    o.config.QemuPath,
		FirmwarePath:  firmware,
		ESPDir:        o.config.ESPDir(),
		DiskImage:     diskImage,
		Memory:        o.config.Memory,
		AccelOverride: o.config.Accel,
	})

	steps := suite.StandardSteps(suite.Params{
		LoginPrompt:     o.config.LoginPrompt,
		ShellPrompt:     o.config.ShellPrompt,
		Username:        o.config.Username,
		BootTimeout:     o.config.BootTimeout,
		LoginTimeout:    o.config.LoginTimeout,
		ShutdownTimeout: o.config.ShutdownTimeout,
	})

	// Serial echo target. The dashboard replaces direct echo with a
	// bounded tail pane.
	var echo io.Writer
	if o.config.EchoSerial {
		echo = os.Stderr
	}

	var tuiProg *tea.Program
	if o.config.TUIEnabled {
		tail := logging.NewTailWriter(tuiTailLines, io.Discard)
		echo = tail

		model := tui.New(tui.Config{
			Project:     o.config.ProjectDir,
			RunID:       o.collector.RunID(),
			MetricsAddr: server.Addr(),
			StepNames:   stepNames(steps),
			Stats:       o.runStats,
			Tail:        tail,
		})
		tuiProg = tea.NewProgram(model, tea.WithAltScreen())
		go func() {
			if _, err := tuiProg.Run(); err != nil {
				o.logger.Warn("tui_failed", "error", err)
			}
			// Quitting the dashboard interrupts the run.
			cancel()
		}()
		defer func() {
			tui.SendQuit(tuiProg)
			tuiProg.Wait()
		}()
	}

	driver := console.New(console.Config{
		Builder:        runner,
		Logger:         o.logger,
		Echo:           echo,
		CommandTimeout: o.config.CommandTimeout,
		SendDelay:      o.config.SendDelay,
		StopGrace:      o.config.StopGrace,
		Callbacks: console.Callbacks{
			OnBytes: func(n int) {
				o.collector.RecordBytesRead(n)
				o.runStats.RecordBytes(n)
			},
			OnExpect: func(wait time.Duration, timedOut bool) {
				o.collector.RecordExpect(wait, timedOut)
				o.runStats.RecordExpect(wait, timedOut)
			},
			OnCommand: func(marker string) {
				o.collector.CommandSent()
				o.runStats.RecordCommand()
			},
		},
	})

	o.logger.Info("guest_starting",
		"qemu", runner.Name(),
		"accel", runner.Accel(),
		"memory", o.config.Memory,
		"disk", diskImage,
	)
	if err := driver.Start(ctx); err != nil {
		return err
	}
	o.collector.GuestStarted()
	defer driver.Stop()

	sumStats = o.runStats
	results := o.runSuite(ctx, driver, steps, tuiProg)

	driver.Stop()
	o.collector.GuestStopped()

	if code, exited := driver.ExitCode(); exited {
		sumCfg.GuestExited = true
		sumCfg.GuestExitCode = code
	}

	var passed, failed int
	for _, res := range results {
		switch res.Status {
		case stats.StepPassed:
			passed++
		case stats.StepFailed:
			failed++
		}
	}

	if failed > 0 {
		sumCfg.SerialLogPath = o.saveSerialLog(driver.Transcript())
		return fmt.Errorf("%d/%d tests failed", failed, passed+failed)
	}
	return nil
}

// resolveEnvironment runs the preflight checks, or just the firmware
// discovery when they are skipped, and returns the firmware path.
func (o *Orchestrator) resolveEnvironment() (string, error) {
	if o.config.SkipPreflight {
		return qemu.FindFirmware(o.config.FirmwarePath)
	}

	result := o.runPreflight()
	preflight.PrintResults(result)
	if err := result.Err(); err != nil {
		return "", err
	}
	return result.FirmwarePath, nil
}

func (o *Orchestrator) runPreflight() *preflight.Result {
	return preflight.RunAll(preflight.Env{
		QemuPath:         o.config.QemuPath,
		FirmwareOverride: o.config.FirmwarePath,
		RepoAddr:         o.config.RepoAddr,
		ZigPath:          o.config.ZigPath,
		SkipBuild:        o.config.SkipBuild,
	})
}

// buildFornax runs the prerequisite builds: the system image tree
// (kernel, ESP, rootfs, test packages) and the host image tools.
func (o *Orchestrator) buildFornax(ctx context.Context) error {
	if o.config.SkipBuild {
		o.logger.Info("build_skipped", "project", o.config.ProjectDir)
		return nil
	}

	start := time.Now()
	o.logger.Info("build_starting", "project", o.config.ProjectDir)

	builds := [][]string{
		{o.config.ZigPath, "build", "x86_64", "-Dposix=true", "-Dtest-packages=true"},
		{o.config.ZigPath, "build", "mkgpt", "mkfxfs"},
	}
	for _, argv := range builds {
		if _, err := o.tools.RunChecked(ctx, argv, o.config.ProjectDir); err != nil {
			return fmt.Errorf("build failed: %w", err)
		}
	}

	o.logger.Info("build_complete", "elapsed", time.Since(start).Round(time.Millisecond).String())
	return nil
}

// stageRepo builds the test package and its index under stagingDir and
// starts the repository server on the configured address.
func (o *Orchestrator) stageRepo(stagingDir string) (*fileserver.Server, error) {
	pkgDir := filepath.Join(stagingDir, "packages")
	if err := os.MkdirAll(pkgDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating package dir: %w", err)
	}

	artifact, err := pkgrepo.BuildPackage(pkgrepo.XxdPackage(), o.config.XxdBinaryPath(), pkgDir)
	if err != nil {
		return nil, fmt.Errorf("building test package: %w", err)
	}
	if _, err := pkgrepo.WriteRepoIndex(pkgDir, []*pkgrepo.Artifact{artifact}); err != nil {
		return nil, fmt.Errorf("writing repo index: %w", err)
	}
	o.logger.Info("package_repo_staged",
		"tarball", artifact.TarballName,
		"sha256", artifact.SHA256,
	)

	server := fileserver.New(o.config.RepoAddr, pkgDir, o.logger)
	if err := server.Start(); err != nil {
		return nil, err
	}
	return server, nil
}

// buildDiskImage seeds the rootfs and produces the partitioned,
// formatted test disk inside stagingDir.
func (o *Orchestrator) buildDiskImage(ctx context.Context, stagingDir string) (string, error) {
	if err := diskimg.PrepareRootfs(o.config.RootfsDir()); err != nil {
		return "", fmt.Errorf("preparing rootfs: %w", err)
	}

	builder := &diskimg.Builder{
		MkgptPath:  o.config.MkgptPath(),
		MkfxfsPath: o.config.MkfxfsPath(),
		Runner:     o.tools,
		Logger:     o.logger,
	}
	return builder.Build(ctx, stagingDir, o.config.RootfsDir(), o.config.DiskSizeMiB)
}

// runSuite executes the steps with progress feeding the stats, the
// metrics collector, and the dashboard when one is attached.
func (o *Orchestrator) runSuite(ctx context.Context, driver *console.Driver, steps []suite.Step, tuiProg *tea.Program) []stats.StepResult {
	out := io.Writer(os.Stderr)
	if o.config.TUIEnabled {
		out = io.Discard
	}

	runner := suite.NewRunner(suite.Config{
		Logger: o.logger,
		Out:    out,
		Callbacks: suite.Callbacks{
			OnStepStart: func(name string) {
				if tuiProg != nil {
					tui.SendStepStart(tuiProg, name)
				}
			},
			OnStepDone: func(res stats.StepResult) {
				o.runStats.RecordStep(res)
				o.collector.StepCompleted(res.Name, string(res.Status), res.Duration)
				if tuiProg != nil {
					tui.SendStep(tuiProg, res)
				}
			},
		},
	})

	return runner.Run(ctx, driver, steps)
}

// saveSerialLog writes the full transcript to the diagnostic path and
// returns it, or "" when the write failed.
func (o *Orchestrator) saveSerialLog(transcript []byte) string {
	path := o.config.SerialLogFile()
	if err := os.WriteFile(path, transcript, 0o644); err != nil {
		o.logger.Error("serial_log_write_failed", "path", path, "error", err)
		return ""
	}
	o.logger.Info("serial_log_saved", "path", path, "bytes", len(transcript))
	return path
}

func stepNames(steps []suite.Step) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Name
	}
	return names
}

// Collector returns the metrics collector for external access.
func (o *Orchestrator) Collector() *metrics.Collector {
	return o.collector
}

// RunStats returns the run statistics for external access.
func (o *Orchestrator) RunStats() *stats.RunStats {
	return o.runStats
}
