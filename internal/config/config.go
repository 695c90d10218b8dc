// Package config provides configuration management for vmtest.
package config

import (
	"path/filepath"
	"time"
)

// Config holds all configuration options for a harness run.
type Config struct {
	// Project layout
	ProjectDir string `json:"project_dir"`

	// Guest (QEMU)
	QemuPath     string `json:"qemu_path"`
	FirmwarePath string `json:"firmware_path"` // empty = search known locations
	Memory       string `json:"memory"`
	Accel        string `json:"accel"` // empty = kvm if available, else tcg
	DiskSizeMiB  int    `json:"disk_size_mib"`

	// Console timing
	BootTimeout     time.Duration `json:"boot_timeout"`
	LoginTimeout    time.Duration `json:"login_timeout"`
	CommandTimeout  time.Duration `json:"command_timeout"`
	SendDelay       time.Duration `json:"send_delay"`
	StopGrace       time.Duration `json:"stop_grace"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	// Guest identity
	LoginPrompt string `json:"login_prompt"`
	ShellPrompt string `json:"shell_prompt"`
	Username    string `json:"username"`

	// Package repository
	RepoAddr string `json:"repo_addr"`

	// Build
	ZigPath   string `json:"zig_path"`
	SkipBuild bool   `json:"skip_build"`

	// Observability
	SerialLogPath string `json:"serial_log_path"` // relative to ProjectDir
	EchoSerial    bool   `json:"echo_serial"`
	Verbose       bool   `json:"verbose"`
	LogFormat     string `json:"log_format"` // json, text
	TUIEnabled    bool   `json:"tui"`

	// Diagnostic modes
	PrintCmd      bool `json:"print_cmd"`
	Check         bool `json:"check"`
	SkipPreflight bool `json:"skip_preflight"`

	// ConfigFile is the optional YAML overlay applied between
	// defaults and flags.
	ConfigFile string `json:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		// Project layout
		ProjectDir: ".",

		// Guest
		QemuPath:    "qemu-system-x86_64",
		Memory:      "1G",
		DiskSizeMiB: 256,

		// Console timing. Boot under TCG is slow; everything after
		// login is interactive-speed.
		BootTimeout:     90 * time.Second,
		LoginTimeout:    10 * time.Second,
		CommandTimeout:  15 * time.Second,
		SendDelay:       100 * time.Millisecond,
		StopGrace:       5 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		// Guest identity
		LoginPrompt: "fornax login:",
		ShellPrompt: "root@fornax",
		Username:    "root",

		// Package repository. The guest's user-mode network reaches
		// the host on this port.
		RepoAddr: "0.0.0.0:8000",

		// Build
		ZigPath: "zig",

		// Observability
		SerialLogPath: "test-serial.log",
		EchoSerial:    true,
		Verbose:       false,
		LogFormat:     "text",
		TUIEnabled:    false,
	}
}

// Derived paths under ProjectDir. The build step produces all of
// these; preflight verifies them.

// ESPDir returns the EFI system partition staging directory.
func (c *Config) ESPDir() string {
	return filepath.Join(c.ProjectDir, "zig-out", "esp")
}

// RootfsDir returns the rootfs staging directory.
func (c *Config) RootfsDir() string {
	return filepath.Join(c.ProjectDir, "zig-out", "rootfs")
}

// MkgptPath returns the GPT partitioning tool path.
func (c *Config) MkgptPath() string {
	return filepath.Join(c.ProjectDir, "zig-out", "bin", "mkgpt")
}

// MkfxfsPath returns the fxfs formatting tool path.
func (c *Config) MkfxfsPath() string {
	return filepath.Join(c.ProjectDir, "zig-out", "bin", "mkfxfs")
}

// XxdBinaryPath returns the test package payload binary path.
func (c *Config) XxdBinaryPath() string {
	return filepath.Join(c.ProjectDir, "zig-out", "test-packages", "xxd")
}

// SerialLogFile returns the diagnostic transcript path, resolving a
// relative SerialLogPath against the project directory.
func (c *Config) SerialLogFile() string {
	if filepath.IsAbs(c.SerialLogPath) {
		return c.SerialLogPath
	}
	return filepath.Join(c.ProjectDir, c.SerialLogPath)
}
