// Package qemu builds the qemu-system command that boots the guest
// image with its serial console on stdio.
package qemu

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Config holds configuration for the QEMU guest.
type Config struct {
	// BinaryPath is the path to the qemu-system binary.
	BinaryPath string

	// FirmwarePath is the UEFI firmware image (OVMF code), mapped
	// read-only via pflash.
	FirmwarePath string

	// ESPDir is a host directory exposed to the guest as a VVFAT EFI
	// system partition.
	ESPDir string

	// DiskImage is the raw test disk attached over virtio-blk.
	// Empty means no test disk.
	DiskImage string

	// Memory is the guest RAM size in QEMU notation, e.g. "1G".
	Memory string

	// AccelOverride forces an -accel value. Empty selects KVM when
	// /dev/kvm exists and single-threaded TCG otherwise.
	AccelOverride string

	// KVMDevicePath exists so tests can fake the KVM probe.
	// Defaults to /dev/kvm.
	KVMDevicePath string
}

// DefaultConfig returns a Config with the standard guest shape.
func DefaultConfig() *Config {
	return &Config{
		BinaryPath:    "qemu-system-x86_64",
		Memory:        "1G",
		KVMDevicePath: "/dev/kvm",
	}
}

// Runner builds QEMU commands. It satisfies the console driver's
// CommandBuilder interface.
type Runner struct {
	config *Config
}

// NewRunner creates a Runner with the given configuration.
func NewRunner(cfg *Config) *Runner {
	return &Runner{
		config: cfg,
	}
}

// Name returns the QEMU binary name.
func (r *Runner) Name() string {
	return r.config.BinaryPath
}

// BuildCommand creates an exec.Cmd for the guest with all configured
// options.
func (r *Runner) BuildCommand(ctx context.Context) (*exec.Cmd, error) {
	args := r.buildArgs()
	cmd := exec.CommandContext(ctx, r.config.BinaryPath, args...)
	return cmd, nil
}

// Accel returns the -accel value that will be used.
func (r *Runner) Accel() string {
	if r.config.AccelOverride != "" {
		return r.config.AccelOverride
	}
	// KVM when the host has it. The TCG fallback is single-threaded:
	// multi-threaded TCG can starve the QEMU event loop during tight
	// guest poll loops, causing virtio-blk timeouts.
	kvm := r.config.KVMDevicePath
	if kvm == "" {
		kvm = "/dev/kvm"
	}
	if _, err := os.Stat(kvm); err == nil {
		return "kvm"
	}
	return "tcg,thread=single"
}

// buildArgs constructs the QEMU command-line arguments.
func (r *Runner) buildArgs() []string {
	args := []string{
		"-accel", r.Accel(),
		"-cpu", "max",
	}

	// UEFI firmware, then the ESP directory as a VVFAT boot drive
	args = append(args,
		"-drive", fmt.Sprintf("if=pflash,format=raw,readonly=on,file=%s", r.config.FirmwarePath),
		"-drive", fmt.Sprintf("format=raw,file=fat:rw:%s", r.config.ESPDir),
	)

	// Serial console on stdio is the whole point: the driver speaks
	// to the guest through this process's stdin/stdout.
	args = append(args,
		"-m", r.config.Memory,
		"-serial", "stdio",
		"-display", "none",
		"-no-reboot",
	)

	// User-mode networking for the package repository
	args = append(args,
		"-device", "virtio-net-pci,netdev=net0",
		"-netdev", "user,id=net0",
	)

	// Input devices the guest kernel probes for
	args = append(args,
		"-device", "virtio-keyboard-pci",
		"-device", "nec-usb-xhci,id=xhci",
		"-device", "usb-kbd,bus=xhci.0",
		"-device", "usb-mouse,bus=xhci.0",
	)

	// Test disk over virtio-blk
	if r.config.DiskImage != "" {
		args = append(args,
			"-drive", fmt.Sprintf("file=%s,format=raw,if=none,id=blk0,cache=writeback", r.config.DiskImage),
			"-device", "virtio-blk-pci,drive=blk0",
		)
	}

	return args
}

// Config returns the QEMU configuration.
func (r *Runner) Config() *Config {
	return r.config
}

// CommandString returns the command that would be executed (for debugging).
func (r *Runner) CommandString() string {
	args := r.buildArgs()
	return r.config.BinaryPath + " " + strings.Join(args, " ")
}
