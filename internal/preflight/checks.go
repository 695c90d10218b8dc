// Package preflight provides startup validation checks.
package preflight

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fornax-os/vmtest/internal/qemu"
)

// Check represents the result of a single preflight check.
type Check struct {
	Name    string // Name of the check
	Passed  bool   // Whether the check passed
	Warning bool   // True if it's a warning (non-fatal)
	Message string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks       []Check
	Passed       bool
	FirmwarePath string // Resolved OVMF path when the firmware check passed
}

// Error reports fatal environment failures found before the run starts.
type Error struct {
	Failed []Check
}

func (e *Error) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, c := range e.Failed {
		names = append(names, c.Name)
	}
	return fmt.Sprintf("preflight checks failed: %s", strings.Join(names, ", "))
}

// Err returns an *Error listing the failed checks, or nil if all passed.
func (r *Result) Err() error {
	if r.Passed {
		return nil
	}
	failed := make([]Check, 0, len(r.Checks))
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return &Error{Failed: failed}
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// Env describes the host environment inputs the checks need.
type Env struct {
	QemuPath         string // QEMU binary path or name
	FirmwareOverride string // Explicit OVMF path, empty to search known locations
	RepoAddr         string // host:port the package server will bind
	ZigPath          string // Zig binary path or name
	SkipBuild        bool   // Build step will be skipped, zig not needed
	KVMDevicePath    string // Usually /dev/kvm, empty for the default
}

// RunAll executes all preflight checks.
func RunAll(env Env) *Result {
	result := &Result{
		Checks: make([]Check, 0, 5),
		Passed: true,
	}

	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	qemuCheck := checkQemu(env.QemuPath)
	add(qemuCheck)

	fwCheck, fwPath := checkFirmware(env.FirmwareOverride)
	add(fwCheck)
	result.FirmwarePath = fwPath

	add(checkRepoPort(env.RepoAddr))
	add(checkZig(env.ZigPath, env.SkipBuild))

	// KVM absence is survivable: the guest falls back to TCG.
	add(checkKVM(env.KVMDevicePath))

	return result
}

// checkQemu verifies the QEMU binary is available and working.
func checkQemu(path string) Check {
	runner := qemu.NewRunner(&qemu.Config{BinaryPath: path})
	if !runner.Available() {
		return Check{
			Name:    "qemu",
			Passed:  false,
			Message: fmt.Sprintf("not found: %s", path),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	version, err := runner.Version(ctx)
	if err != nil {
		return Check{
			Name:    "qemu",
			Passed:  false,
			Message: fmt.Sprintf("found %s but -version failed: %v", path, err),
		}
	}

	return Check{
		Name:    "qemu",
		Passed:  true,
		Message: fmt.Sprintf("found %s (version %s)", path, version),
	}
}

// checkFirmware looks for OVMF firmware, honoring an explicit override.
func checkFirmware(override string) (Check, string) {
	path, err := qemu.FindFirmware(override)
	if err != nil {
		return Check{
			Name:    "firmware",
			Passed:  false,
			Message: err.Error(),
		}, ""
	}
	return Check{
		Name:    "firmware",
		Passed:  true,
		Message: path,
	}, path
}

// checkRepoPort verifies the package server address is bindable.
func checkRepoPort(addr string) Check {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return Check{
			Name:    "repo_port",
			Passed:  false,
			Message: fmt.Sprintf("cannot bind %s: %v", addr, err),
		}
	}
	ln.Close()
	return Check{
		Name:    "repo_port",
		Passed:  true,
		Message: fmt.Sprintf("%s is free", addr),
	}
}

// checkZig verifies the compiler used by the build step is on PATH.
func checkZig(path string, skipBuild bool) Check {
	if skipBuild {
		return Check{
			Name:    "zig",
			Passed:  true,
			Warning: true,
			Message: "skipped (build step disabled)",
		}
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return Check{
			Name:    "zig",
			Passed:  false,
			Message: fmt.Sprintf("not found: %s", path),
		}
	}
	return Check{
		Name:    "zig",
		Passed:  true,
		Message: fmt.Sprintf("found at %s", resolved),
	}
}

// checkKVM reports whether hardware acceleration is available.
func checkKVM(devicePath string) Check {
	if devicePath == "" {
		devicePath = "/dev/kvm"
	}
	if _, err := os.Stat(devicePath); err != nil {
		return Check{
			Name:    "kvm",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("%s not available, guest will run under TCG", devicePath),
		}
	}
	return Check{
		Name:    "kvm",
		Passed:  true,
		Message: devicePath,
	}
}

// CheckArtifacts verifies the build outputs the run depends on. It runs
// after the build step, not with the other checks.
func CheckArtifacts(mkgptPath, mkfxfsPath, xxdPath, espDir string) *Result {
	result := &Result{
		Checks: make([]Check, 0, 4),
		Passed: true,
	}

	add := func(c Check) {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	add(checkExecutable("mkgpt", mkgptPath))
	add(checkExecutable("mkfxfs", mkfxfsPath))
	add(checkExecutable("xxd_package", xxdPath))
	add(checkDir("esp", espDir))

	return result
}

func checkExecutable(name, path string) Check {
	info, err := os.Stat(path)
	if err != nil {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("missing: %s", path),
		}
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("not an executable: %s", path),
		}
	}
	return Check{Name: name, Passed: true, Message: path}
}

func checkDir(name, path string) Check {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return Check{
			Name:    name,
			Passed:  false,
			Message: fmt.Sprintf("missing directory: %s", path),
		}
	}
	return Check{Name: name, Passed: true, Message: path}
}

// PrintResults prints the preflight check results to stdout.
func PrintResults(result *Result) {
	fmt.Println("Preflight checks:")
	for _, check := range result.Checks {
		fmt.Println(check.String())
		if !check.Passed {
			fmt.Printf("    Fix: %s\n", suggestFix(check.Name))
		}
	}
	fmt.Println()
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "qemu":
		return "install QEMU (apt install qemu-system-x86 / brew install qemu)"
	case "firmware":
		return "install OVMF (apt install ovmf) or pass -firmware <path>"
	case "repo_port":
		return "stop the process using the port or pass -repo-addr host:port"
	case "zig":
		return "install zig and ensure it is on PATH, or pass -skip-build"
	case "mkgpt", "mkfxfs":
		return "run the image-tool build step (omit -skip-build)"
	case "xxd_package":
		return "build with test packages enabled (omit -skip-build)"
	case "esp":
		return "run the system build so the EFI system partition directory exists"
	default:
		return "see documentation"
	}
}
