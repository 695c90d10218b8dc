package qemu

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
)

var versionRe = regexp.MustCompile(`version\s+([0-9]+(?:\.[0-9]+)*)`)

// Available checks if the configured QEMU binary can be found.
func (r *Runner) Available() bool {
	_, err := exec.LookPath(r.config.BinaryPath)
	return err == nil
}

// Version runs "<binary> -version" and returns the version number,
// e.g. "9.1.0". Used by preflight to confirm the binary actually runs.
func (r *Runner) Version(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, r.config.BinaryPath, "-version")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s -version: %w", r.config.BinaryPath, err)
	}

	line := strings.SplitN(string(output), "\n", 2)[0]
	m := versionRe.FindStringSubmatch(line)
	if m == nil {
		return "", fmt.Errorf("unrecognized version output: %q", line)
	}
	return m[1], nil
}
