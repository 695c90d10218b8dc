package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var memoryRe = regexp.MustCompile(`^[0-9]+[kKmMgG]?$`)

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing the problem.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.ProjectDir == "" {
		errs = append(errs, ValidationError{
			Field:   "project",
			Message: "project directory is required",
		})
	}

	if cfg.Memory == "" || !memoryRe.MatchString(cfg.Memory) {
		errs = append(errs, ValidationError{
			Field:   "memory",
			Message: fmt.Sprintf("must be a QEMU size like 1G or 512M (got %q)", cfg.Memory),
		})
	}

	// The image layout reserves 1 MiB in front of the partition plus
	// the backup GPT; anything under 2 MiB cannot hold a filesystem.
	if cfg.DiskSizeMiB < 2 {
		errs = append(errs, ValidationError{
			Field:   "disk_size",
			Message: fmt.Sprintf("must be at least 2 MiB (got %d)", cfg.DiskSizeMiB),
		})
	}

	for _, d := range []struct {
		field string
		value int64
	}{
		{"boot_timeout", int64(cfg.BootTimeout)},
		{"login_timeout", int64(cfg.LoginTimeout)},
		{"cmd_timeout", int64(cfg.CommandTimeout)},
		{"stop_grace", int64(cfg.StopGrace)},
		{"shutdown_timeout", int64(cfg.ShutdownTimeout)},
	} {
		if d.value <= 0 {
			errs = append(errs, ValidationError{
				Field:   d.field,
				Message: "must be positive",
			})
		}
	}

	if cfg.SendDelay < 0 {
		errs = append(errs, ValidationError{
			Field:   "send_delay",
			Message: "must not be negative",
		})
	}

	if cfg.LoginPrompt == "" {
		errs = append(errs, ValidationError{
			Field:   "login_prompt",
			Message: "must not be empty",
		})
	}
	if cfg.ShellPrompt == "" {
		errs = append(errs, ValidationError{
			Field:   "shell_prompt",
			Message: "must not be empty",
		})
	}
	if cfg.Username == "" {
		errs = append(errs, ValidationError{
			Field:   "user",
			Message: "must not be empty",
		})
	}

	if _, _, err := net.SplitHostPort(cfg.RepoAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "repo_addr",
			Message: fmt.Sprintf("must be host:port (got %q)", cfg.RepoAddr),
		})
	}

	// Log format must be valid
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   "log_format",
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	if cfg.SerialLogPath == "" {
		errs = append(errs, ValidationError{
			Field:   "serial_log",
			Message: "must not be empty",
		})
	}

	// The dashboard owns the terminal; raw serial echo would corrupt it.
	if cfg.TUIEnabled && cfg.EchoSerial {
		errs = append(errs, ValidationError{
			Field:   "tui",
			Message: "-tui requires -echo-serial=false",
		})
	}

	// Return combined errors
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}
