package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// duration wraps time.Duration so YAML accepts "90s" / "3m" strings.
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"90s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(parsed)
	return nil
}

// fileConfig mirrors Config with pointer fields so a YAML file can
// set any subset without clobbering the rest.
type fileConfig struct {
	ProjectDir   *string `yaml:"project_dir"`
	QemuPath     *string `yaml:"qemu_path"`
	FirmwarePath *string `yaml:"firmware_path"`
	Memory       *string `yaml:"memory"`
	Accel        *string `yaml:"accel"`
	DiskSizeMiB  *int    `yaml:"disk_size_mib"`

	BootTimeout     *duration `yaml:"boot_timeout"`
	LoginTimeout    *duration `yaml:"login_timeout"`
	CommandTimeout  *duration `yaml:"command_timeout"`
	SendDelay       *duration `yaml:"send_delay"`
	StopGrace       *duration `yaml:"stop_grace"`
	ShutdownTimeout *duration `yaml:"shutdown_timeout"`

	LoginPrompt *string `yaml:"login_prompt"`
	ShellPrompt *string `yaml:"shell_prompt"`
	Username    *string `yaml:"username"`

	RepoAddr *string `yaml:"repo_addr"`

	ZigPath   *string `yaml:"zig_path"`
	SkipBuild *bool   `yaml:"skip_build"`

	SerialLogPath *string `yaml:"serial_log_path"`
	EchoSerial    *bool   `yaml:"echo_serial"`
	Verbose       *bool   `yaml:"verbose"`
	LogFormat     *string `yaml:"log_format"`
	TUIEnabled    *bool   `yaml:"tui"`
}

// applyFile loads a YAML overlay into cfg. Fields whose flag was
// given on the command line keep the flag value; setFlags maps flag
// names that were explicitly set.
func applyFile(cfg *Config, path string, setFlags map[string]bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	setString := func(flagName string, dst *string, src *string) {
		if src != nil && !setFlags[flagName] {
			*dst = *src
		}
	}
	setInt := func(flagName string, dst *int, src *int) {
		if src != nil && !setFlags[flagName] {
			*dst = *src
		}
	}
	setBool := func(flagName string, dst *bool, src *bool) {
		if src != nil && !setFlags[flagName] {
			*dst = *src
		}
	}
	setDuration := func(flagName string, dst *time.Duration, src *duration) {
		if src != nil && !setFlags[flagName] {
			*dst = time.Duration(*src)
		}
	}

	setString("project", &cfg.ProjectDir, fc.ProjectDir)
	setString("qemu", &cfg.QemuPath, fc.QemuPath)
	setString("firmware", &cfg.FirmwarePath, fc.FirmwarePath)
	setString("memory", &cfg.Memory, fc.Memory)
	setString("accel", &cfg.Accel, fc.Accel)
	setInt("disk-size", &cfg.DiskSizeMiB, fc.DiskSizeMiB)

	setDuration("boot-timeout", &cfg.BootTimeout, fc.BootTimeout)
	setDuration("login-timeout", &cfg.LoginTimeout, fc.LoginTimeout)
	setDuration("cmd-timeout", &cfg.CommandTimeout, fc.CommandTimeout)
	setDuration("send-delay", &cfg.SendDelay, fc.SendDelay)
	setDuration("stop-grace", &cfg.StopGrace, fc.StopGrace)
	setDuration("shutdown-timeout", &cfg.ShutdownTimeout, fc.ShutdownTimeout)

	setString("login-prompt", &cfg.LoginPrompt, fc.LoginPrompt)
	setString("shell-prompt", &cfg.ShellPrompt, fc.ShellPrompt)
	setString("user", &cfg.Username, fc.Username)

	setString("repo-addr", &cfg.RepoAddr, fc.RepoAddr)

	setString("zig", &cfg.ZigPath, fc.ZigPath)
	setBool("skip-build", &cfg.SkipBuild, fc.SkipBuild)

	setString("serial-log", &cfg.SerialLogPath, fc.SerialLogPath)
	setBool("echo-serial", &cfg.EchoSerial, fc.EchoSerial)
	setBool("v", &cfg.Verbose, fc.Verbose)
	setString("log-format", &cfg.LogFormat, fc.LogFormat)
	setBool("tui", &cfg.TUIEnabled, fc.TUIEnabled)

	return nil
}
