package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"github.com/harun/proxyd/pkg/rotation"
	"github.com/harun/proxyd/pkg/session"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePort checks a TCP port. allowZero permits ephemeral ports.
func (v *Validator) ValidatePort(name string, port int, allowZero bool) error {
	if allowZero && port == 0 {
		return nil
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

// ValidateLoopbackHost requires an IP literal or "localhost" that resolves
// to loopback
func (v *Validator) ValidateLoopbackHost(name, host string) error {
	if host == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if host == "localhost" {
		return nil
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%s must be an IP address, got %q", name, host)
	}
	if !ip.IsLoopback() {
		return fmt.Errorf("%s must be a loopback address, got %s", name, host)
	}
	return nil
}

// ValidateLogLevel validates the proxyd log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, []string{"debug", "info", "warn", "error"})
}

// ValidateDaemonLogLevel validates the daemon's own log level
func (v *Validator) ValidateDaemonLogLevel(level string) error {
	if level == "" {
		return nil
	}
	return oneOf("daemon log level", level, []string{"debug", "info", "notice", "warn", "err"})
}

// ValidateSchedule validates a rotation schedule expression and zone
func (v *Validator) ValidateSchedule(expr, tz string) error {
	_, err := rotation.ParseSchedule(expr, tz)
	return err
}

// ValidateSessionPatterns checks cleanup patterns stay inside the data directory
func (v *Validator) ValidateSessionPatterns(patterns []string) error {
	for _, p := range patterns {
		if err := session.ValidatePattern(p); err != nil {
			return err
		}
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Daemon.BinaryPath) == "" {
		add(fmt.Errorf("daemon binary_path cannot be empty"))
	}
	add(v.ValidateLoopbackHost("daemon listen_host", cfg.Daemon.ListenHost))
	add(v.ValidatePort("daemon listen_port", cfg.Daemon.ListenPort, false))
	add(v.ValidateDaemonLogLevel(cfg.Daemon.LogLevel))
	if cfg.Daemon.DataDirectory != "" && !filepath.IsAbs(cfg.Daemon.DataDirectory) {
		add(fmt.Errorf("daemon data_directory must be absolute, got %q", cfg.Daemon.DataDirectory))
	}

	if cfg.Supervisor.StopGraceSeconds < 0 {
		add(fmt.Errorf("supervisor stop_grace_seconds must be >= 0"))
	}
	if cfg.Supervisor.StartTimeoutSeconds < 0 {
		add(fmt.Errorf("supervisor start_timeout_seconds must be >= 0"))
	}

	add(v.ValidateSessionPatterns(cfg.Session.Patterns))

	if cfg.Rotation.Enabled {
		add(v.ValidateSchedule(cfg.Rotation.Schedule, cfg.Rotation.TZ))
	}

	if cfg.API.Enabled {
		add(v.ValidateLoopbackHost("api host", cfg.API.Host))
		add(v.ValidatePort("api port", cfg.API.Port, true))
		if cfg.API.Port != 0 && cfg.API.Port == cfg.Daemon.ListenPort {
			add(fmt.Errorf("api port %d collides with daemon listen_port", cfg.API.Port))
		}
	}

	if cfg.Probe.Target != "" {
		if _, _, err := net.SplitHostPort(cfg.Probe.Target); err != nil {
			add(fmt.Errorf("probe target must be host:port: %w", err))
		}
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))

	return errs
}

func oneOf(name, value string, valid []string) error {
	for _, ok := range valid {
		if value == ok {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", name, value, strings.Join(valid, ", "))
}
