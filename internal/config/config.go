package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/harun/proxyd/pkg/torrc"
)

// Config is the proxyd configuration file
type Config struct {
	// Data directory for proxyd state (lock, pid file, logs)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	Daemon     DaemonConfig     `json:"daemon" mapstructure:"daemon"`
	Supervisor SupervisorConfig `json:"supervisor" mapstructure:"supervisor"`
	Session    SessionConfig    `json:"session" mapstructure:"session"`
	Rotation   RotationConfig   `json:"rotation" mapstructure:"rotation"`
	API        APIConfig        `json:"api" mapstructure:"api"`
	Probe      ProbeConfig      `json:"probe" mapstructure:"probe"`
	Logging    LoggingConfig    `json:"logging" mapstructure:"logging"`
	Tracing    TracingConfig    `json:"tracing" mapstructure:"tracing"`
}

// DaemonConfig describes the supervised proxy daemon
type DaemonConfig struct {
	BinaryPath    string   `json:"binary_path" mapstructure:"binary_path"`
	ListenHost    string   `json:"listen_host" mapstructure:"listen_host"`
	ListenPort    int      `json:"listen_port" mapstructure:"listen_port"`
	DataDirectory string   `json:"data_directory" mapstructure:"data_directory"`
	ControlPort   string   `json:"control_port" mapstructure:"control_port"` // "", "auto" or a port
	CookieAuth    bool     `json:"cookie_auth" mapstructure:"cookie_auth"`
	LogLevel      string   `json:"log_level" mapstructure:"log_level"` // debug, info, notice, warn, err
	ExtraFlags    []string `json:"extra_flags" mapstructure:"extra_flags"`
}

// SupervisorConfig tunes process supervision
type SupervisorConfig struct {
	StopGraceSeconds        int      `json:"stop_grace_seconds" mapstructure:"stop_grace_seconds"`
	StartTimeoutSeconds     int      `json:"start_timeout_seconds" mapstructure:"start_timeout_seconds"` // 0 disables
	IdentityIntervalSeconds int      `json:"identity_interval_seconds" mapstructure:"identity_interval_seconds"`
	ReadyPatterns           []string `json:"ready_patterns" mapstructure:"ready_patterns"`
}

// SessionConfig controls what is removed when the daemon is released
type SessionConfig struct {
	Patterns              []string `json:"patterns" mapstructure:"patterns"`
	CleanupTimeoutSeconds int      `json:"cleanup_timeout_seconds" mapstructure:"cleanup_timeout_seconds"`
}

// RotationConfig schedules identity rotation
type RotationConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron expression or descriptor
	TZ       string `json:"tz" mapstructure:"tz"`
}

// APIConfig configures the local status API
type APIConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
	Token   string `json:"token" mapstructure:"token"`
}

// ProbeConfig configures the SOCKS5 readiness probe
type ProbeConfig struct {
	Target         string `json:"target" mapstructure:"target"`
	TimeoutSeconds int    `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig toggles the OpenTelemetry tracer provider
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
}

// DefaultConfig returns a config with default values. Paths derived from
// the home directory are filled in by the loader.
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			BinaryPath:  "tor",
			ListenHost:  "127.0.0.1",
			ListenPort:  9050,
			ControlPort: torrc.ControlPortAuto,
			CookieAuth:  true,
			LogLevel:    "notice",
			ExtraFlags:  []string{},
		},
		Supervisor: SupervisorConfig{
			StopGraceSeconds:        5,
			StartTimeoutSeconds:     0,
			IdentityIntervalSeconds: 10,
			ReadyPatterns:           []string{},
		},
		Session: SessionConfig{
			Patterns:              []string{},
			CleanupTimeoutSeconds: 30,
		},
		Rotation: RotationConfig{
			Enabled:  false,
			Schedule: "@every 10m",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    9052,
		},
		Probe: ProbeConfig{
			Target:         "check.torproject.org:443",
			TimeoutSeconds: 5,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   20,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "proxyd",
		},
	}
}

// String returns a JSON representation of the config with the API token
// masked
func (c *Config) String() string {
	masked := *c
	if masked.API.Token != "" {
		masked.API.Token = "********"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// DaemonSettings converts the daemon section into a render-ready config
func (c *Config) DaemonSettings() torrc.DaemonConfig {
	return torrc.DaemonConfig{
		ListenHost:    c.Daemon.ListenHost,
		ListenPort:    c.Daemon.ListenPort,
		DataDirectory: c.Daemon.DataDirectory,
		ControlPort:   c.Daemon.ControlPort,
		CookieAuth:    c.Daemon.CookieAuth,
		LogLevel:      c.Daemon.LogLevel,
		ExtraFlags:    append([]string(nil), c.Daemon.ExtraFlags...),
	}
}

// APIAddr is the status API listen address
func (c *Config) APIAddr() string {
	return net.JoinHostPort(c.API.Host, strconv.Itoa(c.API.Port))
}

func (c *Config) StopGrace() time.Duration {
	return time.Duration(c.Supervisor.StopGraceSeconds) * time.Second
}

func (c *Config) StartTimeout() time.Duration {
	return time.Duration(c.Supervisor.StartTimeoutSeconds) * time.Second
}

// IdentityInterval returns the NEWNYM throttle. Negative disables it.
func (c *Config) IdentityInterval() time.Duration {
	return time.Duration(c.Supervisor.IdentityIntervalSeconds) * time.Second
}

func (c *Config) CleanupTimeout() time.Duration {
	return time.Duration(c.Session.CleanupTimeoutSeconds) * time.Second
}

func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Probe.TimeoutSeconds) * time.Second
}

// Validate checks the configuration is usable, returning the first problem
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return errs[0]
	}
	if err := c.DaemonSettings().Validate(); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	return nil
}
