package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePort(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidatePort("port", 9050, false))
	assert.NoError(t, v.ValidatePort("port", 0, true))
	assert.Error(t, v.ValidatePort("port", 0, false))
	assert.Error(t, v.ValidatePort("port", 65536, true))
	assert.Error(t, v.ValidatePort("port", -1, true))
}

func TestValidateLoopbackHost(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		host    string
		wantErr bool
	}{
		{host: "127.0.0.1"},
		{host: "127.0.0.2"},
		{host: "::1"},
		{host: "localhost"},
		{host: "", wantErr: true},
		{host: "0.0.0.0", wantErr: true},
		{host: "192.168.1.10", wantErr: true},
		{host: "example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			err := v.ValidateLoopbackHost("host", tt.host)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateLogLevels(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateLogLevel("debug"))
	assert.Error(t, v.ValidateLogLevel("notice"))

	assert.NoError(t, v.ValidateDaemonLogLevel(""))
	assert.NoError(t, v.ValidateDaemonLogLevel("notice"))
	assert.Error(t, v.ValidateDaemonLogLevel("verbose"))
}

func TestValidateSchedule(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateSchedule("*/10 * * * *", ""))
	assert.NoError(t, v.ValidateSchedule("@every 30m", "UTC"))
	assert.Error(t, v.ValidateSchedule("sometimes", ""))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("defaults are valid", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(validConfig()))
	})

	t.Run("collects every problem", func(t *testing.T) {
		cfg := validConfig()
		cfg.Daemon.BinaryPath = " "
		cfg.Daemon.ListenHost = "0.0.0.0"
		cfg.Daemon.LogLevel = "loud"
		cfg.Logging.Level = "trace"

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 4)
	})

	t.Run("relative data directory", func(t *testing.T) {
		cfg := validConfig()
		cfg.Daemon.DataDirectory = "tor-data"

		require.Len(t, v.ValidateConfig(cfg), 1)
	})

	t.Run("rotation schedule only checked when enabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Rotation.Schedule = "nonsense"
		assert.Empty(t, v.ValidateConfig(cfg))

		cfg.Rotation.Enabled = true
		assert.Len(t, v.ValidateConfig(cfg), 1)
	})

	t.Run("api port collision", func(t *testing.T) {
		cfg := validConfig()
		cfg.API.Port = cfg.Daemon.ListenPort

		assert.Len(t, v.ValidateConfig(cfg), 1)
	})

	t.Run("api disabled skips api checks", func(t *testing.T) {
		cfg := validConfig()
		cfg.API.Enabled = false
		cfg.API.Host = "0.0.0.0"

		assert.Empty(t, v.ValidateConfig(cfg))
	})

	t.Run("escaping session pattern", func(t *testing.T) {
		cfg := validConfig()
		cfg.Session.Patterns = []string{"../home"}

		assert.Len(t, v.ValidateConfig(cfg), 1)
	})

	t.Run("bad probe target", func(t *testing.T) {
		cfg := validConfig()
		cfg.Probe.Target = "no-port"

		assert.Len(t, v.ValidateConfig(cfg), 1)
	})
}
