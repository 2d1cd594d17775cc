package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console output", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Level: "info", Console: true, Output: &buf})
		require.NoError(t, err)
		defer l.Close()

		l.Info().Str("state", "connected").Msg("daemon ready")

		assert.Contains(t, buf.String(), `"message":"daemon ready"`)
		assert.Contains(t, buf.String(), `"state":"connected"`)
	})

	t.Run("file output", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "proxyd.log")

		l, err := New(Config{Level: "debug", File: logFile, MaxSize: 1})
		require.NoError(t, err)

		l.Debug().Msg("written to file")
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "written to file")
	})

	t.Run("redaction", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Level: "info", Console: true, Output: &buf, Redaction: true})
		require.NoError(t, err)
		defer l.Close()

		require.NotNil(t, l.Redactor())
		l.Info().Msg("AUTHENTICATE " + strings.Repeat("ff", 32))

		assert.NotContains(t, buf.String(), strings.Repeat("ff", 32))
		assert.Contains(t, buf.String(), "[REDACTED]")
	})

	t.Run("level filtering", func(t *testing.T) {
		var buf bytes.Buffer
		l, err := New(Config{Level: "warn", Console: true, Output: &buf})
		require.NoError(t, err)
		defer l.Close()

		l.Info().Msg("hidden")
		l.Warn().Msg("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("invalid level falls back to info", func(t *testing.T) {
		l, err := New(Config{Level: "chatty"})
		require.NoError(t, err)
		defer l.Close()

		assert.Equal(t, zerolog.InfoLevel, l.GetZerolog().GetLevel())
	})

	t.Run("unwritable file", func(t *testing.T) {
		parent := filepath.Join(t.TempDir(), "not-a-dir")
		require.NoError(t, os.WriteFile(parent, nil, 0o600))

		_, err := New(Config{File: filepath.Join(parent, "proxyd.log")})
		assert.Error(t, err)
	})
}

func TestLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(Config{Level: "info", Console: true, Output: &buf})
	require.NoError(t, err)
	defer l.Close()

	child := l.With().Str("component", "supervisor").Logger()
	child.Error().Msg("spawn failed")

	assert.Contains(t, buf.String(), `"component":"supervisor"`)
	assert.Contains(t, buf.String(), `"level":"error"`)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Pretty)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 20, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
	assert.True(t, cfg.Compress)
}
