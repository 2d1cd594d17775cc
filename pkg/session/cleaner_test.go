package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/proxyd/pkg/torrc"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0600))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestNewCleaner_DefaultPatterns(t *testing.T) {
	c, err := NewCleaner(CleanerConfig{DataDirectory: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Equal(t, DefaultPatterns, c.patterns)
}

func TestNewCleaner_RejectsUnsafePatterns(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
	}{
		{"empty", ""},
		{"absolute", "/etc/passwd"},
		{"parent", "../other"},
		{"nested parent", "cache/../../other"},
		{"dot", "."},
		{"config file", torrc.FileName},
		{"bad glob", "cache[-"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCleaner(CleanerConfig{
				DataDirectory: t.TempDir(),
				Patterns:      []string{tt.pattern},
			})
			assert.ErrorIs(t, err, ErrInvalidPattern)
		})
	}
}

func TestNewCleaner_RequiresDataDirectory(t *testing.T) {
	_, err := NewCleaner(CleanerConfig{})
	assert.Error(t, err)
}

func TestClearSession_RemovesMatches(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, torrc.ControlPortFile))
	touch(t, filepath.Join(dir, torrc.CookieFile))
	touch(t, filepath.Join(dir, "cached-microdescs"))
	touch(t, filepath.Join(dir, "cached-certs"))
	touch(t, filepath.Join(dir, "keys", "secret_id_key"))
	touch(t, filepath.Join(dir, "state"))
	touch(t, filepath.Join(dir, torrc.FileName))

	c, err := NewCleaner(CleanerConfig{
		DataDirectory: dir,
		Patterns:      append([]string{"cached-*", "keys"}, DefaultPatterns...),
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)

	require.NoError(t, c.ClearSession(context.Background()))

	assert.False(t, exists(filepath.Join(dir, torrc.ControlPortFile)))
	assert.False(t, exists(filepath.Join(dir, torrc.CookieFile)))
	assert.False(t, exists(filepath.Join(dir, "cached-microdescs")))
	assert.False(t, exists(filepath.Join(dir, "cached-certs")))
	assert.False(t, exists(filepath.Join(dir, "keys")))
	assert.True(t, exists(filepath.Join(dir, "state")))
	assert.True(t, exists(filepath.Join(dir, torrc.FileName)))
}

func TestClearSession_EmptyDirectory(t *testing.T) {
	c, err := NewCleaner(CleanerConfig{DataDirectory: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)

	assert.NoError(t, c.ClearSession(context.Background()))
}

func TestClearSession_RunsHooksInOrder(t *testing.T) {
	c, err := NewCleaner(CleanerConfig{DataDirectory: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)

	var calls []string
	c.AddHook("first", func(context.Context) error {
		calls = append(calls, "first")
		return nil
	})
	c.AddHook("second", func(context.Context) error {
		calls = append(calls, "second")
		return nil
	})

	require.NoError(t, c.ClearSession(context.Background()))
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestClearSession_HookFailureDoesNotStopOthers(t *testing.T) {
	c, err := NewCleaner(CleanerConfig{DataDirectory: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)

	boom := errors.New("boom")
	ran := false
	c.AddHook("failing", func(context.Context) error { return boom })
	c.AddHook("after", func(context.Context) error {
		ran = true
		return nil
	})

	err = c.ClearSession(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, ran)
}

func TestClearSession_CancelledContextSkipsHooks(t *testing.T) {
	c, err := NewCleaner(CleanerConfig{DataDirectory: t.TempDir(), Logger: zerolog.Nop()})
	require.NoError(t, err)

	ran := false
	c.AddHook("skipped", func(context.Context) error {
		ran = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = c.ClearSession(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
}
