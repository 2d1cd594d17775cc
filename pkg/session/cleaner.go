package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harun/proxyd/pkg/torrc"
)

// DefaultPatterns are removed from the data directory on every teardown
var DefaultPatterns = []string{
	torrc.ControlPortFile,
	torrc.CookieFile,
}

// ErrInvalidPattern is returned for patterns that could escape the data directory
var ErrInvalidPattern = errors.New("invalid session path pattern")

// Hook clears state held outside the data directory
type Hook func(ctx context.Context) error

type namedHook struct {
	name string
	fn   Hook
}

// CleanerConfig holds configuration for the session cleaner
type CleanerConfig struct {
	DataDirectory string

	// Patterns are globs relative to DataDirectory. Nil means DefaultPatterns.
	Patterns []string

	Logger zerolog.Logger
}

// Cleaner tears down daemon-scoped session data once nobody uses the daemon
type Cleaner struct {
	dataDir  string
	patterns []string
	logger   zerolog.Logger

	mu    sync.Mutex
	hooks []namedHook
}

// NewCleaner validates the patterns and creates a cleaner
func NewCleaner(config CleanerConfig) (*Cleaner, error) {
	if strings.TrimSpace(config.DataDirectory) == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	patterns := config.Patterns
	if patterns == nil {
		patterns = DefaultPatterns
	}
	for _, p := range patterns {
		if err := ValidatePattern(p); err != nil {
			return nil, err
		}
	}

	return &Cleaner{
		dataDir:  config.DataDirectory,
		patterns: append([]string(nil), patterns...),
		logger:   config.Logger,
	}, nil
}

// ValidatePattern rejects patterns that could reach outside the data directory
func ValidatePattern(p string) error {
	if strings.TrimSpace(p) == "" || filepath.IsAbs(p) {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, p)
	}
	clean := filepath.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return fmt.Errorf("%w: %q", ErrInvalidPattern, p)
	}
	if clean == torrc.FileName {
		return fmt.Errorf("%w: %q is regenerated on start, not session data", ErrInvalidPattern, p)
	}
	if _, err := filepath.Match(clean, ""); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return nil
}

// AddHook registers fn to run on every ClearSession, in registration order
func (c *Cleaner) AddHook(name string, fn Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, namedHook{name: name, fn: fn})
}

// ClearSession removes matching files and runs hooks. Every step runs even
// when an earlier one fails; the failures are joined.
func (c *Cleaner) ClearSession(ctx context.Context) error {
	var errs []error
	removed := 0

	for _, pattern := range c.patterns {
		matches, err := filepath.Glob(filepath.Join(c.dataDir, pattern))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to expand %q: %w", pattern, err))
			continue
		}
		for _, path := range matches {
			if err := os.RemoveAll(path); err != nil {
				errs = append(errs, fmt.Errorf("failed to remove %s: %w", path, err))
				continue
			}
			removed++
		}
	}

	c.mu.Lock()
	hooks := append([]namedHook(nil), c.hooks...)
	c.mu.Unlock()

	for _, h := range hooks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := h.fn(ctx); err != nil {
			c.logger.Warn().
				Str("hook", h.name).
				Err(err).
				Msg("Session hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
		}
	}

	c.logger.Info().
		Int("removed", removed).
		Int("hooks", len(hooks)).
		Msg("Session data cleared")

	return errors.Join(errs...)
}
