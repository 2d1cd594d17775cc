// Package session clears daemon-scoped session data.
//
// Invariants:
// - Patterns are relative to the data directory and can't escape it.
// - The rendered config file is never removed.
// - Every pattern and hook runs even when an earlier step fails.
//
// Usage:
//
//	c, _ := session.NewCleaner(session.CleanerConfig{DataDirectory: "/var/lib/proxyd/tor"})
//	c.AddHook("http-cache", func(ctx context.Context) error { return cache.Purge(ctx) })
//	_ = c.ClearSession(ctx)
package session
