// Package probe checks that the daemon's SOCKS5 listener accepts and
// forwards connections.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

const (
	DefaultTimeout = 5 * time.Second
	DefaultTarget  = "check.torproject.org:443"
)

// ErrUnsupportedScheme is returned for proxy URIs that are not socks5://
var ErrUnsupportedScheme = errors.New("unsupported proxy scheme")

// Config controls a single probe
type Config struct {
	// ProxyURI is the socks5://host:port endpoint to probe
	ProxyURI string

	// Target is the host:port to CONNECT to through the proxy
	Target string

	Timeout time.Duration
}

// Result reports how the probe went
type Result struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"latency"`
	CheckedAt time.Time     `json:"checked_at"`
	Error     string        `json:"error,omitempty"`
}

// Check dials Target through the proxy. A returned error means the proxy
// is not usable; the Result carries the same information for reporting.
func Check(ctx context.Context, cfg Config) (Result, error) {
	result := Result{CheckedAt: time.Now()}

	fail := func(err error) (Result, error) {
		result.Error = err.Error()
		return result, err
	}

	dialer, err := Dialer(cfg.ProxyURI)
	if err != nil {
		return fail(err)
	}

	target := cfg.Target
	if strings.TrimSpace(target) == "" {
		target = DefaultTarget
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", target)
	result.Latency = time.Since(start)
	if err != nil {
		return fail(fmt.Errorf("socks connect to %s failed: %w", target, err))
	}
	conn.Close()

	result.Reachable = true
	return result, nil
}

// Dialer returns a context-aware dialer routing through proxyURI
func Dialer(proxyURI string) (proxy.ContextDialer, error) {
	u, err := url.Parse(proxyURI)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy uri: %w", err)
	}
	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if _, _, err := net.SplitHostPort(u.Host); err != nil {
		return nil, fmt.Errorf("invalid proxy address: %w", err)
	}

	d, err := proxy.FromURL(u, &net.Dialer{})
	if err != nil {
		return nil, fmt.Errorf("failed to create socks dialer: %w", err)
	}

	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks dialer does not support contexts")
	}
	return cd, nil
}
