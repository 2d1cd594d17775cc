package control

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/harun/proxyd/pkg/torrc"
)

const (
	// MaxCookieSize is the largest auth cookie the daemon ever writes
	MaxCookieSize = 32

	portPrefix = "PORT="
)

var (
	// ErrNotReady means the daemon has not published its control files yet
	ErrNotReady = errors.New("control endpoint not published yet")

	// ErrMalformedPortFile is returned when the control port file can't be parsed
	ErrMalformedPortFile = errors.New("malformed control port file")

	// ErrNotLoopback is returned when the control port is not on a loopback address
	ErrNotLoopback = errors.New("control port is not on loopback")

	// ErrCookieTooLarge is returned for cookies over MaxCookieSize bytes
	ErrCookieTooLarge = errors.New("control auth cookie too large")

	// ErrStaleCookie is returned when the cookie predates the port file
	ErrStaleCookie = errors.New("control auth cookie is stale")
)

// Endpoint is a discovered control connection target
type Endpoint struct {
	Addr   string
	Cookie []byte
}

// ReadControlPort reads "PORT=127.0.0.1:<n>\n" from the data directory and
// returns the address with the file's modification time.
func ReadControlPort(dir string) (string, time.Time, error) {
	path := filepath.Join(dir, torrc.ControlPortFile)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", time.Time{}, ErrNotReady
		}
		return "", time.Time{}, fmt.Errorf("failed to open control port file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to stat control port file: %w", err)
	}

	// "PORT=255.255.255.255:65535\n" plus one byte to detect overlong files
	buf := make([]byte, 64)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", time.Time{}, fmt.Errorf("failed to read control port file: %w", err)
	}

	addr, err := parsePortFile(buf[:n])
	if err != nil {
		return "", time.Time{}, err
	}
	return addr, info.ModTime(), nil
}

func parsePortFile(data []byte) (string, error) {
	text := string(data)
	if text == "" {
		// The daemon creates the file before writing it
		return "", ErrNotReady
	}
	if !strings.HasPrefix(text, portPrefix) || !strings.HasSuffix(text, "\n") {
		return "", fmt.Errorf("%w: %q", ErrMalformedPortFile, text)
	}

	addr := strings.TrimSuffix(strings.TrimPrefix(text, portPrefix), "\n")
	if strings.ContainsAny(addr, "\r\n ") {
		return "", fmt.Errorf("%w: %q", ErrMalformedPortFile, text)
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPortFile, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", fmt.Errorf("%w: port %q", ErrMalformedPortFile, portStr)
	}

	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return "", fmt.Errorf("%w: %s", ErrNotLoopback, host)
	}

	return net.JoinHostPort(host, portStr), nil
}

// ReadCookie reads the control auth cookie and its modification time
func ReadCookie(dir string) ([]byte, time.Time, error) {
	path := filepath.Join(dir, torrc.CookieFile)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, time.Time{}, ErrNotReady
		}
		return nil, time.Time{}, fmt.Errorf("failed to open cookie file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to stat cookie file: %w", err)
	}

	cookie, err := io.ReadAll(io.LimitReader(f, MaxCookieSize+1))
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read cookie file: %w", err)
	}
	if len(cookie) == 0 {
		return nil, time.Time{}, ErrNotReady
	}
	if len(cookie) > MaxCookieSize {
		return nil, time.Time{}, ErrCookieTooLarge
	}

	return cookie, info.ModTime(), nil
}

// Discover reads the published control endpoint from dir. When withCookie
// is set the cookie must exist and be at least as new as the port file;
// equal mtimes are accepted since filesystem resolution may be coarse.
func Discover(dir string, withCookie bool) (Endpoint, error) {
	addr, portMtime, err := ReadControlPort(dir)
	if err != nil {
		return Endpoint{}, err
	}

	if !withCookie {
		return Endpoint{Addr: addr}, nil
	}

	cookie, cookieMtime, err := ReadCookie(dir)
	if err != nil {
		return Endpoint{}, err
	}
	if cookieMtime.Before(portMtime) {
		return Endpoint{}, ErrStaleCookie
	}

	return Endpoint{Addr: addr, Cookie: bytes.Clone(cookie)}, nil
}

// RemoveStale deletes control files left behind by a previous run
func RemoveStale(dir string) error {
	var errs []error
	for _, name := range []string{torrc.ControlPortFile, torrc.CookieFile} {
		err := os.Remove(filepath.Join(dir, name))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
