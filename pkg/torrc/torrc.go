package torrc

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	// FileName is the config file written into the data directory
	FileName = "torrc"

	// ControlPortFile is where the daemon publishes its control address
	ControlPortFile = "controlport"

	// CookieFile is where the daemon publishes its control auth cookie
	CookieFile = "control_auth_cookie"

	// ControlPortAuto lets the daemon pick a free control port
	ControlPortAuto = "auto"
)

var (
	// ErrWrite is returned when the config file cannot be written
	ErrWrite = errors.New("failed to write daemon config")

	// ErrInvalidConfig is returned for configs that would render garbage
	ErrInvalidConfig = errors.New("invalid daemon config")
)

// DaemonConfig is everything needed to render one daemon config file
type DaemonConfig struct {
	ListenHost    string
	ListenPort    int
	DataDirectory string

	// ControlPort is "", "auto" or a port number. Empty disables the
	// control port.
	ControlPort string
	CookieAuth  bool

	// LogLevel is the daemon log verbosity (debug, info, notice, warn, err)
	LogLevel string

	// ExtraFlags are appended verbatim, one directive per line, in order
	ExtraFlags []string
}

// Validate checks the config can be rendered safely
func (c DaemonConfig) Validate() error {
	if strings.TrimSpace(c.ListenHost) == "" {
		return fmt.Errorf("%w: listen host is required", ErrInvalidConfig)
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("%w: listen port %d out of range", ErrInvalidConfig, c.ListenPort)
	}
	if strings.TrimSpace(c.DataDirectory) == "" {
		return fmt.Errorf("%w: data directory is required", ErrInvalidConfig)
	}
	if c.ControlPort != "" && c.ControlPort != ControlPortAuto {
		port, err := strconv.Atoi(c.ControlPort)
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("%w: control port %q", ErrInvalidConfig, c.ControlPort)
		}
	}

	values := append([]string{c.ListenHost, c.DataDirectory, c.LogLevel}, c.ExtraFlags...)
	for _, v := range values {
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("%w: value %q spans multiple lines", ErrInvalidConfig, v)
		}
	}
	return nil
}

// SocksAddress returns host:port of the SOCKS listener
func (c DaemonConfig) SocksAddress() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// ProxyURI returns the socks5:// URI consumers route through
func (c DaemonConfig) ProxyURI() string {
	return "socks5://" + c.SocksAddress()
}

// ConfigPath returns where the config file is written
func (c DaemonConfig) ConfigPath() string {
	return filepath.Join(c.DataDirectory, FileName)
}

// Render produces the config text. The output is deterministic for a
// given config.
func Render(c DaemonConfig) []byte {
	level := c.LogLevel
	if level == "" {
		level = "notice"
	}

	var buf bytes.Buffer
	directive := func(format string, args ...any) {
		fmt.Fprintf(&buf, format, args...)
		buf.WriteByte('\n')
	}

	directive("SocksPort %s", c.SocksAddress())
	directive("DataDirectory %s", c.DataDirectory)
	directive("Log %s stdout", level)
	directive("RunAsDaemon 0")

	if c.ControlPort != "" {
		directive("ControlPort %s", c.ControlPort)
		directive("ControlPortWriteToFile %s", filepath.Join(c.DataDirectory, ControlPortFile))
		if c.CookieAuth {
			directive("CookieAuthentication 1")
			directive("CookieAuthFile %s", filepath.Join(c.DataDirectory, CookieFile))
		}
	}

	for _, flag := range c.ExtraFlags {
		if strings.TrimSpace(flag) == "" {
			continue
		}
		directive("%s", flag)
	}

	return buf.Bytes()
}

// Writer writes rendered configs into the data directory
type Writer struct{}

// NewWriter creates a config writer
func NewWriter() *Writer {
	return &Writer{}
}

// Write renders c to <DataDirectory>/torrc and returns the path. The file
// is replaced atomically so a daemon never reads a half-written config.
func (w *Writer) Write(c DaemonConfig) (string, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(c.DataDirectory, 0700); err != nil {
		return "", fmt.Errorf("%w: %v", ErrWrite, err)
	}

	tmp, err := os.CreateTemp(c.DataDirectory, FileName+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrWrite, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(Render(c)); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrWrite, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrWrite, err)
	}

	path := c.ConfigPath()
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("%w: %v", ErrWrite, err)
	}

	return path, nil
}
