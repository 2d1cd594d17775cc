package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Redactor masks control-port credentials and API tokens in log output
type Redactor struct {
	rules []rule
}

// NewRedactor creates a redactor with the default rules
func NewRedactor() *Redactor {
	return &Redactor{
		rules: []rule{
			// Control-port authentication, hex cookie or quoted password
			{regexp.MustCompile(`(?i)(AUTHENTICATE\s+)("[^"]*"|[0-9a-f]+)`), "${1}" + redacted},

			// Raw 32-byte cookies rendered as hex
			{regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`), redacted},

			// HashedControlPassword values
			{regexp.MustCompile(`\b16:[0-9A-F]{58}\b`), redacted},

			// Status API token
			{regexp.MustCompile(`(?i)(X-Proxyd-Token:\s*)\S+`), "${1}" + redacted},
			{regexp.MustCompile(`(Bearer\s+)[a-zA-Z0-9._~+/=-]+`), "${1}" + redacted},
			{regexp.MustCompile(`(?i)("?token"?\s*[:=]\s*"?)[a-zA-Z0-9._-]{8,}`), "${1}" + redacted},
		},
	}
}

// AddPattern adds a rule that replaces the whole match
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, rule{re: re, repl: redacted})
	return nil
}

// Redact masks sensitive values in s
func (r *Redactor) Redact(s string) string {
	for _, rl := range r.rules {
		s = rl.re.ReplaceAllString(s, rl.repl)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success since redaction changes the length
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
