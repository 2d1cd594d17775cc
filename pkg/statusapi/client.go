package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harun/proxyd/pkg/supervisor"
)

// ErrUnavailable is returned when no status API answers at the address
var ErrUnavailable = errors.New("status api unavailable")

// StatusClient talks to a running status API
type StatusClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewStatusClient creates a client for addr (host:port or a full URL)
func NewStatusClient(addr, token string) *StatusClient {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &StatusClient{
		baseURL: strings.TrimRight(base, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Status fetches the current report
func (c *StatusClient) Status(ctx context.Context, withProbe bool) (Report, error) {
	path := "/status"
	if withProbe {
		path += "?probe=1"
	}

	var report Report
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return report, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return report, responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return report, fmt.Errorf("failed to decode status: %w", err)
	}
	return report, nil
}

// NewIdentity asks the daemon for a fresh identity. Conflict and throttle
// responses map back to the supervisor's sentinel errors.
func (c *StatusClient) NewIdentity(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodPost, "/identity")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusConflict:
		return supervisor.ErrStaleControlSignal
	case http.StatusTooManyRequests:
		return supervisor.ErrIdentityThrottled
	default:
		return responseError(resp)
	}
}

func (c *StatusClient) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return resp, nil
}

func responseError(resp *http.Response) error {
	var body errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return fmt.Errorf("status api: %s (%d)", body.Error, resp.StatusCode)
	}
	return fmt.Errorf("status api: unexpected status %d", resp.StatusCode)
}
