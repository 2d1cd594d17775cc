package control

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"net"
	"net/textproto"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	statusOK = 250

	// asyncEventClass is the reply class used for unsolicited events
	asyncEventClass = 6

	eventQueueSize = 64
)

var (
	// ErrCommandFailed is returned when the daemon rejects a command
	ErrCommandFailed = errors.New("control command failed")

	// ErrMalformedReply is returned for replies that don't follow the protocol
	ErrMalformedReply = errors.New("malformed control reply")

	// ErrClosed is returned when using a closed client
	ErrClosed = errors.New("control client closed")

	// ErrNotSubscribed is returned by Unsubscribe for events never subscribed
	ErrNotSubscribed = errors.New("not subscribed to event")
)

// ReplyLine is one line of a control reply. Data holds the body of a
// "250+" multi-line entry.
type ReplyLine struct {
	Text string
	Data []string
}

// Reply is a complete control reply
type Reply struct {
	Code  int
	Lines []ReplyLine
}

// OK reports whether the reply is a success
func (r *Reply) OK() bool {
	return r.Code == statusOK
}

// Err converts a failure reply to an error wrapping ErrCommandFailed
func (r *Reply) Err() error {
	if r.OK() {
		return nil
	}
	text := ""
	if len(r.Lines) > 0 {
		text = r.Lines[len(r.Lines)-1].Text
	}
	return fmt.Errorf("%w: %d %s", ErrCommandFailed, r.Code, text)
}

// Event is an asynchronous 650 notification. Type is the first word of
// the first line and Text the rest of it; Lines holds the whole reply.
type Event struct {
	Type  string
	Text  string
	Lines []ReplyLine
}

func newEvent(reply *Reply) Event {
	ev := Event{Lines: reply.Lines}
	if len(reply.Lines) > 0 {
		ev.Type, ev.Text, _ = strings.Cut(reply.Lines[0].Text, " ")
	}
	return ev
}

// Client is an authenticated control-port connection. Commands are
// serialized; a Client is safe for concurrent use. One reader goroutine
// owns the connection: command replies go to the waiting command and
// events go to the handler set with SetEventHandler.
type Client struct {
	conn   net.Conn
	text   *textproto.Conn
	logger zerolog.Logger

	mu     sync.Mutex
	closed atomic.Bool

	replies chan *Reply
	done    chan struct{}
	readErr error

	events    chan Event
	handlerMu sync.RWMutex
	handler   func(Event)

	subsMu sync.Mutex
	subs   map[string]int
}

// Dial connects to addr, authenticates with cookie (empty for no auth) and
// takes ownership so the daemon exits if this connection drops.
func Dial(ctx context.Context, addr string, cookie []byte, logger zerolog.Logger) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to control port: %w", err)
	}

	c := &Client{
		conn:    conn,
		text:    textproto.NewConn(conn),
		logger:  logger,
		replies: make(chan *Reply, 1),
		done:    make(chan struct{}),
		events:  make(chan Event, eventQueueSize),
		subs:    make(map[string]int),
	}
	go c.readLoop()
	go c.dispatchEvents()

	if err := c.authenticate(ctx, cookie); err != nil {
		c.Close()
		return nil, err
	}

	if _, err := c.Do(ctx, "TAKEOWNERSHIP"); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to take ownership: %w", err)
	}

	logger.Debug().Str("addr", addr).Msg("Control connection authenticated")
	return c, nil
}

func (c *Client) authenticate(ctx context.Context, cookie []byte) error {
	cmd := "AUTHENTICATE"
	if len(cookie) > 0 {
		cmd += " " + strings.ToUpper(hex.EncodeToString(cookie))
	}

	reply, err := c.exec(ctx, cmd)
	if err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	if err := reply.Err(); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	return nil
}

// Do sends a raw command and returns the reply. Non-250 replies are
// returned together with an error wrapping ErrCommandFailed.
func (c *Client) Do(ctx context.Context, cmd string) (*Reply, error) {
	if strings.ContainsAny(cmd, "\r\n") {
		return nil, fmt.Errorf("command spans multiple lines: %q", cmd)
	}

	reply, err := c.exec(ctx, cmd)
	if err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("command", cmd).
		Int("code", reply.Code).
		Msg("Control command")

	if err := reply.Err(); err != nil {
		return reply, err
	}
	return reply, nil
}

func (c *Client) exec(ctx context.Context, cmd string) (*Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := c.text.PrintfLine("%s", cmd); err != nil {
		return nil, c.ioError(ctx, err)
	}

	select {
	case reply := <-c.replies:
		return reply, nil
	case <-c.done:
		return nil, c.ioError(ctx, c.readErr)
	case <-ctx.Done():
		return nil, c.ioError(ctx, ctx.Err())
	}
}

// ioError closes the connection, since a reply left unread would be handed
// to the next command, and maps the failure to the most useful error.
func (c *Client) ioError(ctx context.Context, err error) error {
	if c.closed.Swap(true) {
		return ErrClosed
	}
	c.conn.Close()

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		// The only deadlines on the conn come from ctx
		if _, ok := ctx.Deadline(); ok {
			<-ctx.Done()
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// readLoop reads replies until the connection fails. Command replies are
// handed to the waiting exec; a reply nobody waits for is dropped.
func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)

	for {
		reply, err := c.readOne()
		if err != nil {
			c.readErr = err
			return
		}

		if reply.Code/100 == asyncEventClass {
			c.queueEvent(newEvent(reply))
			continue
		}

		select {
		case c.replies <- reply:
		default:
			c.logger.Warn().Int("code", reply.Code).Msg("Dropping unexpected control reply")
		}
	}
}

func (c *Client) queueEvent(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn().Str("event", ev.Type).Msg("Control event queue full, dropping event")
	}
}

// dispatchEvents runs handlers off the reader goroutine so a handler can
// issue commands on the same client
func (c *Client) dispatchEvents() {
	for ev := range c.events {
		c.handlerMu.RLock()
		handler := c.handler
		c.handlerMu.RUnlock()

		if handler != nil {
			handler(ev)
		}
	}
}

// SetEventHandler sets the function called for every async event, in
// arrival order. Events that arrive with no handler set are discarded.
func (c *Client) SetEventHandler(handler func(Event)) {
	c.handlerMu.Lock()
	c.handler = handler
	c.handlerMu.Unlock()
}

func (c *Client) readOne() (*Reply, error) {
	reply := &Reply{}
	for {
		line, err := c.text.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(line) < 4 {
			return nil, fmt.Errorf("%w: %q", ErrMalformedReply, line)
		}

		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedReply, line)
		}
		if reply.Code != 0 && reply.Code != code {
			return nil, fmt.Errorf("%w: status changed mid-reply", ErrMalformedReply)
		}
		reply.Code = code

		entry := ReplyLine{Text: line[4:]}
		switch line[3] {
		case ' ':
			reply.Lines = append(reply.Lines, entry)
			return reply, nil
		case '-':
			reply.Lines = append(reply.Lines, entry)
		case '+':
			data, err := c.text.ReadDotLines()
			if err != nil {
				return nil, err
			}
			entry.Data = data
			reply.Lines = append(reply.Lines, entry)
		default:
			return nil, fmt.Errorf("%w: %q", ErrMalformedReply, line)
		}
	}
}

// GetInfo queries one or more info keys
func (c *Client) GetInfo(ctx context.Context, keys ...string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}

	reply, err := c.Do(ctx, "GETINFO "+strings.Join(keys, " "))
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(keys))
	for _, line := range reply.Lines {
		key, value, ok := strings.Cut(line.Text, "=")
		if !ok {
			continue
		}
		if line.Data != nil {
			value = strings.Join(line.Data, "\n")
		}
		values[key] = value
	}

	for _, key := range keys {
		if _, ok := values[key]; !ok {
			return nil, fmt.Errorf("%w: missing key %q", ErrMalformedReply, key)
		}
	}
	return values, nil
}

// Version returns the daemon version string
func (c *Client) Version(ctx context.Context) (string, error) {
	values, err := c.GetInfo(ctx, "version")
	if err != nil {
		return "", err
	}
	return values["version"], nil
}

// SOCKSListeners returns the addresses the daemon accepts SOCKS connections on
func (c *Client) SOCKSListeners(ctx context.Context) ([]string, error) {
	values, err := c.GetInfo(ctx, "net/listeners/socks")
	if err != nil {
		return nil, err
	}

	var addrs []string
	for _, field := range strings.Fields(values["net/listeners/socks"]) {
		if unquoted, err := strconv.Unquote(field); err == nil {
			field = unquoted
		}
		addrs = append(addrs, field)
	}
	return addrs, nil
}

// CircuitEstablished reports whether the daemon has a usable circuit
func (c *Client) CircuitEstablished(ctx context.Context) (bool, error) {
	values, err := c.GetInfo(ctx, "status/circuit-established")
	if err != nil {
		return false, err
	}
	return values["status/circuit-established"] == "1", nil
}

// NewIdentity asks the daemon to switch to fresh circuits
func (c *Client) NewIdentity(ctx context.Context) error {
	_, err := c.Do(ctx, "SIGNAL NEWNYM")
	return err
}

// Subscribe asks the daemon to stream events of the given type, e.g.
// "STATUS_CLIENT". Subscriptions nest: SETEVENTS is only sent when an event
// gets its first subscriber.
func (c *Client) Subscribe(ctx context.Context, event string) error {
	event, err := eventName(event)
	if err != nil {
		return err
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	c.subs[event]++
	if c.subs[event] > 1 {
		return nil
	}

	if err := c.setEvents(ctx); err != nil {
		delete(c.subs, event)
		return fmt.Errorf("failed to subscribe to %s: %w", event, err)
	}
	return nil
}

// Unsubscribe undoes one Subscribe. SETEVENTS is only sent when the last
// subscriber of an event leaves.
func (c *Client) Unsubscribe(ctx context.Context, event string) error {
	event, err := eventName(event)
	if err != nil {
		return err
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	switch c.subs[event] {
	case 0:
		return fmt.Errorf("%w: %s", ErrNotSubscribed, event)
	case 1:
		delete(c.subs, event)
	default:
		c.subs[event]--
		return nil
	}

	if err := c.setEvents(ctx); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", event, err)
	}
	return nil
}

// Subscriptions returns the nesting depth of every subscribed event
func (c *Client) Subscriptions() map[string]int {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return maps.Clone(c.subs)
}

// setEvents requires subsMu
func (c *Client) setEvents(ctx context.Context) error {
	cmd := "SETEVENTS"
	for _, event := range slices.Sorted(maps.Keys(c.subs)) {
		cmd += " " + event
	}
	_, err := c.Do(ctx, cmd)
	return err
}

func eventName(event string) (string, error) {
	event = strings.ToUpper(strings.TrimSpace(event))
	if event == "" || strings.ContainsAny(event, " \t\r\n") {
		return "", fmt.Errorf("invalid event name %q", event)
	}
	return event, nil
}

// Close closes the connection, interrupting any in-flight command.
// Closing twice is a no-op.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}
