// Package transport owns the single socket connection a chat session uses to
// talk to the backend.
package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatsocket/pkg/diagnostics"
)

var (
	// ErrNotConnected is returned by Send when the channel is not open. The frame is dropped.
	ErrNotConnected = errors.New("channel is not connected")
	// ErrClosed is returned by Connect once the channel has been closed.
	ErrClosed = errors.New("channel is closed")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// FrameHandler receives the payload of every inbound data frame, in arrival order,
// on the read goroutine.
type FrameHandler func(raw []byte)

// StateListener is called after every state transition, outside of the channel lock.
type StateListener func(from State, to State)

const (
	defaultDialTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// Channel is a single websocket connection with an explicit lifecycle:
// idle -> connecting -> open -> closed. Closed is terminal, there is no reconnection.
type Channel struct {
	url          string
	header       http.Header
	dialer       *websocket.Dialer
	dialTimeout  time.Duration
	writeTimeout time.Duration
	onFrame      FrameHandler
	listeners    []StateListener
	sink         diagnostics.Sink

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	// serializes writers, gorilla connections support one concurrent writer
	writeMu sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
}

type Option func(*Channel)

func WithHeader(key string, value string) Option {
	return func(c *Channel) {
		c.header.Add(key, value)
	}
}

// WithCookie passes a session cookie (as issued by the auth service) on the handshake.
func WithCookie(cookie string) Option {
	return func(c *Channel) {
		if cookie != "" {
			c.header.Set("Cookie", cookie)
		}
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		c.dialer = d
	}
}

func WithDialTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.dialTimeout = d
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.writeTimeout = d
	}
}

func WithFrameHandler(h FrameHandler) Option {
	return func(c *Channel) {
		c.onFrame = h
	}
}

func WithStateListener(l StateListener) Option {
	return func(c *Channel) {
		c.listeners = append(c.listeners, l)
	}
}

func WithDiagnostics(s diagnostics.Sink) Option {
	return func(c *Channel) {
		c.sink = diagnostics.OrNop(s)
	}
}

func New(url string, options ...Option) *Channel {
	ret := &Channel{
		url:          url,
		header:       http.Header{},
		dialer:       websocket.DefaultDialer,
		dialTimeout:  defaultDialTimeout,
		writeTimeout: defaultWriteTimeout,
		sink:         diagnostics.Nop,
		state:        StateIdle,
		done:         make(chan struct{}),
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) IsConnected() bool {
	return c.State() == StateOpen
}

// Done is closed once the channel reached the closed state and its read loop exited.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Connect dials the backend and starts the read loop. Calling Connect on a channel
// that is connecting or open does nothing.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch state := c.state; state {
	case StateConnecting, StateOpen:
		c.mu.Unlock()
		log.Debug().Str("url", c.url).Str("state", state.String()).Msg("Connect called on active channel, ignoring")
		return nil
	case StateClosed:
		c.mu.Unlock()
		return ErrClosed
	case StateIdle:
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.notify(StateIdle, StateConnecting)

	dialCtx := ctx
	if c.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.dialTimeout)
		defer cancel()
	}

	log.Debug().Str("url", c.url).Msg("Connecting")
	conn, resp, err := c.dialer.DialContext(dialCtx, c.url, c.header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			_ = resp.Body.Close()
		}
		log.Warn().Err(err).Str("url", c.url).Int("status", status).Msg("Could not connect")
		c.transitionToClosed(StateConnecting)
		c.finish()
		return errors.Wrapf(err, "dial %s", c.url)
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		// closed while dialing
		c.mu.Unlock()
		_ = conn.Close()
		c.finish()
		return ErrClosed
	}
	c.conn = conn
	c.state = StateOpen
	c.mu.Unlock()
	c.notify(StateConnecting, StateOpen)
	log.Info().Str("url", c.url).Msg("Connected")

	go c.readLoop(conn)
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer c.finish()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("Connection closed by peer")
			} else if c.State() == StateOpen {
				log.Warn().Err(err).Msg("Connection lost")
			}
			c.transitionToClosed(StateOpen)
			_ = conn.Close()
			return
		}
		if mt != websocket.TextMessage {
			c.sink.FrameDropped("binary", data, errors.New("binary frame"))
			continue
		}
		if c.onFrame != nil {
			c.onFrame(data)
		}
	}
}

// transitionToClosed moves from the expected state to closed. It does nothing
// when the channel already left that state.
func (c *Channel) transitionToClosed(expected State) {
	c.mu.Lock()
	if c.state != expected {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.conn = nil
	c.mu.Unlock()
	c.notify(expected, StateClosed)
}

func (c *Channel) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Send writes one text frame. If the channel is not open the frame is dropped and
// ErrNotConnected is returned. Nothing is queued.
func (c *Channel) Send(ctx context.Context, payload string) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != StateOpen || conn == nil {
		c.sink.SendDropped(payload, ErrNotConnected)
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		c.sink.SendDropped(payload, err)
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Time{}
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		c.sink.SendDropped(payload, err)
		return errors.Wrap(err, "write frame")
	}
	return nil
}

// Close sends a close frame and releases the connection. The read loop exits on
// its own; Close does not wait for it. Close is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	from := c.state
	conn := c.conn
	c.state = StateClosed
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		timeout := c.writeTimeout
		if timeout <= 0 {
			timeout = time.Second
		}
		c.writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = conn.Close()
	} else {
		// no read loop to wait for
		c.finish()
	}
	c.notify(from, StateClosed)
	log.Debug().Str("url", c.url).Msg("Channel closed")

	return errors.Wrap(err, "close connection")
}

func (c *Channel) notify(from State, to State) {
	c.sink.StateChanged(from.String(), to.String())
	for _, l := range c.listeners {
		l(from, to)
	}
}
