// Package realtime manages the persistent voice socket to the agent backend.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"
)

const (
	defaultPongWait  = 60 * time.Second
	defaultWriteWait = 10 * time.Second

	// SessionHeader carries the client session id on the upgrade request.
	SessionHeader = "X-Session-Id"
	// SessionParam carries the client session id in the endpoint query.
	SessionParam = "session_id"
)

var (
	// ErrNotOpen is returned by Send when the socket is not Open. The frame
	// is dropped.
	ErrNotOpen = errors.New("realtime: connection not open")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("realtime: client closed")
)

// State is the lifecycle state of the connection.
type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateError
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ClientConfig holds configuration for the realtime Client.
type ClientConfig struct {
	URL       string // resolved ws:// or wss:// endpoint
	SessionID string
	Header    http.Header
	Dialer    *websocket.Dialer

	PingPeriod time.Duration // default 9/10 of PongWait
	PongWait   time.Duration // default 60s
	WriteWait  time.Duration // default 10s
}

// Client owns the single socket to the backend. Inbound binary frames go to
// the binary handler, text frames are parsed and go to the event handler,
// both on one read goroutine in arrival order.
type Client struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	pingPeriod time.Duration
	pongWait   time.Duration
	writeWait  time.Duration

	group singleflight.Group
	dials atomic.Int64

	mu     sync.Mutex
	state  State
	link   *link
	closed bool

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onBinary  func([]byte)
	onEvent   func(Event)
	onState   func(State)
}

type link struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (l *link) shutdown() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

// NewClient creates a new realtime Client. No connection is made until
// EnsureConnection.
func NewClient(cfg ClientConfig) *Client {
	pongWait := cfg.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
		if cfg.PingPeriod > 0 && cfg.PingPeriod >= pongWait {
			pongWait = cfg.PingPeriod * 2
		}
	}
	pingPeriod := cfg.PingPeriod
	if pingPeriod <= 0 || pingPeriod >= pongWait {
		pingPeriod = pongWait * 9 / 10
	}
	writeWait := cfg.WriteWait
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}

	dialer := cfg.Dialer
	if dialer == nil {
		d := *websocket.DefaultDialer
		dialer = &d
	}

	header := cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if cfg.SessionID != "" {
		header.Set(SessionHeader, cfg.SessionID)
	}

	return &Client{
		url:        withSession(cfg.URL, cfg.SessionID),
		header:     header,
		dialer:     dialer,
		pingPeriod: pingPeriod,
		pongWait:   pongWait,
		writeWait:  writeWait,
	}
}

func withSession(raw, sessionID string) string {
	if sessionID == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	if q.Get(SessionParam) == "" {
		q.Set(SessionParam, sessionID)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// URL returns the endpoint the client dials.
func (c *Client) URL() string { return c.url }

// OnBinaryFrame registers the consumer of inbound audio frames.
func (c *Client) OnBinaryFrame(fn func([]byte)) {
	c.handlerMu.Lock()
	c.onBinary = fn
	c.handlerMu.Unlock()
}

// OnControlEvent registers the consumer of parsed inbound control events.
func (c *Client) OnControlEvent(fn func(Event)) {
	c.handlerMu.Lock()
	c.onEvent = fn
	c.handlerMu.Unlock()
}

// OnStateChange registers an observer of connection state transitions.
func (c *Client) OnStateChange(fn func(State)) {
	c.handlerMu.Lock()
	c.onState = fn
	c.handlerMu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOpen reports whether frames can be sent.
func (c *Client) IsOpen() bool {
	return c.State() == StateOpen
}

// Dials returns how many socket dials have been attempted.
func (c *Client) Dials() int64 {
	return c.dials.Load()
}

// EnsureConnection returns once the socket is Open. Concurrent callers
// share one in-flight dial and all receive its error. A failed dial leaves
// the client in StateError; calling again dials again.
//
// Cancelling ctx stops the wait, not the shared dial.
func (c *Client) EnsureConnection(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return ErrClosed
	case c.state == StateOpen:
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("connect", func() (any, error) {
		return nil, c.connect(dialCtx)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()
	c.notifyState(StateConnecting)

	c.dials.Add(1)
	slog.Debug("realtime: dialing", "url", c.url)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		c.setState(StateError)
		slog.Error("realtime: dial failed", "url", c.url, "error", err)
		return fmt.Errorf("dial websocket: %w", err)
	}

	l := &link{conn: conn, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		l.shutdown()
		return ErrClosed
	}
	c.link = l
	c.state = StateOpen
	c.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	go c.readLoop(l)
	go c.pingLoop(l)

	slog.Info("realtime: connected", "url", c.url)
	c.notifyState(StateOpen)
	return nil
}

// Send marshals v as JSON and writes it as a text frame.
func (c *Client) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.write(ctx, websocket.TextMessage, data)
}

// SendBinary writes data as a binary frame.
func (c *Client) SendBinary(ctx context.Context, data []byte) error {
	return c.write(ctx, websocket.BinaryMessage, data)
}

func (c *Client) write(ctx context.Context, msgType int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	l := c.link
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || l == nil {
		return ErrNotOpen
	}

	deadline := time.Now().Add(c.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	l.conn.SetWriteDeadline(deadline)
	if err := l.conn.WriteMessage(msgType, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close sends a normal-closure frame and closes the socket. The client
// cannot be reused. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	c.link = nil
	c.state = StateClosed
	c.mu.Unlock()

	if l != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing")
		err := l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			slog.Debug("realtime: close frame", "error", err)
		}
		l.shutdown()
	}

	slog.Info("realtime: closed")
	c.notifyState(StateClosed)
	return nil
}

func (c *Client) readLoop(l *link) {
	defer l.shutdown()

	for {
		msgType, data, err := l.conn.ReadMessage()
		if err != nil {
			c.lost(l, err)
			return
		}
		c.dispatch(msgType, data)
	}
}

// lost records the end of a connection the client did not close itself.
func (c *Client) lost(l *link, err error) {
	next := StateError
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		next = StateClosed
	}

	c.mu.Lock()
	current := c.link == l && !c.closed
	if current {
		c.link = nil
		c.state = next
	}
	c.mu.Unlock()

	if !current {
		return
	}
	if next == StateError {
		slog.Error("realtime: connection lost", "error", err)
	} else {
		slog.Info("realtime: server closed connection")
	}
	c.notifyState(next)
}

func (c *Client) dispatch(msgType int, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("realtime: handler panic", "panic", r)
		}
	}()

	c.handlerMu.RLock()
	onBinary, onEvent := c.onBinary, c.onEvent
	c.handlerMu.RUnlock()

	switch msgType {
	case websocket.BinaryMessage:
		if onBinary != nil {
			onBinary(data)
		}
	case websocket.TextMessage:
		ev, err := ParseEvent(data)
		if err != nil {
			slog.Warn("realtime: discarding malformed control frame", "error", err, "size", len(data))
			return
		}
		if onEvent != nil {
			onEvent(ev)
		}
	}
}

func (c *Client) pingLoop(l *link) {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			l.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			err := l.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				slog.Debug("realtime: ping failed", "error", err)
				return
			}
		case <-l.done:
			return
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	c.notifyState(s)
}

func (c *Client) notifyState(s State) {
	c.handlerMu.RLock()
	fn := c.onState
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(s)
	}
}
