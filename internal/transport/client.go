// Package transport implements the WebSocket transport (C4): a single
// framed connection with ping/pong keepalive, exponential-backoff
// reconnect, and a callback-based dispatch model. It has no notion of
// subscriptions or markets — the subscription manager (internal/subscription)
// owns re-subscribe-on-reconnect.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"polyclob/pkg/types"
)

const (
	writeTimeout   = 10 * time.Second
	defaultPingMs  = 10_000
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	missedPongs    = 2 // a missed pong for this many intervals is "stale"
)

var errCloseRequested = errors.New("transport: close requested")

// Client is a single WebSocket connection with auto-reconnect. Inbound
// callbacks run serialized on the client's own network worker goroutine,
// except that a failed Send reports its error to on_error on the sending
// goroutine.
type Client struct {
	urlMu sync.RWMutex
	url   string

	pingIntervalMs atomic.Int64
	autoReconnect  atomic.Bool

	state atomic.Int32 // types.WsState

	connMu sync.Mutex
	conn   *websocket.Conn

	cbMu         sync.RWMutex
	onMessage    func([]byte)
	onConnect    func()
	onDisconnect func(reason string)
	onError      func(error)

	messagesReceived atomic.Uint64
	bytesReceived    atomic.Uint64

	closeCh    chan struct{}
	closeOnce  sync.Once
	workerDone chan struct{}

	logger *slog.Logger
}

// New returns a Client targeting url, with the default ping interval and
// auto-reconnect enabled.
func New(url string, logger *slog.Logger) *Client {
	c := &Client{
		url:        url,
		closeCh:    make(chan struct{}),
		workerDone: make(chan struct{}),
		logger:     logger.With("component", "transport"),
	}
	c.pingIntervalMs.Store(defaultPingMs)
	c.autoReconnect.Store(true)
	c.state.Store(int32(types.Disconnected))
	close(c.workerDone) // no worker running yet; Connect replaces this
	return c
}

// SetURL updates the dial target. Takes effect on the next connect.
func (c *Client) SetURL(url string) {
	c.urlMu.Lock()
	c.url = url
	c.urlMu.Unlock()
}

func (c *Client) targetURL() string {
	c.urlMu.RLock()
	defer c.urlMu.RUnlock()
	return c.url
}

// SetPingIntervalMs sets the keepalive ping period.
func (c *Client) SetPingIntervalMs(ms int) {
	c.pingIntervalMs.Store(int64(ms))
}

func (c *Client) pingInterval() time.Duration {
	return time.Duration(c.pingIntervalMs.Load()) * time.Millisecond
}

// SetAutoReconnect enables or disables reconnect-on-unexpected-close.
func (c *Client) SetAutoReconnect(enabled bool) {
	c.autoReconnect.Store(enabled)
}

// OnMessage registers the inbound frame callback.
func (c *Client) OnMessage(cb func([]byte)) {
	c.cbMu.Lock()
	c.onMessage = cb
	c.cbMu.Unlock()
}

// OnConnect registers the callback fired on every successful (re)connect.
func (c *Client) OnConnect(cb func()) {
	c.cbMu.Lock()
	c.onConnect = cb
	c.cbMu.Unlock()
}

// OnDisconnect registers the callback fired whenever the connection drops,
// with a short human-readable reason.
func (c *Client) OnDisconnect(cb func(reason string)) {
	c.cbMu.Lock()
	c.onDisconnect = cb
	c.cbMu.Unlock()
}

// OnError registers the callback fired for socket/TLS failures.
func (c *Client) OnError(cb func(error)) {
	c.cbMu.Lock()
	c.onError = cb
	c.cbMu.Unlock()
}

// MessagesReceived returns the total frames read since construction,
// across reconnects.
func (c *Client) MessagesReceived() uint64 {
	return c.messagesReceived.Load()
}

// BytesReceived returns the total payload bytes read since construction,
// across reconnects.
func (c *Client) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// State returns the current connection state, read atomically.
func (c *Client) State() types.WsState {
	return types.WsState(c.state.Load())
}

// IsConnected reports whether the current state is CONNECTED.
func (c *Client) IsConnected() bool {
	return c.State() == types.Connected
}

func (c *Client) setState(s types.WsState) {
	c.state.Store(int32(s))
}

// Connect starts the network worker, which dials and maintains the
// connection (reconnecting per policy) until Disconnect is called.
// Non-blocking: it returns once the worker goroutine has been started,
// not once a session is live. Returns false if already connecting or
// connected.
func (c *Client) Connect() bool {
	switch c.State() {
	case types.Connecting, types.Connected, types.Reconnecting:
		return false
	}

	c.closeCh = make(chan struct{})
	c.closeOnce = sync.Once{}
	c.workerDone = make(chan struct{})
	c.setState(types.Connecting)

	go c.runLoop()
	return true
}

// Disconnect initiates a graceful close: in-flight Send calls start
// returning false, the worker drains its current read and terminates,
// and on_disconnect fires once more, unless the worker was waiting out a
// reconnect backoff (the drop that started it already fired
// on_disconnect). Blocks until the worker has exited.
func (c *Client) Disconnect() {
	if c.State() == types.Disconnected || c.State() == types.Closed {
		return
	}
	c.setState(types.Closing)
	c.closeOnce.Do(func() { close(c.closeCh) })

	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()

	<-c.workerDone
}

// Send writes a text frame. Fails unless the client is CONNECTED.
func (c *Client) Send(text string) bool {
	if c.State() != types.Connected {
		return false
	}
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return false
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		c.fireError(fmt.Errorf("send: %w", err))
		return false
	}
	return true
}

// runLoop is the single network worker: dial, read until error, and
// reconnect with exponential backoff (1s doubling to a 30s cap) when
// auto-reconnect is enabled.
func (c *Client) runLoop() {
	defer close(c.workerDone)

	backoff := initialBackoff
	for {
		c.setState(types.Connecting)
		err := c.connectAndRead()

		if errors.Is(err, errCloseRequested) {
			c.setState(types.Closed)
			c.fireDisconnect("closed")
			return
		}

		c.fireDisconnect(err.Error())

		if !c.autoReconnect.Load() {
			c.setState(types.Closed)
			return
		}

		c.setState(types.Reconnecting)
		select {
		case <-c.closeCh:
			c.setState(types.Closed)
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) connectAndRead() error {
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.Dial(c.targetURL(), nil)
	if err != nil {
		wrapped := fmt.Errorf("dial: %w", err)
		c.fireError(wrapped)
		return wrapped
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	defer func() {
		c.connMu.Lock()
		conn.Close()
		c.conn = nil
		c.connMu.Unlock()
	}()

	interval := c.pingInterval()
	deadline := interval * missedPongs
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	c.setState(types.Connected)
	c.fireConnect()

	pingDone := make(chan struct{})
	go c.pingLoop(conn, interval, pingDone)
	defer close(pingDone)

	for {
		select {
		case <-c.closeCh:
			return errCloseRequested
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closeCh:
				return errCloseRequested
			default:
			}
			wrapped := fmt.Errorf("read: %w", err)
			c.fireError(wrapped)
			return wrapped
		}

		c.fireMessage(msg)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.connMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.connMu.Unlock()
			if err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) fireMessage(data []byte) {
	c.messagesReceived.Add(1)
	c.bytesReceived.Add(uint64(len(data)))

	c.cbMu.RLock()
	cb := c.onMessage
	c.cbMu.RUnlock()
	if cb != nil {
		cb(data)
	}
}

func (c *Client) fireConnect() {
	c.cbMu.RLock()
	cb := c.onConnect
	c.cbMu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (c *Client) fireDisconnect(reason string) {
	c.cbMu.RLock()
	cb := c.onDisconnect
	c.cbMu.RUnlock()
	if cb != nil {
		cb(reason)
	}
}

func (c *Client) fireError(err error) {
	c.cbMu.RLock()
	cb := c.onError
	c.cbMu.RUnlock()
	if cb != nil {
		cb(err)
	}
}
