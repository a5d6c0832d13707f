// File: internal/protocol/client.go
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/browserkit/internal/observability"
)

// ReconnectHandler runs after the client re-established a dropped connection, before queued
// commands are released to callers. It receives the same client callers already hold.
type ReconnectHandler func(ctx context.Context, c *Client) error

// Options configures a Client. Dialect defaults to CDP.
type Options struct {
	Dialect Dialect
	// Browser is the display name used in user-facing errors.
	Browser string
	Logger  *zap.Logger
	// OnReconnect is set once here and never reassigned.
	OnReconnect ReconnectHandler
	// OnLost is called when the connection dropped and could not be re-established.
	OnLost            func(err error)
	ReconnectAttempts int
	ReconnectBackoff  time.Duration
	// RequestTimeout bounds commands whose context carries no deadline.
	RequestTimeout time.Duration
	Dialer         *websocket.Dialer
	Header         http.Header
}

type response struct {
	result jsontext.Value
	err    error
}

type outbound struct {
	id   int64
	data []byte
}

// Client multiplexes commands and events over one websocket. Commands are written in the
// order Send is called; responses are matched by id. Commands sent before the connection is
// ready, or while it is being re-established, are queued and flushed in order.
type Client struct {
	endpoint string
	opts     Options
	logger   *zap.Logger

	nextID  atomic.Int64
	nextSub atomic.Int64

	writeMu sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	flushing bool
	queue    []outbound
	pending  map[int64]chan response
	methods  map[int64]string
	subs     map[int64]*Subscription
	closed   bool

	done     chan struct{}
	closeErr error
	wg       sync.WaitGroup
}

// NewClient creates a client for endpoint. Nothing is dialed until Connect.
func NewClient(endpoint string, opts Options) *Client {
	if opts.Dialect == nil {
		opts.Dialect = CDP
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			HandshakeTimeout:  10 * time.Second,
			ReadBufferSize:    1 << 16,
			WriteBufferSize:   1 << 16,
			EnableCompression: false,
		}
	}
	if opts.ReconnectBackoff <= 0 {
		opts.ReconnectBackoff = 500 * time.Millisecond
	}
	if opts.Browser == "" {
		opts.Browser = "the browser"
	}
	return &Client{
		endpoint: endpoint,
		opts:     opts,
		logger:   opts.Logger.Named("protocol").With(zap.String("dialect", opts.Dialect.Name())),
		pending:  make(map[int64]chan response),
		methods:  make(map[int64]string),
		subs:     make(map[int64]*Subscription),
		done:     make(chan struct{}),
	}
}

// Endpoint is the websocket url the client dials.
func (c *Client) Endpoint() string { return c.endpoint }

// Dialect returns the wire dialect in use.
func (c *Client) Dialect() Dialect { return c.opts.Dialect }

// Done is closed when the client is closed or gave up reconnecting.
func (c *Client) Done() <-chan struct{} { return c.done }

// Connect dials the endpoint and releases any queued commands.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.install(conn)
	c.logger.Debug("Protocol connection established.", zap.String("endpoint", c.endpoint))
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.endpoint, c.opts.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &ConnectionFailedError{Browser: c.opts.Browser, Endpoint: c.endpoint, Err: err}
	}
	conn.SetReadLimit(256 << 20)
	return conn, nil
}

// install makes conn current, starts its reader and flushes the queue.
func (c *Client) install(conn *websocket.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.flushing = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)
	c.flush(conn)
}

// flush writes queued commands in order. New commands keep queueing until the queue is empty,
// which preserves send order across the hand-over.
func (c *Client) flush(conn *websocket.Conn) {
	for {
		c.mu.Lock()
		batch := c.queue
		c.queue = nil
		if len(batch) == 0 {
			c.flushing = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		for _, m := range batch {
			if err := c.write(conn, m.data); err != nil {
				c.fail(m.id, fmt.Errorf("%w: %v", ErrDisconnected, err))
			}
		}
	}
}

func (c *Client) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Send issues method on sessionID ("" for the browser target) and decodes the result into
// result when it is non-nil.
func (c *Client) Send(ctx context.Context, sessionID, method string, params, result any) error {
	if _, ok := ctx.Deadline(); !ok && c.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.RequestTimeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	data, err := c.opts.Dialect.Encode(id, sessionID, method, params)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", method, err)
	}

	ch := make(chan response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = ch
	c.methods[id] = method
	conn := c.conn
	if conn == nil || c.flushing {
		c.queue = append(c.queue, outbound{id: id, data: data})
		conn = nil
	}
	c.mu.Unlock()

	observability.TrackInflight(1)
	defer observability.TrackInflight(-1)

	if conn != nil {
		if err := c.write(conn, data); err != nil {
			c.forget(id)
			return fmt.Errorf("%w: %s: %v", ErrDisconnected, method, err)
		}
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if result == nil || len(r.result) == 0 {
			return nil
		}
		if err := json.Unmarshal(r.result, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		c.forget(id)
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	delete(c.methods, id)
	for i, m := range c.queue {
		if m.id == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

func (c *Client) fail(id int64, err error) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	delete(c.methods, id)
	c.mu.Unlock()
	if ok {
		ch <- response{err: err}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		frame, err := c.opts.Dialect.Decode(data)
		if err != nil {
			c.logger.Warn("Dropping undecodable frame.", zap.Error(err))
			continue
		}
		if frame.Response {
			c.resolve(frame)
			continue
		}
		c.dispatch(Event{SessionID: frame.SessionID, Method: frame.Method, Params: frame.Params})
	}
}

func (c *Client) resolve(f Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	method := c.methods[f.ID]
	delete(c.pending, f.ID)
	delete(c.methods, f.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("Response for unknown request.", zap.Int64("id", f.ID))
		return
	}
	if f.Err != nil {
		f.Err.Method = method
		ch <- response{err: f.Err}
		return
	}
	ch <- response{result: f.Result}
}

func (c *Client) dispatch(ev Event) {
	c.mu.Lock()
	var targets []*Subscription
	for _, s := range c.subs {
		if s.matches(ev) {
			targets = append(targets, s)
		}
	}
	c.mu.Unlock()
	for _, s := range targets {
		s.push(ev)
	}
}

// handleDisconnect runs when the reader of conn fails. A failure of an already replaced
// connection, or after Close, is ignored.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	pending := c.pending
	c.pending = make(map[int64]chan response)
	c.methods = make(map[int64]string)
	// Queued commands were never written; they survive for the next connection.
	queued := make(map[int64]struct{}, len(c.queue))
	for _, m := range c.queue {
		queued[m.id] = struct{}{}
	}
	for id, ch := range pending {
		if _, ok := queued[id]; ok {
			c.pending[id] = ch
			delete(pending, id)
		}
	}
	c.mu.Unlock()
	_ = conn.Close()

	for _, ch := range pending {
		ch <- response{err: ErrDisconnected}
	}

	c.logger.Warn("Protocol connection lost.", zap.Error(cause))
	if c.opts.ReconnectAttempts <= 0 {
		c.giveUp(fmt.Errorf("%w: %v", ErrDisconnected, cause))
		return
	}
	c.wg.Add(1)
	go c.reconnect(cause)
}

func (c *Client) reconnect(cause error) {
	defer c.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	limiter := rate.NewLimiter(rate.Every(c.opts.ReconnectBackoff), 1)
	var lastErr error = cause
	for attempt := 1; attempt <= c.opts.ReconnectAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		conn, err := c.dial(ctx)
		if err != nil {
			lastErr = err
			c.logger.Debug("Reconnect attempt failed.", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		// Hold new commands in the queue until the reconnect handler has run.
		c.flushing = true
		c.conn = conn
		c.mu.Unlock()

		c.wg.Add(1)
		go c.readLoop(conn)
		observability.RecordReconnect()
		c.logger.Info("Protocol connection re-established.", zap.Int("attempt", attempt))

		if c.opts.OnReconnect != nil {
			// Commands from the handler would queue behind the flush; let them through directly.
			c.mu.Lock()
			c.flushing = false
			held := c.queue
			c.queue = nil
			c.mu.Unlock()
			if err := c.opts.OnReconnect(ctx, c); err != nil {
				c.logger.Warn("Reconnect handler failed.", zap.Error(err))
			}
			c.mu.Lock()
			c.queue = append(held, c.queue...)
			c.flushing = true
			c.mu.Unlock()
		}
		c.flush(conn)
		return
	}
	c.giveUp(&ConnectionFailedError{Browser: c.opts.Browser, Endpoint: c.endpoint, Err: lastErr})
}

func (c *Client) giveUp(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.logger.Error("Protocol connection could not be re-established.", zap.Error(err))
	c.shutdown(err)
	if c.opts.OnLost != nil {
		c.opts.OnLost(err)
	}
}

// Close closes the connection, fails pending commands with ErrClosed and disposes every
// subscription. It is safe to call more than once.
func (c *Client) Close() error {
	err := c.shutdown(ErrClosed)
	c.wg.Wait()
	return err
}

func (c *Client) shutdown(reason error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = reason
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[int64]chan response)
	c.methods = make(map[int64]string)
	c.queue = nil
	subs := c.subs
	c.subs = make(map[int64]*Subscription)
	c.mu.Unlock()

	close(c.done)
	for _, ch := range pending {
		ch <- response{err: reason}
	}
	for _, s := range subs {
		s.stop()
	}

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	if err := conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}

// Err returns why the client closed, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Subscribe registers handler for events on sessionID ("" for browser-level and BiDi events).
// With no methods every event of that session is delivered. Handlers of one subscription run
// sequentially in arrival order on their own goroutine, so they may call Send.
func (c *Client) Subscribe(sessionID string, handler func(Event), methods ...string) *Subscription {
	s := newSubscription(c, c.nextSub.Add(1), sessionID, handler, methods)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		s.stop()
		return s
	}
	c.subs[s.id] = s
	c.mu.Unlock()
	return s
}

func (c *Client) unsubscribe(id int64) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}
