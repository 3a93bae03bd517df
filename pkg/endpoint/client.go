package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/substrate-ai/relay/pkg/correlate"
	"github.com/substrate-ai/relay/pkg/dispatcher"
)

const clientLogPrefix = "endpoint:client"

// ClientOpts configures a Client.
type ClientOpts struct {
	Network     string
	Address     string
	DialTimeout time.Duration
	// MaxBackoff caps the delay between reconnect attempts.
	MaxBackoff time.Duration
	// OnStateChange is called whenever the connection comes up or goes down.
	OnStateChange func(connected bool)
}

// Client is the caller side of the command endpoint. It keeps one
// connection open, reconnecting in the background, and matches replies to
// pending requests through a correlation table.
type Client struct {
	opts  ClientOpts
	table *correlate.Table

	mu   sync.Mutex
	conn net.Conn
	enc  *FrameEncoder

	connected atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewClient creates a Client. Call Start to begin connecting.
func NewClient(opts ClientOpts) *Client {
	if opts.Network == "" {
		opts.Network = "unix"
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	return &Client{opts: opts, table: correlate.NewTable(), done: make(chan struct{})}
}

// Start runs the connection loop until ctx ends or Close is called.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go c.run(ctx)
}

// Close stops reconnecting, drops the connection and fails pending requests.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

// Connected reports whether the endpoint is currently reachable.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// WaitConnected blocks until the client is connected or ctx ends.
func (c *Client) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !c.Connected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Stats returns the correlation table counters.
func (c *Client) Stats() correlate.Stats {
	return c.table.Stats()
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for ctx.Err() == nil {
		conn, err := c.dialWithBackoff(ctx)
		if err != nil {
			return
		}
		c.setConn(conn)
		slog.Info(fmt.Sprintf("%s - Connected to command endpoint %s", clientLogPrefix, c.opts.Address))

		stop := context.AfterFunc(ctx, func() { conn.Close() })
		err = c.readLoop(conn)
		stop()

		c.clearConn(conn)
		failed := c.table.FailAll(dispatcher.CodeEndpointUnavailable, "command endpoint connection lost")
		if ctx.Err() == nil {
			slog.Warn(fmt.Sprintf("%s - Lost command endpoint (%v); failed %d pending, reconnecting", clientLogPrefix, err, failed))
		}
	}
	c.table.FailAll(dispatcher.CodeEndpointUnavailable, "client closed")
}

func (c *Client) dialWithBackoff(ctx context.Context) (net.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0

	var conn net.Conn
	op := func() error {
		d := net.Dialer{Timeout: c.opts.DialTimeout}
		var err error
		conn, err = d.DialContext(ctx, c.opts.Network, c.opts.Address)
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Debug(fmt.Sprintf("%s - dial %s failed: %v (retry in %s)", clientLogPrefix, c.opts.Address, err, wait))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (c *Client) setConn(conn net.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.enc = NewFrameEncoder(conn)
	c.mu.Unlock()
	c.connected.Store(true)
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(true)
	}
}

func (c *Client) clearConn(conn net.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.enc = nil
	}
	c.mu.Unlock()
	conn.Close()
	c.connected.Store(false)
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(false)
	}
}

func (c *Client) readLoop(conn net.Conn) error {
	dec := NewFrameDecoder(conn)
	for {
		frame, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return err
		}
		switch frame.Kind {
		case KindReply:
			c.table.Fulfill(frame.Reply)
		case KindProgress:
			c.table.Progress(frame.Progress)
		default:
			slog.Warn(fmt.Sprintf("%s - ignoring unexpected %s frame", clientLogPrefix, frame.Kind))
		}
	}
}

func (c *Client) write(f *Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc == nil {
		return errNotConnected
	}
	if err := c.enc.Encode(f); err != nil {
		c.conn.Close()
		return err
	}
	return nil
}

var errNotConnected = errors.New("not connected")

func unavailable(err error) *dispatcher.ErrorDetail {
	return dispatcher.Errorf(dispatcher.CodeEndpointUnavailable, "command endpoint unavailable: %v", err)
}

// Invoke submits req expecting a reply and returns its pending handle. A
// missing ID is filled with a fresh correlation id. When the endpoint is
// unreachable the error is an ENDPOINT_UNAVAILABLE *dispatcher.ErrorDetail.
func (c *Client) Invoke(_ context.Context, req *dispatcher.Request) (*correlate.Handle, error) {
	if !c.Connected() {
		return nil, unavailable(errNotConnected)
	}
	if req.ID == "" {
		req.ID = correlate.NewID()
	}
	req.ExpectReply = true

	h, err := c.table.Register(req.ID, correlate.ResolveTimeout(req.TimeoutMs))
	if err != nil {
		return nil, dispatcher.NewError(dispatcher.CodeInvalidRequest, err.Error())
	}
	if err := c.write(&Frame{Kind: KindRequest, Request: req}); err != nil {
		c.table.Fulfill(dispatcher.FailWith(req.ID, unavailable(err)))
	}
	return h, nil
}

// Call is Invoke followed by Wait. Every outcome is a Response: success, a
// structured failure, TIMEOUT, or ENDPOINT_UNAVAILABLE.
func (c *Client) Call(ctx context.Context, req *dispatcher.Request) *dispatcher.Response {
	h, err := c.Invoke(ctx, req)
	if err != nil {
		var detail *dispatcher.ErrorDetail
		if errors.As(err, &detail) {
			return dispatcher.FailWith(req.ID, detail)
		}
		return dispatcher.Fail(req.ID, dispatcher.CodeEndpointUnavailable, err.Error())
	}
	resp, err := h.Wait(ctx)
	if err != nil {
		return dispatcher.Fail(req.ID, dispatcher.CodeTimeout, fmt.Sprintf("request abandoned: %v", err))
	}
	if resp == nil {
		return dispatcher.Fail(req.ID, dispatcher.CodeTimeout, "request cancelled")
	}
	return resp
}

// Send submits a fire-and-forget request.
func (c *Client) Send(_ context.Context, req *dispatcher.Request) error {
	if !c.Connected() {
		return unavailable(errNotConnected)
	}
	req.ExpectReply = false
	if err := c.write(&Frame{Kind: KindRequest, Request: req}); err != nil {
		return unavailable(err)
	}
	return nil
}
