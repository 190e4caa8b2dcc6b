// Package client is a typed client for the shardkv wire protocol. A Client
// owns one connection and serializes calls over it.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/loganszeto/shardkv/internal/protocol"
	"github.com/loganszeto/shardkv/internal/value"
)

var (
	ErrClosed       = errors.New("client closed")
	ErrNotFound     = errors.New("key not found")
	ErrTypeMismatch = errors.New("type mismatch")
)

// ServerError is an ERROR status returned by the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "server error: " + e.Message }

// ConnectionError wraps an I/O or framing failure. The client is closed
// once one is returned.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

type State int

const (
	StateConnected State = iota
	StateAwaiting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateAwaiting:
		return "AWAITING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Client struct {
	mu       sync.Mutex
	conn     net.Conn
	r        *bufio.Reader
	w        *bufio.Writer
	state    State
	maxFrame int
	timeout  time.Duration
}

type Option func(*Client)

// WithMaxFrameSize bounds the responses the client accepts.
func WithMaxFrameSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxFrame = n
		}
	}
}

// WithTimeout applies to calls whose context carries no deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", Err: err}
	}
	return New(conn, opts...), nil
}

func New(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		conn:     conn,
		r:        bufio.NewReader(conn),
		w:        bufio.NewWriter(conn),
		state:    StateConnected,
		maxFrame: protocol.DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	return c.conn.Close()
}

// Do sends req and returns the raw response. Only connection failures are
// returned as errors; the status is left to the caller.
func (c *Client) Do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		return protocol.Response{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return protocol.Response{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return protocol.Response{}, err
	}

	deadline, ok := ctx.Deadline()
	if !ok && c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	_ = c.conn.SetDeadline(deadline)

	// A cancelled context unblocks the pending read by expiring the deadline.
	expired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Unix(1, 0))
		close(expired)
	})
	defer func() {
		if !stop() {
			// Cancelled as the call finished: wait out the expiry so it
			// cannot land on the next call's deadline.
			<-expired
			_ = c.conn.SetDeadline(time.Time{})
		}
	}()

	c.state = StateAwaiting
	if err := protocol.WriteFrame(c.w, payload); err != nil {
		return protocol.Response{}, c.fail(ctx, req.Op, err)
	}
	if err := c.w.Flush(); err != nil {
		return protocol.Response{}, c.fail(ctx, req.Op, err)
	}
	frame, err := protocol.ReadFrame(c.r, c.maxFrame)
	if err != nil {
		return protocol.Response{}, c.fail(ctx, req.Op, err)
	}
	resp, err := protocol.DecodeResponse(frame)
	if err != nil {
		return protocol.Response{}, c.fail(ctx, req.Op, err)
	}
	c.state = StateConnected
	return resp, nil
}

// fail closes the connection; the caller holds c.mu.
func (c *Client) fail(ctx context.Context, op protocol.Opcode, err error) error {
	c.state = StateClosed
	_ = c.conn.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = fmt.Errorf("%w: %v", ctxErr, err)
	}
	return &ConnectionError{Op: op.String(), Err: err}
}

func (c *Client) call(ctx context.Context, req protocol.Request) (value.Value, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return value.Value{}, err
	}
	return result(req.Key, resp)
}

func result(key string, resp protocol.Response) (value.Value, error) {
	switch resp.Status {
	case protocol.StatusOK:
		return resp.Value, nil
	case protocol.StatusNotFound:
		return value.Value{}, fmt.Errorf("%q: %w", key, ErrNotFound)
	case protocol.StatusTypeMismatch:
		return value.Value{}, fmt.Errorf("%w: %s", ErrTypeMismatch, resp.Message)
	default:
		return value.Value{}, &ServerError{Message: resp.Message}
	}
}

func (c *Client) Get(ctx context.Context, key string) (value.Value, error) {
	return c.call(ctx, protocol.Request{Op: protocol.OpGet, Key: key})
}

// Set stores v and returns the previous value, which is zero when the key
// was absent.
func (c *Client) Set(ctx context.Context, key string, v value.Value, ttl time.Duration) (value.Value, error) {
	return c.call(ctx, protocol.Request{Op: protocol.OpSet, Key: key, Value: v, TTL: ttl})
}

func (c *Client) Delete(ctx context.Context, key string) (bool, error) {
	v, err := c.call(ctx, protocol.Request{Op: protocol.OpDel, Key: key})
	if err != nil {
		return false, err
	}
	return asBool(v)
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	v, err := c.call(ctx, protocol.Request{Op: protocol.OpExists, Key: key})
	if err != nil {
		return false, err
	}
	return asBool(v)
}

func (c *Client) Incr(ctx context.Context, key string, delta value.Value) (value.Value, error) {
	return c.call(ctx, protocol.Request{Op: protocol.OpIncr, Key: key, Value: delta})
}

func (c *Client) Decr(ctx context.Context, key string, delta value.Value) (value.Value, error) {
	return c.call(ctx, protocol.Request{Op: protocol.OpDecr, Key: key, Value: delta})
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, protocol.Request{Op: protocol.OpPing})
	return err
}

func (c *Client) Info(ctx context.Context) (map[string]value.Value, error) {
	v, err := c.call(ctx, protocol.Request{Op: protocol.OpInfo})
	if err != nil {
		return nil, err
	}
	m, ok := v.AsMap()
	if !ok {
		return nil, fmt.Errorf("INFO returned %s, want map", v.Kind())
	}
	return m, nil
}

func asBool(v value.Value) (bool, error) {
	n, ok := v.AsInt()
	if !ok {
		return false, fmt.Errorf("expected integer result, got %s", v.Kind())
	}
	return n != 0, nil
}
