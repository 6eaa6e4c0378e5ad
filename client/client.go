// Package client calls methods on one remote address over a multiplexed transport.
package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"price-store/codec"
	"price-store/transport"
)

// ServerError is an error string returned by the remote handler.
type ServerError struct {
	Method string
	Msg    string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: server error: %s", e.Method, e.Msg)
}

// Option configures Dial.
type Option func(*options)

type options struct {
	codec     codec.CodecType
	heartbeat time.Duration
	dialer    net.Dialer
}

// WithCodec selects the envelope and payload codec. Defaults to JSON.
func WithCodec(t codec.CodecType) Option {
	return func(o *options) { o.codec = t }
}

// WithHeartbeat sets the keepalive interval; zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option {
	return func(o *options) { o.heartbeat = d }
}

// Client issues calls to a single address. It is safe for concurrent use.
type Client struct {
	addr string
	t    *transport.ClientTransport
}

// Dial connects to addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	o := options{codec: codec.CodecTypeJSON, heartbeat: transport.DefaultHeartbeat}
	for _, opt := range opts {
		opt(&o)
	}
	conn, err := o.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewClient(addr, transport.NewClientTransport(conn, o.codec, o.heartbeat)), nil
}

// NewClient wraps an existing transport.
func NewClient(addr string, t *transport.ClientTransport) *Client {
	return &Client{addr: addr, t: t}
}

// Addr returns the remote address.
func (c *Client) Addr() string {
	return c.addr
}

// Call invokes method and waits for the reply or for ctx to end.
func (c *Client) Call(ctx context.Context, method string, args any, reply any) error {
	call := c.Go(ctx, method, args, reply)
	return call.Wait()
}

// Call is an in-progress asynchronous call.
type Call struct {
	Method string
	Reply  any
	Err    error
	done   chan struct{}
}

// Done is closed once Err and Reply are set.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the call completes and returns its error.
func (c *Call) Wait() error {
	<-c.done
	return c.Err
}

// Go starts method asynchronously. The returned Call completes when the reply arrives,
// the connection fails, or ctx ends.
func (c *Client) Go(ctx context.Context, method string, args any, reply any) *Call {
	call := &Call{Method: method, Reply: reply, done: make(chan struct{})}

	payload, err := codec.MarshalPayload(c.t.Codec(), args)
	if err != nil {
		call.Err = fmt.Errorf("%s: encoding args: %w", method, err)
		close(call.done)
		return call
	}
	seq, ch, err := c.t.Send(method, payload)
	if err != nil {
		call.Err = err
		close(call.done)
		return call
	}

	go func() {
		defer close(call.done)
		select {
		case resp := <-ch:
			if resp.Err != nil {
				call.Err = resp.Err
				return
			}
			if resp.Envelope.Failed() {
				call.Err = &ServerError{Method: method, Msg: resp.Envelope.Error}
				return
			}
			if err := codec.UnmarshalPayload(c.t.Codec(), resp.Envelope.Payload, reply); err != nil {
				call.Err = fmt.Errorf("%s: decoding reply: %w", method, err)
			}
		case <-ctx.Done():
			c.t.Cancel(seq)
			call.Err = ctx.Err()
		}
	}()
	return call
}

// Broken reports whether the underlying connection has failed.
func (c *Client) Broken() bool {
	return c.t.Broken()
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.t.Close()
}
