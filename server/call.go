package server

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"price-store/codec"
	"price-store/logging"
	"price-store/message"
)

// inbound is a decoded request waiting to be bound to a ServerCall.
type inbound struct {
	conn    *serverConn
	codec   codec.CodecType
	seq     uint32
	method  string
	payload []byte
}

// ServerCall is the server half of one inbound call. The caller of RequestCall owns
// it; the AsyncServer fills it in when a request arrives for the registration and
// posts the registration's tag.
type ServerCall struct {
	srv      *AsyncServer
	req      inbound
	finished atomic.Bool
}

func (c *ServerCall) bind(srv *AsyncServer, req inbound) {
	c.srv = srv
	c.req = req
}

// Method returns the called method, e.g. "Store.GetProducts".
func (c *ServerCall) Method() string {
	return c.req.method
}

// RemoteAddr returns the caller's address.
func (c *ServerCall) RemoteAddr() net.Addr {
	return c.req.conn.conn.RemoteAddr()
}

// Context is cancelled when the caller's connection closes or the server shuts down.
func (c *ServerCall) Context() context.Context {
	return c.req.conn.ctx
}

// Decode unmarshals the request payload into v.
func (c *ServerCall) Decode(v any) error {
	return codec.UnmarshalPayload(c.req.codec, c.req.payload, v)
}

// Finish sends reply (or err, if non-nil) back to the caller and then posts tag to the
// completion queue. The event is OK only if the reply was written. Finish must be
// called exactly once per bound call.
func (c *ServerCall) Finish(reply any, err error, tag Tag) {
	if !c.finished.CompareAndSwap(false, true) {
		c.srv.logger.Error(nil, "Finish called twice", "method", c.req.method, "tag", tag)
		return
	}

	env := &message.Envelope{Method: c.req.method}
	if err != nil {
		env.Error = err.Error()
	} else if reply != nil {
		payload, merr := codec.MarshalPayload(c.req.codec, reply)
		if merr != nil {
			env.Error = fmt.Sprintf("encoding reply: %v", merr)
		} else {
			env.Payload = payload
		}
	}

	werr := c.req.conn.writeResponse(c.req.codec, c.req.seq, env)
	if werr != nil {
		c.srv.logger.V(logging.VERBOSE).Info("Reply not delivered", "method", c.req.method, "remote", c.RemoteAddr().String(), "err", werr.Error())
	}
	c.srv.inflight.Done()
	c.srv.cq.post(Event{Tag: tag, OK: werr == nil})
}
