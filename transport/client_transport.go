// Package transport implements the caller side of a connection: many concurrent calls
// multiplexed over one TCP connection.
//
// Each Send gets a fresh sequence number and its own buffered response channel. A
// single recvLoop goroutine reads response frames and routes each one to the channel
// registered under its Seq.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ callee
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"price-store/codec"
	"price-store/message"
	"price-store/protocol"
)

// ErrTransportClosed is reported to every pending caller when the connection goes away.
var ErrTransportClosed = errors.New("transport: connection closed")

// Response is what a pending caller receives: the response envelope, or Err when the
// connection failed before the response arrived.
type Response struct {
	Envelope *message.Envelope
	Err      error
}

// DefaultHeartbeat is the keepalive interval used when none is given.
const DefaultHeartbeat = 30 * time.Second

// ClientTransport manages a single multiplexed connection.
type ClientTransport struct {
	conn  net.Conn
	codec codec.CodecType

	sending sync.Mutex // serializes frame writes

	mu      sync.Mutex // guards the fields below
	seq     uint32
	closed  bool
	err     error
	pending map[uint32]chan *Response

	done chan struct{} // closed when recvLoop exits
}

// NewClientTransport takes ownership of conn and starts the receive loop and, when
// heartbeat is positive, a keepalive loop.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, heartbeat time.Duration) *ClientTransport {
	t := &ClientTransport{
		conn:    conn,
		codec:   codecType,
		pending: make(map[uint32]chan *Response),
		done:    make(chan struct{}),
	}
	go t.recvLoop()
	if heartbeat > 0 {
		go t.heartbeatLoop(heartbeat)
	}
	return t
}

// Codec returns the codec used for envelopes and payloads on this transport.
func (t *ClientTransport) Codec() codec.CodecType {
	return t.codec
}

// Send writes one request frame and returns its sequence number together with the
// channel that will receive the response. The channel receives exactly one value.
func (t *ClientTransport) Send(method string, payload []byte) (uint32, <-chan *Response, error) {
	body, err := codec.GetCodec(t.codec).Encode(&message.Envelope{Method: method, Payload: payload})
	if err != nil {
		return 0, nil, err
	}

	t.mu.Lock()
	if t.closed {
		err := t.closeErr()
		t.mu.Unlock()
		return 0, nil, err
	}
	t.seq++
	seq := t.seq
	// Register before writing so recvLoop can never see a response it cannot route.
	respChan := make(chan *Response, 1)
	t.pending[seq] = respChan
	t.mu.Unlock()

	header := protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}
	t.sending.Lock()
	err = protocol.Encode(t.conn, &header, body)
	t.sending.Unlock()
	if err != nil {
		t.Cancel(seq)
		return 0, nil, err
	}
	return seq, respChan, nil
}

// Cancel forgets a pending call. A response that arrives later is dropped.
func (t *ClientTransport) Cancel(seq uint32) {
	t.mu.Lock()
	delete(t.pending, seq)
	t.mu.Unlock()
}

// recvLoop is the only reader of conn. Frames must be read sequentially to keep frame
// boundaries intact, so there is exactly one of these per transport.
func (t *ClientTransport) recvLoop() {
	defer close(t.done)
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		resp := &Response{Envelope: &message.Envelope{}}
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, resp.Envelope); err != nil {
			resp = &Response{Err: fmt.Errorf("transport: decoding response: %w", err)}
		}

		t.mu.Lock()
		ch, ok := t.pending[header.Seq]
		delete(t.pending, header.Seq)
		t.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// fail marks the transport closed and wakes every pending caller with an error so
// none of them blocks forever.
func (t *ClientTransport) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.err = err
	}
	closeErr := t.closeErr()
	for seq, ch := range t.pending {
		ch <- &Response{Err: closeErr}
		delete(t.pending, seq)
	}
	t.conn.Close()
}

func (t *ClientTransport) closeErr() error {
	if t.err == nil || errors.Is(t.err, net.ErrClosed) {
		return ErrTransportClosed
	}
	return fmt.Errorf("%w: %v", ErrTransportClosed, t.err)
}

// Close closes the connection. Pending callers receive ErrTransportClosed.
func (t *ClientTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	err := t.conn.Close()
	<-t.done
	return err
}

// Done is closed once the connection is no longer usable.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Broken reports whether the transport can no longer send.
func (t *ClientTransport) Broken() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// heartbeatLoop writes empty heartbeat frames so idle connections are not reaped by
// the callee or by middleboxes.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		header := &protocol.Header{CodecType: byte(t.codec), MsgType: protocol.MsgTypeHeartbeat}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			return
		}
	}
}
