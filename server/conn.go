package server

import (
	"context"
	"net"
	"sync"

	"price-store/codec"
	"price-store/message"
	"price-store/protocol"
)

// serverConn is the callee side of one accepted connection. Exactly one goroutine reads
// from it; responses may be written from any goroutine and are serialized by writeMu
// so frames never interleave.
type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	ctx     context.Context    // cancelled when the connection closes
	cancel  context.CancelFunc // or the server shuts down
}

func newServerConn(parent context.Context, conn net.Conn) *serverConn {
	ctx, cancel := context.WithCancel(parent)
	return &serverConn{conn: conn, ctx: ctx, cancel: cancel}
}

// writeResponse encodes env with codecType and writes it as the response to seq.
func (c *serverConn) writeResponse(codecType codec.CodecType, seq uint32, env *message.Envelope) error {
	body, err := codec.GetCodec(codecType).Encode(env)
	if err != nil {
		return err
	}
	header := protocol.Header{
		CodecType: byte(codecType),
		MsgType:   protocol.MsgTypeResponse,
		Seq:       seq, // same Seq as the request, so the caller can route it
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.Encode(c.conn, &header, body)
}

func (c *serverConn) writeError(codecType codec.CodecType, seq uint32, method, msg string) error {
	return c.writeResponse(codecType, seq, &message.Envelope{Method: method, Error: msg})
}

func (c *serverConn) close() {
	c.cancel()
	c.conn.Close()
}

// connSet tracks live connections so shutdown can close them.
type connSet struct {
	mu    sync.Mutex
	conns map[*serverConn]struct{}
	wg    sync.WaitGroup
}

func (s *connSet) add(c *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		s.conns = make(map[*serverConn]struct{})
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
}

func (s *connSet) remove(c *serverConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.close()
	s.wg.Done()
}

// closeAll closes every tracked connection and waits for their read loops to exit.
func (s *connSet) closeAll() {
	s.mu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
