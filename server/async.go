package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"price-store/codec"
	"price-store/logging"
	"price-store/message"
	"price-store/protocol"
)

// ErrServerClosed is returned by Serve after StopAccepting or Shutdown.
var ErrServerClosed = errors.New("server: closed")

// DefaultMaxBacklog bounds the requests parked per method while no registration is
// outstanding.
const DefaultMaxBacklog = 1024

// AsyncServer hands inbound calls to a completion-driven dispatch loop instead of
// running handlers itself.
//
// The dispatch loop registers interest in the next call of a method with RequestCall,
// passing a ServerCall to fill and a Tag. When a request arrives it is bound to the
// oldest outstanding registration and the tag is posted to the CompletionQueue with
// OK=true. Requests that find no registration wait in a bounded backlog. When the
// server stops, every outstanding registration is posted with OK=false.
//
//	conn reader ──request──► RequestCall slot ──Event{tag, ok}──► CompletionQueue ──► dispatch loop
//	worker ──ServerCall.Finish──► write reply ──Event{tag, ok}──► CompletionQueue
type AsyncServer struct {
	cq         *CompletionQueue
	logger     logr.Logger
	maxBacklog int

	listener net.Listener
	baseCtx  context.Context
	cancel   context.CancelFunc
	conns    connSet
	stopped  atomic.Bool

	mu      sync.Mutex
	methods map[string]bool
	waiting map[string][]registration
	backlog map[string][]inbound
	closed  bool

	inflight sync.WaitGroup // bound or backlogged calls not yet answered
}

type registration struct {
	call *ServerCall
	tag  Tag
}

// AsyncOption configures an AsyncServer.
type AsyncOption func(*AsyncServer)

// WithAsyncLogger sets the server's logger.
func WithAsyncLogger(logger logr.Logger) AsyncOption {
	return func(s *AsyncServer) { s.logger = logger }
}

// WithMaxBacklog bounds the per-method backlog. Requests beyond it are answered with
// a "server busy" error.
func WithMaxBacklog(n int) AsyncOption {
	return func(s *AsyncServer) { s.maxBacklog = n }
}

// NewAsyncServer creates a server that reports completions to cq.
func NewAsyncServer(cq *CompletionQueue, opts ...AsyncOption) *AsyncServer {
	s := &AsyncServer{
		cq:         cq,
		maxBacklog: DefaultMaxBacklog,
		methods:    make(map[string]bool),
		waiting:    make(map[string][]registration),
		backlog:    make(map[string][]inbound),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithName("async-server")
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

// RegisterMethod declares a method this server answers. Requests for other methods are
// rejected immediately.
func (s *AsyncServer) RegisterMethod(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[method] = true
}

// Listen binds the listening socket. It is separate from Serve so callers can learn
// the bound address before serving.
func (s *AsyncServer) Listen(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *AsyncServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until the server is stopped, then returns ErrServerClosed.
// Any other accept error stops the server, cancelling outstanding registrations, and
// is returned.
func (s *AsyncServer) Serve() error {
	if s.listener == nil {
		return errors.New("server: Serve called before Listen")
	}
	s.logger.V(logging.DEFAULT).Info("Serving", "addr", s.listener.Addr().String())
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.stopped.Load() {
				return ErrServerClosed
			}
			s.logger.Error(err, "Accept failed, stopping")
			s.StopAccepting()
			return fmt.Errorf("server: accept: %w", err)
		}
		sc := newServerConn(s.baseCtx, conn)
		s.conns.add(sc)
		go s.handleConn(sc)
	}
}

func (s *AsyncServer) handleConn(sc *serverConn) {
	defer s.conns.remove(sc)
	logger := s.logger.WithValues("remote", sc.conn.RemoteAddr().String())
	for {
		header, body, err := protocol.Decode(sc.conn)
		if err != nil {
			logger.V(logging.TRACE).Info("Connection closed", "reason", err.Error())
			return
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}

		ct := codec.CodecType(header.CodecType)
		env := &message.Envelope{}
		if err := codec.GetCodec(ct).Decode(body, env); err != nil {
			sc.writeError(ct, header.Seq, "", fmt.Sprintf("decoding request: %v", err))
			continue
		}
		s.dispatch(inbound{conn: sc, codec: ct, seq: header.Seq, method: env.Method, payload: env.Payload})
	}
}

// dispatch binds req to the oldest registration for its method, or parks it.
func (s *AsyncServer) dispatch(req inbound) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		req.conn.writeError(req.codec, req.seq, req.method, "server shutting down")
		return
	case !s.methods[req.method]:
		s.mu.Unlock()
		req.conn.writeError(req.codec, req.seq, req.method, fmt.Sprintf("unknown method %q", req.method))
		return
	}

	if regs := s.waiting[req.method]; len(regs) > 0 {
		reg := regs[0]
		s.waiting[req.method] = regs[1:]
		s.inflight.Add(1)
		s.mu.Unlock()
		reg.call.bind(s, req)
		s.cq.post(Event{Tag: reg.tag, OK: true})
		return
	}

	if len(s.backlog[req.method]) >= s.maxBacklog {
		s.mu.Unlock()
		s.logger.V(logging.VERBOSE).Info("Backlog full, rejecting call", "method", req.method)
		req.conn.writeError(req.codec, req.seq, req.method, "server busy")
		return
	}
	s.backlog[req.method] = append(s.backlog[req.method], req)
	s.inflight.Add(1)
	s.mu.Unlock()
}

// RequestCall registers interest in the next call of method. When one arrives, call is
// filled in and tag is posted with OK=true. If the server is stopped the tag is posted
// with OK=false instead. The method is registered implicitly.
func (s *AsyncServer) RequestCall(method string, call *ServerCall, tag Tag) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.cq.post(Event{Tag: tag, OK: false})
		return
	}
	s.methods[method] = true

	if parked := s.backlog[method]; len(parked) > 0 {
		req := parked[0]
		s.backlog[method] = parked[1:]
		s.mu.Unlock()
		call.bind(s, req)
		s.cq.post(Event{Tag: tag, OK: true})
		return
	}
	s.waiting[method] = append(s.waiting[method], registration{call: call, tag: tag})
	s.mu.Unlock()
}

// StopAccepting closes the listener, cancels every outstanding registration (posting
// OK=false) and rejects parked requests. Calls already bound can still Finish.
func (s *AsyncServer) StopAccepting() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	waiting, backlog := s.waiting, s.backlog
	s.waiting = make(map[string][]registration)
	s.backlog = make(map[string][]inbound)
	s.mu.Unlock()

	s.stopped.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	for _, regs := range waiting {
		for _, reg := range regs {
			s.cq.post(Event{Tag: reg.tag, OK: false})
		}
	}
	for _, reqs := range backlog {
		for _, req := range reqs {
			req.conn.writeError(req.codec, req.seq, req.method, "server shutting down")
			s.inflight.Done()
		}
	}
}

// Shutdown stops accepting, waits for bound calls to Finish (or ctx to end), then
// closes every connection. With ctx already done it does not wait at all.
func (s *AsyncServer) Shutdown(ctx context.Context) error {
	s.StopAccepting()

	err := ctx.Err()
	if err == nil {
		done := make(chan struct{})
		go func() {
			s.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	s.cancel()
	s.conns.closeAll()
	if err != nil {
		return fmt.Errorf("server: waiting for in-flight calls: %w", err)
	}
	return nil
}
