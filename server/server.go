// Package server accepts framed calls from callers.
//
// Server is the synchronous flavor used by vendor nodes: every request runs in its own
// goroutine through the middleware chain into a reflected method.
//
//	Accept conn → handleConn (one reader goroutine per connection)
//	  → for each request: go handleRequest
//	    → Codec.Decode → middleware chain → businessHandler (reflect.Call) → write response
//
// AsyncServer is the completion-driven flavor used by the store; see async.go.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"price-store/codec"
	"price-store/logging"
	"price-store/message"
	"price-store/middleware"
	"price-store/protocol"
	"price-store/registry"
)

// Server registers services and answers calls to their methods.
type Server struct {
	serviceMap  map[string]*service
	listener    net.Listener
	wg          sync.WaitGroup // in-flight requests
	shutdown    atomic.Bool    // set before the listener is closed on purpose
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middleware(middleware(...(businessHandler)))
	conns       connSet
	baseCtx     context.Context
	cancel      context.CancelFunc
	logger      logr.Logger

	registry      registry.Registry // nil unless the server announces itself
	advertiseAddr string            // routable address written to the registry
	ttl           int64
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger logr.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithRegistry announces every registered service at advertiseAddr when serving
// starts, and withdraws them on Shutdown.
func WithRegistry(reg registry.Registry, advertiseAddr string, ttl int64) Option {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
		s.ttl = ttl
	}
}

// NewServer creates a server with no services.
func NewServer(opts ...Option) *Server {
	s := &Server{serviceMap: make(map[string]*service)}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithName("server")
	s.baseCtx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Register publishes rcvr's methods under its type name.
func (svr *Server) Register(rcvr any) error {
	return svr.RegisterName("", rcvr)
}

// RegisterName publishes rcvr's methods under name.
func (svr *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	svr.serviceMap[svc.name] = svc
	return nil
}

// Use appends a middleware. The first one added is the outermost.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Listen binds the listening socket.
func (svr *Server) Listen(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	svr.listener = l
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (svr *Server) Addr() net.Addr {
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// Serve announces the services (if a registry is configured) and accepts connections
// until Shutdown, after which it returns ErrServerClosed.
func (svr *Server) Serve(ctx context.Context) error {
	if svr.listener == nil {
		return errors.New("server: Serve called before Listen")
	}
	// Built once, not per request.
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	if svr.registry != nil {
		for name := range svr.serviceMap {
			if err := svr.registry.Register(ctx, name, registry.ServiceInstance{Addr: svr.advertiseAddr}, svr.ttl); err != nil {
				return fmt.Errorf("server: registering %s: %w", name, err)
			}
		}
	}

	svr.logger.V(logging.DEFAULT).Info("Serving", "addr", svr.listener.Addr().String())
	for {
		conn, err := svr.listener.Accept()
		if err != nil {
			if svr.shutdown.Load() {
				return ErrServerClosed
			}
			return err
		}
		sc := newServerConn(svr.baseCtx, conn)
		svr.conns.add(sc)
		go svr.handleConn(sc)
	}
}

// handleConn reads frames sequentially and dispatches each request to its own
// goroutine so a slow call does not hold up the next one on the same connection.
func (svr *Server) handleConn(sc *serverConn) {
	defer svr.conns.remove(sc)
	for {
		header, body, err := protocol.Decode(sc.conn)
		if err != nil {
			return
		}
		if header.MsgType != protocol.MsgTypeRequest {
			continue
		}
		svr.wg.Add(1)
		go svr.handleRequest(sc, header, body)
	}
}

func (svr *Server) handleRequest(sc *serverConn, header *protocol.Header, body []byte) {
	defer svr.wg.Done()

	ct := codec.CodecType(header.CodecType)
	req := &message.Envelope{}
	var resp *message.Envelope
	if err := codec.GetCodec(ct).Decode(body, req); err != nil {
		resp = &message.Envelope{Error: fmt.Sprintf("decoding request: %v", err)}
	} else {
		resp = svr.handler(withCodec(sc.ctx, ct), req)
	}

	if err := sc.writeResponse(ct, header.Seq, resp); err != nil {
		svr.logger.V(logging.VERBOSE).Info("Failed to write response", "method", req.Method, "err", err.Error())
	}
}

// Shutdown withdraws the services from the registry, stops accepting, waits for
// in-flight requests (or ctx), and closes every connection.
func (svr *Server) Shutdown(ctx context.Context) error {
	var errs error
	if svr.registry != nil {
		for name := range svr.serviceMap {
			errs = multierr.Append(errs, svr.registry.Deregister(ctx, name, svr.advertiseAddr))
		}
	}

	// The flag must be set before closing, or Serve reports the Accept error as real.
	svr.shutdown.Store(true)
	if svr.listener != nil {
		errs = multierr.Append(errs, svr.listener.Close())
	}

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("server: waiting for in-flight requests: %w", ctx.Err()))
	}
	svr.cancel()
	svr.conns.closeAll()
	return errs
}

// businessHandler resolves "Service.Method", decodes the payload into a fresh Args,
// calls the method and encodes the Reply.
func (svr *Server) businessHandler(ctx context.Context, req *message.Envelope) *message.Envelope {
	serviceName, methodName, ok := strings.Cut(req.Method, ".")
	if !ok {
		return &message.Envelope{Method: req.Method, Error: "invalid method format"}
	}
	svc := svr.serviceMap[serviceName]
	if svc == nil {
		return &message.Envelope{Method: req.Method, Error: fmt.Sprintf("unknown service %q", serviceName)}
	}
	mType := svc.method[methodName]
	if mType == nil {
		return &message.Envelope{Method: req.Method, Error: fmt.Sprintf("unknown method %q", req.Method)}
	}

	ct := codecFrom(ctx)
	argv := reflect.New(mType.ArgType)
	replyv := reflect.New(mType.ReplyType)
	if err := codec.UnmarshalPayload(ct, req.Payload, argv.Interface()); err != nil {
		return &message.Envelope{Method: req.Method, Error: err.Error()}
	}

	if err := svc.call(ctx, mType, argv, replyv); err != nil {
		return &message.Envelope{Method: req.Method, Error: err.Error()}
	}

	payload, err := codec.MarshalPayload(ct, replyv.Interface())
	if err != nil {
		return &message.Envelope{Method: req.Method, Error: fmt.Sprintf("encoding reply: %v", err)}
	}
	return &message.Envelope{Method: req.Method, Payload: payload}
}

type codecKey struct{}

func withCodec(ctx context.Context, ct codec.CodecType) context.Context {
	return context.WithValue(ctx, codecKey{}, ct)
}

func codecFrom(ctx context.Context) codec.CodecType {
	if ct, ok := ctx.Value(codecKey{}).(codec.CodecType); ok {
		return ct
	}
	return codec.CodecTypeJSON
}
