// Package store is the price aggregator: a completion-driven dispatch loop that
// accepts Store.GetProducts calls, runs each on a worker pool through a bidder, and
// replies with the collected bids.
//
// Every call moves through three states, driven by completion events:
//
//	CREATE  ──accept ok──►  PROCESS  ──job sends reply──►  FINISH  ──send done──►  released
//	   │                       │
//	   │                       └─ registers a fresh CREATE sibling before any work
//	   └─ accept not ok ──► stop accepting, drain, exit
//
// The dispatch loop is the only goroutine that reads or writes the call registry.
package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"price-store/api"
	"price-store/logging"
	"price-store/metrics"
	"price-store/server"
	"price-store/workerpool"
)

// ErrAcceptAborted is returned by Run when accepting stopped for a reason other than
// the caller's context ending, e.g. a listener failure.
var ErrAcceptAborted = errors.New("store: accept aborted")

// Reply errors sent to callers.
var (
	errOverloaded   = errors.New("server overloaded")
	errShuttingDown = errors.New("server shutting down")
)

// Bidder collects the bids for one product.
type Bidder interface {
	GetProductBid(ctx context.Context, productName string) []api.ProductInfo
}

// Config tunes a Server.
type Config struct {
	// MaxBacklog bounds requests parked while no accept is outstanding.
	MaxBacklog int
	// DrainTimeout bounds how long Run waits for in-flight calls once accepting stops.
	// Calls still running after it are abandoned.
	DrainTimeout time.Duration
	Logger       logr.Logger
}

// Server runs the dispatch loop. Create it with New; it serves one Run.
type Server struct {
	cfg    Config
	cq     *server.CompletionQueue
	rpc    *server.AsyncServer
	pool   *workerpool.Pool
	bidder Bidder
	logger logr.Logger

	// Owned by the dispatch loop.
	calls     map[server.Tag]*callData
	nextTag   server.Tag
	accepting bool

	// Set when the drain gave up; queued jobs then answer without gathering.
	abandoned atomic.Bool
}

// New wires a server around pool and bidder. Run takes ownership of pool and shuts it
// down on exit.
func New(cfg Config, pool *workerpool.Pool, bidder Bidder) *Server {
	if cfg.MaxBacklog <= 0 {
		cfg.MaxBacklog = server.DefaultMaxBacklog
	}
	logger := cfg.Logger.WithName("store")
	cq := server.NewCompletionQueue()
	rpc := server.NewAsyncServer(cq, server.WithAsyncLogger(cfg.Logger), server.WithMaxBacklog(cfg.MaxBacklog))
	rpc.RegisterMethod(api.MethodGetProducts)

	return &Server{
		cfg:    cfg,
		cq:     cq,
		rpc:    rpc,
		pool:   pool,
		bidder: bidder,
		logger: logger,
		calls:  make(map[server.Tag]*callData),
	}
}

// Listen binds addr ("host:port").
func (s *Server) Listen(addr string) error {
	if err := s.rpc.Listen("tcp", addr); err != nil {
		return fmt.Errorf("store: listen on %s: %w", addr, err)
	}
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	return s.rpc.Addr()
}

// Run serves until ctx ends or accepting fails, then stops accepting, waits up to
// DrainTimeout for in-flight calls, and tears everything down. It returns nil after a
// shutdown requested through ctx and ErrAcceptAborted otherwise.
func (s *Server) Run(ctx context.Context) error {
	if s.rpc.Addr() == nil {
		return errors.New("store: Run called before Listen")
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.rpc.Serve() }()

	// Cancelling ctx fails the outstanding accept, which the loop treats as shutdown.
	stop := context.AfterFunc(ctx, s.rpc.StopAccepting)
	defer stop()

	s.accepting = true
	s.newCall()

	waitCtx := context.Background()
	cancelWait := context.CancelFunc(func() {})
	defer func() { cancelWait() }()

	abandoned := 0
	for len(s.calls) > 0 {
		ev, err := s.cq.Next(waitCtx)
		if err != nil {
			abandoned = len(s.calls)
			s.logger.Info("Abandoning in-flight calls", "count", abandoned, "reason", err.Error())
			break
		}
		wasAccepting := s.accepting
		s.proceed(ctx, ev)
		if wasAccepting && !s.accepting {
			waitCtx, cancelWait = context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
			s.logger.V(logging.DEFAULT).Info("Stopped accepting, draining", "inFlight", len(s.calls))
		}
	}

	var errs error
	if ctx.Err() == nil {
		errs = ErrAcceptAborted
	}
	errs = multierr.Append(errs, s.teardown(abandoned > 0))
	if err := <-serveErr; err != nil && !errors.Is(err, server.ErrServerClosed) {
		errs = multierr.Append(errs, err)
	}
	s.logger.V(logging.DEFAULT).Info("Store stopped")
	return errs
}

// teardown closes connections, then the pool, then the completion queue. When calls
// were abandoned it does not wait for connections again, and queued jobs reply with
// an error instead of gathering, so every bound call still finishes.
func (s *Server) teardown(abandoned bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancel()

	var errs error
	if abandoned {
		s.abandoned.Store(true)
		stopped, stop := context.WithCancel(context.Background())
		stop()
		// Already waited DrainTimeout; this only closes the connections.
		_ = s.rpc.Shutdown(stopped)
	} else {
		errs = multierr.Append(errs, s.rpc.Shutdown(ctx))
	}
	errs = multierr.Append(errs, s.pool.Shutdown(ctx))
	s.cq.Shutdown()
	return errs
}

// proceed advances the call tagged by ev.
func (s *Server) proceed(ctx context.Context, ev server.Event) {
	cd, ok := s.calls[ev.Tag]
	if !ok {
		s.logger.Error(nil, "Completion for unknown call", "tag", ev.Tag)
		return
	}

	switch cd.status {
	case statusCreate:
		if !ev.OK {
			s.release(cd, false)
			s.stopAccepting()
			return
		}
		s.process(ctx, cd)
	case statusFinish:
		if !ev.OK {
			s.logger.V(logging.VERBOSE).Info("Reply not delivered", "requestID", cd.requestID.String())
		}
		s.release(cd, ev.OK)
	default:
		s.logger.Error(nil, "Unexpected completion", "tag", ev.Tag, "status", cd.status.String())
	}
}

// newCall registers a fresh call in CREATE.
func (s *Server) newCall() {
	s.nextTag++
	cd := &callData{tag: s.nextTag, status: statusCreate}
	s.calls[cd.tag] = cd
	s.rpc.RequestCall(api.MethodGetProducts, &cd.call, cd.tag)
}

// process moves cd to PROCESS: it registers the sibling that accepts the next request
// and hands cd to the pool.
func (s *Server) process(ctx context.Context, cd *callData) {
	cd.status = statusProcess
	cd.requestID = uuid.New()
	cd.started = time.Now()
	metrics.CallsInFlight.Inc()

	if s.accepting {
		s.newCall()
	}

	logger := s.logger.WithValues("requestID", cd.requestID.String())
	logger.V(logging.TRACE).Info("Accepted call", "remote", cd.call.RemoteAddr().String())

	err := s.pool.Submit(ctx, func() { s.handle(logger, cd) })
	if err == nil {
		return
	}
	logger.V(logging.VERBOSE).Info("Job not submitted", "err", err.Error())
	reason := errOverloaded
	if !errors.Is(err, workerpool.ErrQueueFull) {
		reason = errShuttingDown
	}
	cd.status = statusFinish
	cd.call.Finish(nil, reason, cd.tag)
}

// handle runs on a worker. It answers the query and initiates the reply; the reply's
// completion brings cd back to the dispatch loop.
func (s *Server) handle(logger logr.Logger, cd *callData) {
	if s.abandoned.Load() {
		cd.status = statusFinish
		cd.call.Finish(nil, errShuttingDown, cd.tag)
		return
	}
	if err := cd.call.Decode(&cd.query); err != nil {
		cd.status = statusFinish
		cd.call.Finish(nil, fmt.Errorf("decoding query: %w", err), cd.tag)
		return
	}
	logger = logger.WithValues("product", cd.query.ProductName)

	cd.reply.Products = s.bidder.GetProductBid(cd.call.Context(), cd.query.ProductName)
	logger.V(logging.DEBUG).Info("Replying", "bids", len(cd.reply.Products))

	cd.status = statusFinish
	cd.call.Finish(&cd.reply, nil, cd.tag)
}

// release removes cd from the call registry.
func (s *Server) release(cd *callData, delivered bool) {
	delete(s.calls, cd.tag)
	if !cd.started.IsZero() {
		metrics.RecordCallReleased(delivered, cd.started)
	}
}

func (s *Server) stopAccepting() {
	if !s.accepting {
		return
	}
	s.accepting = false
	s.rpc.StopAccepting()
}
