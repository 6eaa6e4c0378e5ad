// Package workerpool runs jobs on a fixed set of long-lived workers fed by a FIFO queue.
//
// Submit appends to the queue under a mutex and wakes one idle worker through a
// condition variable. Each worker loops: wait until the queue is non-empty or the pool
// is closing, pop the head, run it, repeat.
//
//	Submit ──► [ job4 | job3 | job2 | job1 ] ──► worker-0
//	                                         ──► worker-1
//	                                         ──► worker-N
//
// Capacity bounds the queue. When it is full, PolicyBlock parks the submitter until a
// worker makes room (or its context ends) and PolicyReject fails fast with ErrQueueFull.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/go-logr/logr"

	"price-store/logging"
	"price-store/metrics"
)

var (
	ErrPoolClosed      = errors.New("workerpool: pool is closed")
	ErrQueueFull       = errors.New("workerpool: queue is full")
	ErrInvalidWorkers  = errors.New("workerpool: worker count must be positive")
	ErrInvalidCapacity = errors.New("workerpool: capacity must not be negative")
)

// Job is a unit of work. It runs exactly once on exactly one worker.
type Job func()

// OverflowPolicy decides what Submit does when the queue is at capacity.
type OverflowPolicy int

const (
	PolicyBlock OverflowPolicy = iota
	PolicyReject
)

func (p OverflowPolicy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyReject:
		return "reject"
	default:
		return fmt.Sprintf("OverflowPolicy(%d)", int(p))
	}
}

// ParseOverflowPolicy maps "block" or "reject" to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "block":
		return PolicyBlock, nil
	case "reject":
		return PolicyReject, nil
	}
	return 0, fmt.Errorf("workerpool: unknown overflow policy %q", s)
}

// Config describes a pool.
type Config struct {
	// Workers is the number of workers started. It is honored as given unless
	// CapToCPU is set.
	Workers int
	// CapToCPU lowers Workers to runtime.NumCPU() when it is larger.
	CapToCPU bool
	// Capacity is the maximum number of queued (not yet running) jobs. Zero means
	// unbounded.
	Capacity int
	Policy   OverflowPolicy
	Logger   logr.Logger
}

// Pool is a fixed-size worker pool. The zero value is not usable; call New.
type Pool struct {
	mu       sync.Mutex
	notEmpty *sync.Cond // workers wait here for jobs
	notFull  *sync.Cond // blocked submitters wait here for room
	queue    []Job
	capacity int
	policy   OverflowPolicy
	closed   bool

	workers int
	wg      sync.WaitGroup
	logger  logr.Logger
}

// New starts cfg.Workers workers and returns the pool.
func New(cfg Config) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, ErrInvalidWorkers
	}
	if cfg.Capacity < 0 {
		return nil, ErrInvalidCapacity
	}
	workers := cfg.Workers
	if cfg.CapToCPU {
		workers = min(workers, runtime.NumCPU())
	}

	p := &Pool{
		capacity: cfg.Capacity,
		policy:   cfg.Policy,
		workers:  workers,
		logger:   cfg.Logger.WithName("workerpool"),
	}
	p.notEmpty = sync.NewCond(&p.mu)
	p.notFull = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	p.logger.V(logging.DEFAULT).Info("Worker pool started", "workers", workers, "capacity", cfg.Capacity, "policy", cfg.Policy.String())
	return p, nil
}

// Submit enqueues job. It returns ErrPoolClosed after Shutdown or Stop, ErrQueueFull
// under PolicyReject, and ctx.Err() if ctx ends while blocked under PolicyBlock.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if job == nil {
		return errors.New("workerpool: nil job")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.capacity > 0 && len(p.queue) >= p.capacity && !p.closed {
		if p.policy == PolicyReject {
			metrics.PoolJobsRejected.Inc()
			return ErrQueueFull
		}
		// Wake blocked submitters when ctx ends so they can give up.
		stop := context.AfterFunc(ctx, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			p.notFull.Broadcast()
		})
		defer stop()
		for len(p.queue) >= p.capacity && !p.closed {
			if err := ctx.Err(); err != nil {
				metrics.PoolJobsRejected.Inc()
				return err
			}
			p.notFull.Wait()
		}
	}
	if p.closed {
		metrics.PoolJobsRejected.Inc()
		return ErrPoolClosed
	}

	p.queue = append(p.queue, job)
	metrics.PoolQueueDepth.Inc()
	p.notEmpty.Signal()
	return nil
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	logger := p.logger.WithValues("worker", id)
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.notEmpty.Wait()
		}
		if len(p.queue) == 0 {
			// closed and drained
			p.mu.Unlock()
			return
		}
		job := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		metrics.PoolQueueDepth.Dec()
		p.notFull.Signal()
		p.mu.Unlock()

		p.run(logger, job)
	}
}

func (p *Pool) run(logger logr.Logger, job Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(fmt.Errorf("%v", r), "Job panicked")
		}
		metrics.PoolJobsExecuted.Inc()
	}()
	logger.V(logging.TRACE).Info("Executing job")
	job()
}

// Shutdown stops accepting jobs, lets the workers finish everything already queued,
// and waits for them to exit. If ctx ends first it returns ctx.Err(); the workers keep
// draining in the background.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.close()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.V(logging.DEFAULT).Info("Worker pool drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workerpool: waiting for workers: %w", ctx.Err())
	}
}

// Stop discards queued jobs, stops accepting new ones, and returns how many were
// discarded. Jobs already running finish; Stop does not wait for them.
func (p *Pool) Stop() int {
	p.mu.Lock()
	dropped := len(p.queue)
	clear(p.queue)
	p.queue = nil
	metrics.PoolQueueDepth.Sub(float64(dropped))
	p.mu.Unlock()

	p.close()
	if dropped > 0 {
		p.logger.Info("Discarded queued jobs", "count", dropped)
	}
	return dropped
}

func (p *Pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.notEmpty.Broadcast()
	p.notFull.Broadcast()
}

// Len returns the number of queued jobs not yet picked up by a worker.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Workers returns the number of workers actually started.
func (p *Pool) Workers() int {
	return p.workers
}
