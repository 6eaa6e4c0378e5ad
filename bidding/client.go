// Package bidding fans one product query out to every vendor and gathers the bids.
//
// Each vendor call runs in its own goroutine and writes its outcome into a slot owned
// by that call alone (slots[i] for vendor i). The goroutine then sends its index i on a
// buffered channel; the gatherer reads slots[i] only after receiving i, so no two calls
// ever share a result, and a result is never read while it is being written.
//
//	        ┌─► vendor 0 ─► slots[0] ─┐
//	query ──┼─► vendor 1 ─► slots[1] ─┼─► done <- i ─► gather (arrival order)
//	        └─► vendor 2 ─► slots[2] ─┘
package bidding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/multierr"

	"price-store/api"
	"price-store/client"
	"price-store/codec"
	"price-store/logging"
	"price-store/metrics"
	"price-store/registry"
	"price-store/transport"
)

// ErrNotAnswered marks vendors still outstanding when a gather gave up.
var ErrNotAnswered = errors.New("bidding: vendor did not answer in time")

// Config tunes a Client.
type Config struct {
	// Timeout bounds one gather. Vendors that have not answered by then count as
	// failed and the bids collected so far are returned. Zero waits for every vendor.
	Timeout   time.Duration
	Codec     codec.CodecType
	Heartbeat time.Duration
	Logger    logr.Logger
}

// Outcome is the result of one vendor call.
type Outcome struct {
	Index    int // position in the vendor list
	Vendor   string
	Bid      api.BidReply
	Err      error
	Duration time.Duration
}

// Client issues bid queries to a fixed vendor list. It keeps one multiplexed
// connection per vendor, dialed on first use and replaced when it breaks.
type Client struct {
	vendors *registry.Vendors
	cfg     Config
	logger  logr.Logger
	conns   []vendorConn
}

type vendorConn struct {
	mu sync.Mutex
	c  *client.Client
}

// New creates a client for vendors. The list is read, never modified.
func New(vendors *registry.Vendors, cfg Config) *Client {
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = transport.DefaultHeartbeat
	}
	return &Client{
		vendors: vendors,
		cfg:     cfg,
		logger:  cfg.Logger.WithName("bidding"),
		conns:   make([]vendorConn, vendors.Len()),
	}
}

// GetProductBid returns the bids of every vendor that answered successfully, in
// arrival order. Failed vendors are dropped.
func (c *Client) GetProductBid(ctx context.Context, productName string) []api.ProductInfo {
	bids, _ := c.Gather(ctx, productName)
	return bids
}

// Gather is GetProductBid plus one Outcome per vendor, also in arrival order. Vendors
// still outstanding at the deadline are reported last with ErrNotAnswered.
func (c *Client) Gather(ctx context.Context, productName string) ([]api.ProductInfo, []Outcome) {
	n := c.vendors.Len()
	bids := make([]api.ProductInfo, 0, n)
	if n == 0 {
		return bids, nil
	}

	start := time.Now()
	defer func() { metrics.GatherDuration.Observe(time.Since(start).Seconds()) }()

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	slots := make([]Outcome, n)
	done := make(chan int, n) // buffered: late callers never block after we return
	for i := 0; i < n; i++ {
		go func() {
			slots[i] = c.bid(ctx, i, productName)
			done <- i
		}()
	}

	outcomes := make([]Outcome, 0, n)
	answered := make([]bool, n)
	for received := 0; received < n; received++ {
		select {
		case i := <-done:
			answered[i] = true
			outcomes = append(outcomes, slots[i])
			if slots[i].Err == nil {
				bids = append(bids, slots[i].Bid.Info())
			}
		case <-ctx.Done():
			for i, ok := range answered {
				if ok {
					continue
				}
				addr := c.vendors.At(i).Address
				// The call itself records its outcome once it returns.
				outcomes = append(outcomes, Outcome{Index: i, Vendor: addr, Err: fmt.Errorf("%w: %v", ErrNotAnswered, ctx.Err()), Duration: time.Since(start)})
			}
			c.logger.V(logging.VERBOSE).Info("Gather ended early", "product", productName, "bids", len(bids), "vendors", n, "reason", ctx.Err().Error())
			return bids, outcomes
		}
	}
	c.logger.V(logging.DEBUG).Info("Gather complete", "product", productName, "bids", len(bids), "vendors", n)
	return bids, outcomes
}

// bid performs the call to vendor i. Its result belongs to the caller's slot only.
func (c *Client) bid(ctx context.Context, i int, productName string) Outcome {
	ep := c.vendors.At(i)
	out := Outcome{Index: i, Vendor: ep.Address}
	start := time.Now()

	cl, err := c.conn(ctx, i)
	if err == nil {
		err = cl.Call(ctx, api.MethodGetProductBid, &api.BidQuery{ProductName: productName}, &out.Bid)
	}
	out.Err = err
	out.Duration = time.Since(start)

	switch {
	case err == nil:
		metrics.RecordVendorBid(ep.Address, metrics.OutcomeSuccess)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		metrics.RecordVendorBid(ep.Address, metrics.OutcomeTimeout)
	default:
		metrics.RecordVendorBid(ep.Address, metrics.OutcomeFailure)
		c.logger.V(logging.DEBUG).Info("Vendor call failed", "vendor", ep.Address, "product", productName, "err", err.Error())
	}
	return out
}

// conn returns the cached connection to vendor i, dialing a new one if there is none
// or the previous one broke.
func (c *Client) conn(ctx context.Context, i int) (*client.Client, error) {
	vc := &c.conns[i]
	vc.mu.Lock()
	defer vc.mu.Unlock()

	if vc.c != nil && !vc.c.Broken() {
		return vc.c, nil
	}
	if vc.c != nil {
		vc.c.Close()
		vc.c = nil
	}
	addr := c.vendors.At(i).Address
	cl, err := client.Dial(ctx, addr, client.WithCodec(c.cfg.Codec), client.WithHeartbeat(c.cfg.Heartbeat))
	if err != nil {
		return nil, fmt.Errorf("dialing vendor %s: %w", addr, err)
	}
	vc.c = cl
	return cl, nil
}

// Close closes every vendor connection.
func (c *Client) Close() error {
	var errs error
	for i := range c.conns {
		vc := &c.conns[i]
		vc.mu.Lock()
		if vc.c != nil {
			errs = multierr.Append(errs, vc.c.Close())
			vc.c = nil
		}
		vc.mu.Unlock()
	}
	return errs
}
