// Package vendornode implements the vendor side of Vendor.GetProductBid: a fixed price
// catalog answering bid queries.
package vendornode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"price-store/api"
	"price-store/logging"
)

// ErrNoBid is returned for products the vendor does not carry.
var ErrNoBid = errors.New("no bid")

// Config describes a vendor's catalog.
type Config struct {
	// ID is reported as vendor_id in every bid.
	ID string
	// Prices maps product names to this vendor's price.
	Prices map[string]float64
	// DefaultPrice, if set, is bid for products missing from Prices.
	DefaultPrice *float64
	// Latency delays every answer, to stand in for a slow vendor.
	Latency time.Duration
	Logger  logr.Logger
}

// Vendor is registered with a server.Server; its exported method has the
// (ctx, *Args, *Reply) error shape the server dispatches to. The type name is the
// service name in api.MethodGetProductBid.
type Vendor struct {
	cfg    Config
	logger logr.Logger
}

// New returns a vendor serving cfg. Prices is copied.
func New(cfg Config) *Vendor {
	prices := make(map[string]float64, len(cfg.Prices))
	for k, v := range cfg.Prices {
		prices[k] = v
	}
	cfg.Prices = prices
	return &Vendor{cfg: cfg, logger: cfg.Logger.WithName("vendor").WithValues("vendorID", cfg.ID)}
}

// GetProductBid answers a bid query.
func (v *Vendor) GetProductBid(ctx context.Context, query *api.BidQuery, reply *api.BidReply) error {
	if v.cfg.Latency > 0 {
		select {
		case <-time.After(v.cfg.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	price, ok := v.cfg.Prices[query.ProductName]
	if !ok {
		if v.cfg.DefaultPrice == nil {
			v.logger.V(logging.DEBUG).Info("No bid", "product", query.ProductName)
			return fmt.Errorf("%w for %q", ErrNoBid, query.ProductName)
		}
		price = *v.cfg.DefaultPrice
	}

	reply.Price = price
	reply.VendorID = v.cfg.ID
	v.logger.V(logging.DEBUG).Info("Bid", "product", query.ProductName, "price", price)
	return nil
}
