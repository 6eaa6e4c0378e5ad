// Command store runs the price aggregator.
//
//	store [flags] <vendor-file> <listen-addr> <workers>
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"price-store/bidding"
	"price-store/logging"
	"price-store/metrics"
	"price-store/registry"
	"price-store/store"
	"price-store/workerpool"
)

const discoveryTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

// run parses args, serves until SIGINT or SIGTERM and returns the exit code.
func run(args []string, stderr io.Writer) int {
	opts := store.NewOptions()
	fs := pflag.NewFlagSet("store", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s\n", store.Usage)
		fs.PrintDefaults()
	}
	opts.AddFlags(fs)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}
	if err := opts.Complete(fs.Args()); err != nil {
		fmt.Fprintln(stderr, err)
		fs.Usage()
		return 2
	}

	logger, err := logging.NewLogger(opts.LogDevelopment, opts.LogVerbosity)
	if err != nil {
		fmt.Fprintf(stderr, "creating logger: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, opts, logger); err != nil {
		logger.Error(err, "Store exited with error")
		return 1
	}
	return 0
}

// serve builds the vendor list, pool, bidder and store, in that order, and runs them.
// The vendor list is complete before the store accepts its first call.
func serve(ctx context.Context, opts *store.Options, logger logr.Logger) error {
	vendors := loadVendors(ctx, opts, logger)

	pool, err := workerpool.New(workerpool.Config{
		Workers:  opts.Workers,
		CapToCPU: opts.CapWorkersToCPU,
		Capacity: opts.QueueCapacity,
		Policy:   opts.Policy(),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	bidder := bidding.New(vendors, bidding.Config{
		Timeout: opts.BidTimeout,
		Codec:   opts.CodecType(),
		Logger:  logger,
	})
	defer bidder.Close()

	srv := store.New(store.Config{
		MaxBacklog:   opts.MaxBacklog,
		DrainTimeout: opts.DrainTimeout,
		Logger:       logger,
	}, pool, bidder)
	if err := srv.Listen(opts.ListenAddr); err != nil {
		pool.Stop()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })

	if opts.MetricsAddr != "" {
		metrics.Register()
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		ms := &http.Server{Addr: opts.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.V(logging.DEFAULT).Info("Serving metrics", "addr", opts.MetricsAddr)
			if err := ms.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.DrainTimeout)
			defer cancel()
			return ms.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

// loadVendors reads the vendor file and, if etcd endpoints are configured, appends a
// snapshot of the vendors registered there. Failures degrade to fewer vendors.
func loadVendors(ctx context.Context, opts *store.Options, logger logr.Logger) *registry.Vendors {
	vendors, err := registry.LoadVendorFile(opts.VendorFile)
	if err != nil {
		logger.Error(err, "Cannot read vendor file, continuing without its vendors", "path", opts.VendorFile)
	}

	if len(opts.EtcdEndpoints) > 0 {
		discovered, err := discoverVendors(ctx, opts, logger)
		if err != nil {
			logger.Error(err, "Vendor discovery failed", "endpoints", opts.EtcdEndpoints)
		} else {
			vendors = vendors.Merge(discovered)
		}
	}

	logger.V(logging.DEFAULT).Info("Vendor list loaded", "vendors", vendors.Len())
	for i, ep := range vendors.Endpoints() {
		logger.V(logging.VERBOSE).Info("Vendor", "index", i, "address", ep.Address)
	}
	return vendors
}

func discoverVendors(ctx context.Context, opts *store.Options, logger logr.Logger) (*registry.Vendors, error) {
	reg, err := registry.NewEtcdRegistry(opts.EtcdEndpoints, logger)
	if err != nil {
		return nil, err
	}
	defer reg.Close()

	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()
	return registry.DiscoverVendors(ctx, reg, opts.VendorService)
}
