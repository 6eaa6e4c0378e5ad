package store

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"price-store/codec"
	"price-store/logging"
	"price-store/server"
	"price-store/workerpool"
)

const (
	DefaultQueueCapacity = 1024
	DefaultBidTimeout    = 2 * time.Second
	DefaultDrainTimeout  = 5 * time.Second
	DefaultVendorService = "Vendor"
)

// Usage describes the positional arguments.
const Usage = "store [flags] <vendor-file> <listen-addr> <workers>"

// Options contains the configuration of the store process.
type Options struct {
	//
	// Positional.
	//
	VendorFile string // one vendor host:port per line
	ListenAddr string // host:port the store serves on
	Workers    int    // worker pool size, honored exactly unless CapWorkersToCPU
	//
	// Engine.
	//
	QueueCapacity   int           // pending jobs bound; 0 is unbounded
	QueuePolicy     string        // "block" or "reject" when the queue is full
	CapWorkersToCPU bool          // clamp Workers to runtime.NumCPU()
	BidTimeout      time.Duration // per-gather vendor deadline; 0 waits for all
	DrainTimeout    time.Duration // how long shutdown waits for in-flight calls
	MaxBacklog      int           // parked requests per method while no accept is outstanding
	Codec           string        // codec for outbound vendor calls
	//
	// Discovery.
	//
	EtcdEndpoints []string // optional; vendor addresses are snapshot once at startup
	VendorService string   // service name vendors register under
	//
	// Diagnostics.
	//
	MetricsAddr    string // empty disables the metrics endpoint
	LogVerbosity   int
	LogDevelopment bool

	policy    workerpool.OverflowPolicy
	codecType codec.CodecType
}

// NewOptions returns Options initialized with default values.
func NewOptions() *Options {
	return &Options{
		QueueCapacity: DefaultQueueCapacity,
		QueuePolicy:   workerpool.PolicyBlock.String(),
		BidTimeout:    DefaultBidTimeout,
		DrainTimeout:  DefaultDrainTimeout,
		MaxBacklog:    server.DefaultMaxBacklog,
		Codec:         codec.CodecTypeJSON.String(),
		VendorService: DefaultVendorService,
		LogVerbosity:  logging.DEFAULT,
	}
}

// AddFlags binds the optional settings to fs.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	fs.IntVar(&o.QueueCapacity, "queue-capacity", o.QueueCapacity,
		"Maximum number of jobs waiting for a worker. 0 means unbounded.")
	fs.StringVar(&o.QueuePolicy, "queue-policy", o.QueuePolicy,
		"What to do when the job queue is full: block or reject.")
	fs.BoolVar(&o.CapWorkersToCPU, "cap-workers-to-cpu", o.CapWorkersToCPU,
		"Clamp the worker count to the number of CPUs.")
	fs.DurationVar(&o.BidTimeout, "bid-timeout", o.BidTimeout,
		"How long one query waits for vendor bids. 0 waits for every vendor.")
	fs.DurationVar(&o.DrainTimeout, "drain-timeout", o.DrainTimeout,
		"How long shutdown waits for in-flight requests before abandoning them.")
	fs.IntVar(&o.MaxBacklog, "max-backlog", o.MaxBacklog,
		"Requests parked while the store is between accepts; more are answered with 'server busy'.")
	fs.StringVar(&o.Codec, "codec", o.Codec,
		"Codec for vendor calls: json, binary or msgpack.")
	fs.StringSliceVar(&o.EtcdEndpoints, "etcd-endpoints", o.EtcdEndpoints,
		"etcd endpoints to discover additional vendors from at startup.")
	fs.StringVar(&o.VendorService, "vendor-service", o.VendorService,
		"Service name vendors register under in etcd.")
	fs.StringVar(&o.MetricsAddr, "metrics-addr", o.MetricsAddr,
		"host:port to serve prometheus metrics on. Empty disables it.")
	fs.IntVarP(&o.LogVerbosity, "log-verbosity", "v", o.LogVerbosity,
		"Number for the log level verbosity.")
	fs.BoolVar(&o.LogDevelopment, "log-development", o.LogDevelopment,
		"Use the human-readable development log encoder.")
}

// Complete fills the positional settings from args, which must hold exactly the vendor
// file, the listen address and the worker count, and resolves the parsed flags.
func (o *Options) Complete(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("expected 3 arguments, got %d\nusage: %s", len(args), Usage)
	}
	o.VendorFile, o.ListenAddr = args[0], args[1]

	workers, err := strconv.Atoi(args[2])
	if err != nil {
		return fmt.Errorf("invalid worker count %q: %w", args[2], err)
	}
	o.Workers = workers

	if o.policy, err = workerpool.ParseOverflowPolicy(o.QueuePolicy); err != nil {
		return err
	}
	if o.codecType, err = codec.ParseCodecType(o.Codec); err != nil {
		return err
	}
	return o.Validate()
}

// Validate checks the Options for invalid values.
func (o *Options) Validate() error {
	if o.Workers < 1 {
		return fmt.Errorf("invalid worker count %d: must be at least 1", o.Workers)
	}
	for _, c := range []struct {
		name  string
		value int
	}{
		{"queue-capacity", o.QueueCapacity},
		{"max-backlog", o.MaxBacklog},
	} {
		if c.value < 0 {
			return fmt.Errorf("invalid value %d for flag %q: must be >= 0", c.value, c.name)
		}
	}
	if o.BidTimeout < 0 || o.DrainTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if o.LogVerbosity < 0 {
		return fmt.Errorf("invalid value %d for flag %q: must be >= 0", o.LogVerbosity, "log-verbosity")
	}
	return nil
}

// Policy returns the parsed queue policy. Valid after Complete.
func (o *Options) Policy() workerpool.OverflowPolicy {
	return o.policy
}

// CodecType returns the parsed vendor codec. Valid after Complete.
func (o *Options) CodecType() codec.CodecType {
	return o.codecType
}
