package registry

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
)

// VendorEndpoint is the network address of one vendor node.
type VendorEndpoint struct {
	Address string
}

// Vendors is the immutable, ordered list of vendor endpoints the store fans out to.
// It is built once at startup and only read afterwards, so it needs no locking.
// Order is enumeration order only; bids come back in arrival order.
type Vendors struct {
	endpoints []VendorEndpoint
}

// NewVendors builds a list from addresses, in the given order.
func NewVendors(addrs ...string) *Vendors {
	v := &Vendors{endpoints: make([]VendorEndpoint, 0, len(addrs))}
	for _, a := range addrs {
		v.endpoints = append(v.endpoints, VendorEndpoint{Address: a})
	}
	return v
}

// LoadVendorFile reads one host:port per line. Blank lines and lines starting with
// '#' are skipped. On error it returns an empty list together with the error, so the
// caller can degrade to serving empty bid lists instead of refusing to start.
func LoadVendorFile(path string) (*Vendors, error) {
	f, err := os.Open(path)
	if err != nil {
		return NewVendors(), err
	}
	defer f.Close()

	var addrs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addrs = append(addrs, line)
	}
	if err := scanner.Err(); err != nil {
		return NewVendors(), fmt.Errorf("reading %s: %w", path, err)
	}
	return NewVendors(addrs...), nil
}

// DiscoverVendors snapshots the instances registered under serviceName. The snapshot
// is not refreshed.
func DiscoverVendors(ctx context.Context, reg Registry, serviceName string) (*Vendors, error) {
	instances, err := reg.Discover(ctx, serviceName)
	if err != nil {
		return NewVendors(), err
	}
	addrs := make([]string, 0, len(instances))
	for _, inst := range instances {
		addrs = append(addrs, inst.Addr)
	}
	return NewVendors(addrs...), nil
}

// Merge returns a new list with v's endpoints followed by those of other that v does
// not already contain.
func (v *Vendors) Merge(other *Vendors) *Vendors {
	seen := make(map[string]bool, v.Len()+other.Len())
	merged := &Vendors{endpoints: make([]VendorEndpoint, 0, v.Len()+other.Len())}
	for _, list := range []*Vendors{v, other} {
		for _, ep := range list.endpoints {
			if seen[ep.Address] {
				continue
			}
			seen[ep.Address] = true
			merged.endpoints = append(merged.endpoints, ep)
		}
	}
	return merged
}

// Len is the fan-out degree.
func (v *Vendors) Len() int {
	return len(v.endpoints)
}

// At returns the i-th endpoint.
func (v *Vendors) At(i int) VendorEndpoint {
	return v.endpoints[i]
}

// Endpoints returns a copy of the list.
func (v *Vendors) Endpoints() []VendorEndpoint {
	return append([]VendorEndpoint(nil), v.endpoints...)
}
