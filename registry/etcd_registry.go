package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-logr/logr"
	clientv3 "go.etcd.io/etcd/client/v3"

	"price-store/logging"
)

// KeyPrefix is the root of every key written by EtcdRegistry.
const KeyPrefix = "/price-store/"

// EtcdRegistry implements Registry on etcd v3, used as a phonebook for vendor nodes:
//
//	Key:   /price-store/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Entries are attached to a TTL lease kept alive by the registering process. If the
// vendor dies the lease expires and the entry disappears.
type EtcdRegistry struct {
	client *clientv3.Client
	logger logr.Logger

	mu     sync.Mutex
	cancel []context.CancelFunc // stops the keepalive loops started by Register
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger logr.Logger) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: logger.WithName("etcd-registry")}, nil
}

func serviceKey(serviceName, addr string) string {
	return KeyPrefix + serviceName + "/" + addr
}

// Register grants a lease of ttl seconds, writes the instance under it and keeps the
// lease alive until Close. The lease id stays local to this call so one registry can
// register several instances.
func (r *EtcdRegistry) Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	if _, err = r.client.Put(ctx, serviceKey(serviceName, instance.Addr), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// The keepalive must outlive ctx, which usually only covers startup.
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return err
	}
	r.mu.Lock()
	r.cancel = append(r.cancel, cancel)
	r.mu.Unlock()

	go func() {
		for range ch {
		}
		r.logger.V(logging.VERBOSE).Info("Lease keepalive stopped", "service", serviceName, "addr", instance.Addr)
	}()
	return nil
}

// Deregister removes an instance immediately instead of waiting for its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, serviceName string, addr string) error {
	_, err := r.client.Delete(ctx, serviceKey(serviceName, addr))
	return err
}

// Discover lists the instances currently registered under serviceName, in key order.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, KeyPrefix+serviceName+"/", clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Info("Skipping malformed registry entry", "key", string(kv.Key))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops lease renewal and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for _, cancel := range r.cancel {
		cancel()
	}
	r.cancel = nil
	r.mu.Unlock()
	return r.client.Close()
}
