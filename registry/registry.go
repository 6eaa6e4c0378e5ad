// Package registry holds the vendor addresses a store fans out to, and the service
// discovery backend vendor nodes can announce themselves in.
package registry

import "context"

// ServiceInstance is one announced endpoint of a service.
type ServiceInstance struct {
	Addr    string `json:"addr"`
	Version string `json:"version,omitempty"`
}

// Registry is a service discovery backend.
type Registry interface {
	// Register announces instance under serviceName for ttl seconds, renewed for as
	// long as the registry stays open.
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
}
