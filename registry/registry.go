// Package registry keeps track of which server instances serve which service identity.
//
// Two implementations share the Registry interface: EtcdRegistry for deployments and
// MemoryRegistry for tests and single-process setups.
package registry

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
)

var (
	ErrInvalidInstance = errors.New("registry: instance needs an id, a service id and an address")
	ErrClosed          = errors.New("registry: closed")
)

// ServiceInstance is one server endpoint able to host an engine for ServiceID.
type ServiceInstance struct {
	ID        string `json:"id"`
	ServiceID string `json:"serviceID"`
	Addr      string `json:"addr"`    // WebSocket URL, e.g. ws://10.0.0.5:8080/rpc
	Weight    int    `json:"weight"`  // Weight for load balancing
	Version   string `json:"version"` // Protocol version the instance advertises
}

// NewInstance returns an instance with a fresh random id.
func NewInstance(serviceID, addr string, weight int, version string) ServiceInstance {
	return ServiceInstance{
		ID:        uuid.NewString(),
		ServiceID: serviceID,
		Addr:      addr,
		Weight:    weight,
		Version:   version,
	}
}

func (i ServiceInstance) Validate() error {
	if i.ID == "" || i.ServiceID == "" || i.Addr == "" {
		return ErrInvalidInstance
	}
	return nil
}

type Registry interface {
	// Register publishes instance. ttl is in seconds; implementations without leases
	// ignore it.
	Register(ctx context.Context, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, instance ServiceInstance) error
	Discover(ctx context.Context, serviceID string) ([]ServiceInstance, error)
	// Watch emits the full instance list whenever it changes. The channel is closed
	// when ctx ends. A slow reader only ever sees the latest list.
	Watch(ctx context.Context, serviceID string) <-chan []ServiceInstance
}

// offer replaces whatever stale list is waiting in ch with list.
func offer(ch chan []ServiceInstance, list []ServiceInstance) {
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- list:
	default:
	}
}

func sortByID(list []ServiceInstance) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}
