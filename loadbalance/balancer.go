// Package loadbalance picks which registered instance a client connects to.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  stateful services that want the same peer for the same key
package loadbalance

import (
	"errors"
	"fmt"

	"post-rpc/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick before opening a connection for a service identity.
type Balancer interface {
	// Pick selects one instance from the available list. key is an affinity hint;
	// strategies that do not use affinity ignore it. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/configuration).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, fmt.Errorf("loadbalance: unknown strategy %q", name)
}

// FilterVersion keeps the instances advertising version. When none does, or version is
// empty, the list is returned unchanged so callers still have somewhere to go.
func FilterVersion(instances []registry.ServiceInstance, version string) []registry.ServiceInstance {
	if version == "" {
		return instances
	}
	matched := make([]registry.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if inst.Version == version {
			matched = append(matched, inst)
		}
	}
	if len(matched) == 0 {
		return instances
	}
	return matched
}
