package registry

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-process Registry. Leases are not simulated: an instance stays
// registered until it is deregistered.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]ServiceInstance // serviceID → instance id → instance
	watchers map[string]map[chan []ServiceInstance]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]ServiceInstance),
		watchers: make(map[string]map[chan []ServiceInstance]struct{}),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, instance ServiceInstance, ttl int64) error {
	if err := instance.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.services[instance.ServiceID]
	if !ok {
		set = make(map[string]ServiceInstance)
		r.services[instance.ServiceID] = set
	}
	set[instance.ID] = instance
	r.notifyLocked(instance.ServiceID)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, instance ServiceInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.services[instance.ServiceID]
	if !ok {
		return nil
	}
	if _, ok := set[instance.ID]; !ok {
		return nil
	}
	delete(set, instance.ID)
	if len(set) == 0 {
		delete(r.services, instance.ServiceID)
	}
	r.notifyLocked(instance.ServiceID)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, serviceID string) ([]ServiceInstance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(serviceID), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, serviceID string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	r.mu.Lock()
	set, ok := r.watchers[serviceID]
	if !ok {
		set = make(map[chan []ServiceInstance]struct{})
		r.watchers[serviceID] = set
	}
	set[ch] = struct{}{}
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers[serviceID], ch)
		if len(r.watchers[serviceID]) == 0 {
			delete(r.watchers, serviceID)
		}
		close(ch)
		r.mu.Unlock()
	}()
	return ch
}

func (r *MemoryRegistry) listLocked(serviceID string) []ServiceInstance {
	set := r.services[serviceID]
	list := make([]ServiceInstance, 0, len(set))
	for _, inst := range set {
		list = append(list, inst)
	}
	sortByID(list)
	return list
}

func (r *MemoryRegistry) notifyLocked(serviceID string) {
	watchers := r.watchers[serviceID]
	if len(watchers) == 0 {
		return
	}
	list := r.listLocked(serviceID)
	for ch := range watchers {
		offer(ch, list)
	}
}
