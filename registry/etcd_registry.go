package registry

// etcd is used as a distributed phonebook for service identities:
//
//	Key:   /post-rpc/{ServiceID}/{InstanceID}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server crashes, the lease expires and the
// entry disappears, so clients never dial ghost instances.

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/post-rpc/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // Thread-safe, shared across goroutines
	logger zerolog.Logger

	mu     sync.Mutex
	leases map[string]registration // Instance id → lease held by this process
}

type registration struct {
	lease clientv3.LeaseID
	stop  context.CancelFunc // Stops the keepalive loop
}

type EtcdOption func(*EtcdRegistry)

// WithEtcdLogger logs skipped entries and watch failures on logger instead of the
// global logger.
func WithEtcdLogger(logger zerolog.Logger) EtcdOption {
	return func(r *EtcdRegistry) { r.logger = logger }
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("registry: connect etcd: %w", err)
	}
	r := &EtcdRegistry{client: c, logger: log.Logger, leases: make(map[string]registration)}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func instanceKey(instance ServiceInstance) string {
	return keyPrefix + instance.ServiceID + "/" + instance.ID
}

func servicePrefix(serviceID string) string {
	return keyPrefix + serviceID + "/"
}

// Register stores instance under a TTL lease and keeps the lease alive until
// Deregister or Close.
//
// Flow:
//  1. Grant a lease with the given TTL
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to renew the lease in the background
func (r *EtcdRegistry) Register(ctx context.Context, instance ServiceInstance, ttl int64) error {
	if err := instance.Validate(); err != nil {
		return err
	}

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	if _, err := r.client.Put(ctx, instanceKey(instance), string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", instanceKey(instance), err)
	}

	// The keepalive outlives ctx, which usually only bounds the registration itself.
	kaCtx, stop := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		stop()
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	go func() {
		// Drain responses so the channel never fills up.
		for range ch {
		}
		r.logger.Debug().Str("service", instance.ServiceID).Str("instance", instance.ID).Msg("lease keepalive stopped")
	}()

	r.mu.Lock()
	if prev, ok := r.leases[instance.ID]; ok {
		prev.stop()
	}
	r.leases[instance.ID] = registration{lease: lease.ID, stop: stop}
	r.mu.Unlock()
	return nil
}

// Deregister removes instance and revokes its lease. Called during graceful shutdown.
func (r *EtcdRegistry) Deregister(ctx context.Context, instance ServiceInstance) error {
	r.mu.Lock()
	reg, ok := r.leases[instance.ID]
	delete(r.leases, instance.ID)
	r.mu.Unlock()

	if _, err := r.client.Delete(ctx, instanceKey(instance)); err != nil {
		return fmt.Errorf("registry: delete %s: %w", instanceKey(instance), err)
	}
	if ok {
		reg.stop()
		if _, err := r.client.Revoke(ctx, reg.lease); err != nil {
			r.logger.Debug().Err(err).Str("instance", instance.ID).Msg("lease revoke failed")
		}
	}
	return nil
}

// Discover returns every instance currently registered for serviceID, ordered by id.
func (r *EtcdRegistry) Discover(ctx context.Context, serviceID string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(ctx, servicePrefix(serviceID), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: get %s: %w", servicePrefix(serviceID), err)
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn().Err(err).Str("key", string(kv.Key)).Msg("skipping malformed registry entry")
			continue
		}
		instances = append(instances, instance)
	}
	sortByID(instances)
	return instances, nil
}

// Watch re-reads the whole instance list on every change under the service prefix
// (new registrations, deregistrations, lease expirations).
func (r *EtcdRegistry) Watch(ctx context.Context, serviceID string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, servicePrefix(serviceID), clientv3.WithPrefix())
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn().Err(err).Str("service", serviceID).Msg("registry watch error")
				continue
			}
			instances, err := r.Discover(ctx, serviceID)
			if err != nil {
				r.logger.Warn().Err(err).Str("service", serviceID).Msg("registry re-read failed")
				continue
			}
			offer(ch, instances)
		}
	}()
	return ch
}

// Close stops every keepalive and closes the etcd client. Leases expire on their own.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for id, reg := range r.leases {
		reg.stop()
		delete(r.leases, id)
	}
	r.mu.Unlock()
	return r.client.Close()
}
