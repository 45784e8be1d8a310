package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"post-rpc/registry"
)

const defaultReplicas = 100

// ConsistentHashBalancer maps affinity keys to instances using a hash ring.
// The same key maps to the same instance for as long as the instance set is unchanged,
// and only about 1/N of the keys move when an instance joins or leaves.
//
// Each real instance is placed on the ring as many virtual nodes so that a handful of
// instances still split the key space evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int // Virtual nodes per real instance

	mu        sync.Mutex
	signature string                              // Instance ids the ring was built from
	ring      []uint32                            // Sorted hash values on the ring
	nodes     map[uint32]registry.ServiceInstance // Hash value → instance
}

func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{replicas: defaultReplicas}
}

// Pick hashes key and walks clockwise to the first virtual node. The ring is rebuilt
// whenever the instance set differs from the previous call.
func (b *ConsistentHashBalancer) Pick(instances []registry.ServiceInstance, key string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if sig := signature(instances); sig != b.signature {
		b.build(instances)
		b.signature = sig
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	// Wrap around: past the last node the ring continues at the first.
	if idx == len(b.ring) {
		idx = 0
	}
	inst := b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) build(instances []registry.ServiceInstance) {
	b.ring = make([]uint32, 0, len(instances)*b.replicas)
	b.nodes = make(map[uint32]registry.ServiceInstance, len(instances)*b.replicas)
	for _, inst := range instances {
		for i := 0; i < b.replicas; i++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", nodeKey(inst), i)))
			if _, taken := b.nodes[hash]; taken {
				continue
			}
			b.ring = append(b.ring, hash)
			b.nodes[hash] = inst
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func nodeKey(inst registry.ServiceInstance) string {
	if inst.ID != "" {
		return inst.ID
	}
	return inst.Addr
}

func signature(instances []registry.ServiceInstance) string {
	keys := make([]string, len(instances))
	for i, inst := range instances {
		keys[i] = nodeKey(inst)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (b *ConsistentHashBalancer) Name() string {
	return "consistent_hash"
}
