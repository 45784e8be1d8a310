// Package reorder restores the sender's counter order on top of a transport that
// delivers packets in arbitrary order.
//
//	arrival:  4 2 1 3
//	Append(4) → []            pending: [4]
//	Append(2) → []            pending: [2 4]
//	Append(1) → [1 2]         pending: [4]
//	Append(3) → [3 4]         pending: []
//
// A gap in the sender's counters stalls every later packet until the gap is filled
// or Reset starts a new epoch. Nothing is ever evicted.
package reorder

import "post-rpc/message"

// Buffer is not safe for concurrent use; the engine guards it with its own lock.
type Buffer struct {
	lastSequential int64             // Highest counter released in order
	pending        []*message.Packet // Sorted by counter ascending
}

func New() *Buffer {
	return &Buffer{lastSequential: -1}
}

// Append accepts one packet and returns every packet that is now safe to deliver,
// in counter order. The result may be empty.
func (b *Buffer) Append(p *message.Packet) []*message.Packet {
	if p.Counter > b.lastSequential+1 {
		b.insert(p)
		return nil
	}

	out := []*message.Packet{p}
	b.lastSequential = p.Counter
	for len(b.pending) > 0 && b.pending[0].Counter == b.lastSequential+1 {
		next := b.pending[0]
		b.pending[0] = nil
		b.pending = b.pending[1:]
		out = append(out, next)
		b.lastSequential = next.Counter
	}
	return out
}

// insert keeps pending sorted with a linear scan; the queue only ever holds a short
// burst of reordered packets.
func (b *Buffer) insert(p *message.Packet) {
	i := len(b.pending)
	for i > 0 && b.pending[i-1].Counter > p.Counter {
		i--
	}
	b.pending = append(b.pending, nil)
	copy(b.pending[i+1:], b.pending[i:])
	b.pending[i] = p
}

// Reset starts a new epoch at counter and drops everything buffered from the old one.
func (b *Buffer) Reset(counter int64) {
	b.lastSequential = counter
	b.pending = nil
}

// LastSequential returns the highest counter released in order, -1 before the first.
func (b *Buffer) LastSequential() int64 {
	return b.lastSequential
}

// Pending returns how many packets are waiting for a gap to close.
func (b *Buffer) Pending() int {
	return len(b.pending)
}
