package transport

import (
	"math/rand"
	"sync"
)

// PipeOption configures both ends of a Pipe.
type PipeOption func(*pipeConfig)

type pipeConfig struct {
	rng *rand.Rand
}

// WithShuffle makes each end deliver every batch of queued messages in random order,
// which is what an unordered transport is allowed to do.
func WithShuffle(seed int64) PipeOption {
	return func(c *pipeConfig) {
		c.rng = rand.New(rand.NewSource(seed))
	}
}

// Endpoint is one side of an in-process Pipe. Posts are queued on the peer and
// delivered asynchronously by the peer's single delivery goroutine.
type Endpoint struct {
	origin string
	peer   *Endpoint
	subs   subscribers

	mu     sync.Mutex
	queue  []Message
	rng    *rand.Rand
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// Pipe connects two endpoints identified by their origins.
func Pipe(originA, originB string, opts ...PipeOption) (*Endpoint, *Endpoint) {
	cfg := &pipeConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	a := newEndpoint(originA, cfg)
	b := newEndpoint(originB, cfg)
	a.peer, b.peer = b, a
	go a.deliverLoop()
	go b.deliverLoop()
	return a, b
}

func newEndpoint(origin string, cfg *pipeConfig) *Endpoint {
	var rng *rand.Rand
	if cfg.rng != nil {
		rng = rand.New(rand.NewSource(cfg.rng.Int63()))
	}
	return &Endpoint{
		origin: origin,
		rng:    rng,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (e *Endpoint) Origin() string { return e.origin }

// Post queues payload on the peer. A targetOrigin that does not match the peer drops
// the message silently, the way postMessage does.
func (e *Endpoint) Post(payload string, targetOrigin string) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	if !originMatches(targetOrigin, e.peer.origin) {
		return nil
	}
	e.peer.enqueue(Message{Data: payload, Origin: e.origin})
	return nil
}

func (e *Endpoint) Subscribe(fn func(Message)) func() {
	return e.subs.add(fn)
}

// Close stops delivery on this end. Messages still queued are discarded.
func (e *Endpoint) Close() error {
	e.once.Do(func() { close(e.closed) })
	return nil
}

func (e *Endpoint) enqueue(msg Message) {
	e.mu.Lock()
	e.queue = append(e.queue, msg)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Endpoint) deliverLoop() {
	for {
		select {
		case <-e.closed:
			return
		case <-e.wake:
		}

		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		e.mu.Unlock()

		if e.rng != nil {
			e.rng.Shuffle(len(batch), func(i, j int) { batch[i], batch[j] = batch[j], batch[i] })
		}
		for _, msg := range batch {
			select {
			case <-e.closed:
				return
			default:
			}
			e.subs.deliver(msg)
		}
	}
}
