// Package engine implements the request/response protocol on top of an unordered,
// fire-and-forget transport.
//
// An Engine is bound to one transport and one service identity. It
//   - performs a handshake with its peer and exposes a ready signal,
//   - stamps every outbound packet with a monotonic counter,
//   - restores the peer's counter order with a reorder buffer,
//   - correlates replies with outstanding calls through a ledger,
//   - routes inbound calls to exposed handlers and answers exactly once.
//
// Packet flow:
//
//	transport ─► decode ─► admit (service, origin) ─► handshake side effects
//	          ─► reorder buffer ─► method: handler ─► reply
//	                             └► reply:  ledger[id] ─► Future
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"post-rpc/codec"
	"post-rpc/events"
	"post-rpc/message"
	"post-rpc/middleware"
	"post-rpc/protocol"
	"post-rpc/reorder"
	"post-rpc/transport"
)

var (
	ErrDestroyed   = errors.New("engine: destroyed")
	ErrNoServiceID = errors.New("engine: service id is required")
	ErrNoTransport = errors.New("engine: transport is required")
	ErrEmptyMethod = errors.New("engine: method name is required")
	ErrNilHandler  = errors.New("engine: handler is nil")
	ErrHandshake   = errors.New("engine: handshake call failed")
)

// Engine is safe for concurrent use.
type Engine struct {
	serviceID     string
	poster        transport.Poster
	receiver      transport.Subscriber
	codec         codec.Codec
	version       string
	allowedOrigin string // "" or "*" accepts any origin
	targetOrigin  string
	logger        zerolog.Logger
	bus           *events.Bus
	middlewares   []middleware.Middleware

	mu            sync.Mutex
	counter       int64             // Next outbound counter value
	ledger        map[int64]*Future // Outstanding call id → pending completion
	buffer        *reorder.Buffer
	handlers      map[string]middleware.HandlerFunc
	remoteVersion string
	destroyed     bool

	ready     chan struct{}
	readyOnce sync.Once

	ctx         context.Context // Cancelled on Destroy; handed to handlers
	cancel      context.CancelFunc
	unsubscribe func()
	destroyOnce sync.Once
}

// New binds an engine to t under serviceID and immediately starts the handshake.
func New(t transport.Transport, serviceID string, opts ...Option) (*Engine, error) {
	if t == nil {
		return nil, ErrNoTransport
	}
	if serviceID == "" {
		return nil, ErrNoServiceID
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		serviceID:    serviceID,
		poster:       t,
		receiver:     t,
		codec:        &codec.JSONCodec{},
		version:      protocol.DefaultVersion,
		targetOrigin: protocol.AnyOrigin,
		logger:       log.Logger,
		ledger:       make(map[int64]*Future),
		buffer:       reorder.New(),
		handlers:     make(map[string]middleware.HandlerFunc),
		ready:        make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With().Str("service", serviceID).Logger()
	if len(e.middlewares) > 0 {
		chain := middleware.Chain(e.middlewares...)
		for method, h := range e.handlers {
			e.handlers[method] = chain(h)
		}
	}

	// Subscribe before the handshake call goes out so its reply can not be missed.
	e.handlers[protocol.ReadyMethod] = e.handleReady
	e.unsubscribe = e.receiver.Subscribe(e.receive)

	if err := e.startHandshake(); err != nil {
		e.Destroy()
		return nil, errors.Join(ErrHandshake, err)
	}
	return e, nil
}

func (e *Engine) ServiceID() string { return e.serviceID }

// Version is the protocol version this engine advertises.
func (e *Engine) Version() string { return e.version }

// RemoteVersion returns the peer's advertised version once a handshake carried one.
func (e *Engine) RemoteVersion() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteVersion, e.remoteVersion != ""
}

// Pending returns the number of calls still waiting for a reply.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.ledger)
}

// Buffered returns the number of inbound packets held back by the reorder buffer.
func (e *Engine) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffer.Pending()
}

// Expose registers handler for method, replacing any earlier registration. The engine's
// middlewares wrap it.
func (e *Engine) Expose(method string, handler middleware.HandlerFunc) error {
	if method == "" {
		return ErrEmptyMethod
	}
	if handler == nil {
		return ErrNilHandler
	}
	handler = middleware.Chain(e.middlewares...)(handler)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return ErrDestroyed
	}
	e.handlers[method] = handler
	return nil
}

// Destroy unsubscribes from the transport. Outstanding calls are abandoned: their
// futures never settle. In-flight handlers see their context cancelled and send nothing.
func (e *Engine) Destroy() {
	e.destroyOnce.Do(func() {
		if e.unsubscribe != nil {
			e.unsubscribe()
		}

		e.mu.Lock()
		e.destroyed = true
		abandoned := len(e.ledger)
		e.ledger = make(map[int64]*Future)
		e.mu.Unlock()

		e.cancel()
		e.logger.Debug().Int("abandoned", abandoned).Msg("engine destroyed")
		e.publish(events.TopicDestroyed, nil, "")
	})
}

func (e *Engine) publish(topic events.Topic, p *message.Packet, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{Topic: topic, ServiceID: e.serviceID, Packet: p, Reason: reason})
}
