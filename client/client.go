// Package client calls services by identity: it discovers instances in the registry,
// picks one with a load balancer and keeps one ready engine per service on a pooled
// WebSocket connection.
//
//	Call("Arith.Add") → session("Arith")?
//	  miss → Discover → FilterVersion → Pick → Pool.Get → engine.New → WaitReady
//	  hit  → engine.Invoke("Add")
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"post-rpc/engine"
	"post-rpc/events"
	"post-rpc/loadbalance"
	"post-rpc/protocol"
	"post-rpc/registry"
	"post-rpc/transport"
)

var (
	ErrClosed        = errors.New("client: closed")
	ErrServiceMethod = errors.New("client: service method must look like \"Service.Method\"")

	// ErrConnectionLost wraps transport.ErrClosed.
	ErrConnectionLost = fmt.Errorf("client: connection lost before reply: %w", transport.ErrClosed)
)

type Client struct {
	registry     registry.Registry // Where service instances are found
	balancer     loadbalance.Balancer
	pool         *transport.Pool // Connections shared by every session to the same address
	logger       zerolog.Logger
	bus          *events.Bus
	version      string
	affinityKey  string
	readyTimeout time.Duration
	engineOpts   []engine.Option

	ctx    context.Context // Cancelled by Close; stops registry watches
	cancel context.CancelFunc

	opening singleflight.Group // One open per service id at a time

	mu       sync.Mutex
	sessions map[string]*session // Service id → live engine
	watching map[string]bool
	closed   bool
}

// session is one engine bound to the instance it was opened against.
type session struct {
	engine   *engine.Engine
	ws       *transport.WebSocket
	instance registry.ServiceInstance
}

func (s *session) alive() bool {
	select {
	case <-s.ws.Done():
		return false
	default:
		return true
	}
}

type Option func(*Client)

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithEvents publishes every engine's notifications on bus.
func WithEvents(bus *events.Bus) Option {
	return func(c *Client) { c.bus = bus }
}

// WithVersion sets the protocol version engines advertise. Instances registered with the
// same version are preferred.
func WithVersion(version string) Option {
	return func(c *Client) {
		if version != "" {
			c.version = version
		}
	}
}

// WithAffinityKey is handed to the balancer on every pick. With the consistent hash
// balancer, clients sharing a key land on the same instance.
func WithAffinityKey(key string) Option {
	return func(c *Client) { c.affinityKey = key }
}

// WithReadyTimeout bounds the handshake when a session is opened. Default 5s.
func WithReadyTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.readyTimeout = d
		}
	}
}

// WithPool replaces the default connection pool.
func WithPool(pool *transport.Pool) Option {
	return func(c *Client) {
		if pool != nil {
			c.pool = pool
		}
	}
}

// WithEngineOptions appends options applied to every engine the client creates.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(c *Client) { c.engineOpts = append(c.engineOpts, opts...) }
}

// NewClient creates a client on reg. A nil balancer means round robin.
func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	if bal == nil {
		bal = &loadbalance.RoundRobinBalancer{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		registry:     reg,
		balancer:     bal,
		logger:       log.Logger,
		version:      protocol.DefaultVersion,
		readyTimeout: 5 * time.Second,
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[string]*session),
		watching:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pool == nil {
		c.pool = transport.NewPool(nil)
	}
	return c
}

// Connect returns a ready engine for serviceID, opening a session if there is none or
// the previous one lost its connection. Concurrent callers share one open: two engines
// with the same service id on one connection would reset each other's epochs.
func (c *Client) Connect(ctx context.Context, serviceID string) (*engine.Engine, error) {
	s, err := c.connect(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	return s.engine, nil
}

func (c *Client) connect(ctx context.Context, serviceID string) (*session, error) {
	if s, ok, err := c.session(serviceID); ok {
		return s, err
	}
	v, err, _ := c.opening.Do(serviceID, func() (any, error) {
		return c.openSession(ctx, serviceID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*session), nil
}

// session returns the live session of serviceID. ok is false when one must be opened.
func (c *Client) session(serviceID string) (*session, bool, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, true, ErrClosed
	}
	s, ok := c.sessions[serviceID]
	if !ok {
		c.mu.Unlock()
		return nil, false, nil
	}
	if s.alive() {
		c.mu.Unlock()
		return s, true, nil
	}
	delete(c.sessions, serviceID)
	c.mu.Unlock()
	c.release(s)
	return nil, false, nil
}

func (c *Client) openSession(ctx context.Context, serviceID string) (*session, error) {
	// A caller that waited on the previous open finds its session here.
	if s, ok, err := c.session(serviceID); ok {
		return s, err
	}
	s, err := c.open(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.release(s)
		return nil, ErrClosed
	}
	c.sessions[serviceID] = s
	startWatch := !c.watching[serviceID]
	c.watching[serviceID] = true
	c.mu.Unlock()

	if startWatch {
		go c.watch(serviceID, c.registry.Watch(c.ctx, serviceID))
	}
	return s, nil
}

func (c *Client) open(ctx context.Context, serviceID string) (*session, error) {
	if c.registry == nil {
		return nil, fmt.Errorf("client: no registry to discover %s", serviceID)
	}
	instances, err := c.registry.Discover(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	instances = loadbalance.FilterVersion(instances, c.version)
	instance, err := c.balancer.Pick(instances, c.affinityKey)
	if err != nil {
		return nil, fmt.Errorf("client: %s: %w", serviceID, err)
	}

	ws, err := c.pool.Get(ctx, instance.Addr)
	if err != nil {
		return nil, err
	}
	s, err := c.attach(ctx, ws, *instance)
	if err != nil {
		c.pool.Put(instance.Addr, ws)
		return nil, err
	}
	c.logger.Debug().Str("service", serviceID).Str("instance", instance.ID).Str("addr", instance.Addr).
		Str("balancer", c.balancer.Name()).Msg("session open")
	return s, nil
}

func (c *Client) attach(ctx context.Context, ws *transport.WebSocket, instance registry.ServiceInstance) (*session, error) {
	opts := []engine.Option{
		engine.WithLogger(c.logger),
		engine.WithVersion(c.version),
	}
	if c.bus != nil {
		opts = append(opts, engine.WithEvents(c.bus))
	}
	opts = append(opts, c.engineOpts...)

	e, err := engine.New(ws, instance.ServiceID, opts...)
	if err != nil {
		return nil, err
	}

	readyCtx, cancel := context.WithTimeout(ctx, c.readyTimeout)
	defer cancel()
	select {
	case <-e.Ready():
	case <-ws.Done():
		e.Destroy()
		return nil, fmt.Errorf("client: %s: connection closed before handshake", instance.ServiceID)
	case <-readyCtx.Done():
		e.Destroy()
		return nil, fmt.Errorf("client: %s: handshake: %w", instance.ServiceID, readyCtx.Err())
	}
	return &session{engine: e, ws: ws, instance: instance}, nil
}

// release destroys the session's engine and gives its connection back to the pool.
func (c *Client) release(s *session) {
	s.engine.Destroy()
	c.pool.Put(s.instance.Addr, s.ws)
}

// watch drops a session as soon as its instance leaves the registry, so the next call
// picks a live instance.
func (c *Client) watch(serviceID string, updates <-chan []registry.ServiceInstance) {
	for instances := range updates {
		c.mu.Lock()
		s, ok := c.sessions[serviceID]
		gone := ok && !containsInstance(instances, s.instance.ID)
		if gone {
			delete(c.sessions, serviceID)
		}
		c.mu.Unlock()
		if gone {
			c.logger.Debug().Str("service", serviceID).Str("instance", s.instance.ID).Msg("instance left registry, session dropped")
			c.release(s)
		}
	}
}

func containsInstance(instances []registry.ServiceInstance, id string) bool {
	for _, inst := range instances {
		if inst.ID == id {
			return true
		}
	}
	return false
}

func splitServiceMethod(serviceMethod string) (string, string, error) {
	service, method, ok := strings.Cut(serviceMethod, ".")
	if !ok || service == "" || method == "" {
		return "", "", fmt.Errorf("%w: %q", ErrServiceMethod, serviceMethod)
	}
	return service, method, nil
}

// Call invokes "Service.Method" and decodes the result into reply. ctx bounds both
// connecting and waiting for the reply. A call whose connection dies before the reply
// arrives fails with ErrConnectionLost, and the session is dropped.
func (c *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	service, method, err := splitServiceMethod(serviceMethod)
	if err != nil {
		return err
	}
	s, err := c.connect(ctx, service)
	if err != nil {
		return err
	}
	f, err := s.engine.Call(method, args)
	if err != nil {
		if errors.Is(err, engine.ErrDestroyed) || errors.Is(err, transport.ErrClosed) {
			c.forget(service, s.engine)
		}
		return err
	}

	select {
	case <-f.Done():
	case <-s.ws.Done():
		// The read loop delivers every frame before it stops, so a reply that made it
		// has already settled the future.
		select {
		case <-f.Done():
		default:
			c.forget(service, s.engine)
			return fmt.Errorf("%w: %s", ErrConnectionLost, serviceMethod)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return f.Decode(context.Background(), reply)
}

// Notify sends "Service.Method" without waiting for, or receiving, a reply.
func (c *Client) Notify(ctx context.Context, serviceMethod string, args any) error {
	service, method, err := splitServiceMethod(serviceMethod)
	if err != nil {
		return err
	}
	s, err := c.connect(ctx, service)
	if err != nil {
		return err
	}
	err = s.engine.Notify(method, args)
	if err != nil {
		c.forget(service, s.engine)
	}
	return err
}

// forget drops the session of serviceID if it still uses e.
func (c *Client) forget(serviceID string, e *engine.Engine) {
	c.mu.Lock()
	s, ok := c.sessions[serviceID]
	if !ok || s.engine != e {
		c.mu.Unlock()
		return
	}
	delete(c.sessions, serviceID)
	c.mu.Unlock()
	c.release(s)
}

// Sessions returns the number of open sessions.
func (c *Client) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Close destroys every session and closes the pooled connections.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := c.sessions
	c.sessions = make(map[string]*session)
	c.mu.Unlock()

	c.cancel()
	for _, s := range sessions {
		c.release(s)
	}
	return c.pool.Close()
}
