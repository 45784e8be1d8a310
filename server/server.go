// Package server hosts engines behind a WebSocket endpoint.
//
// Every accepted connection carries one engine per registered service identity, all
// sharing the connection:
//
//	HTTP upgrade → WebSocket transport
//	  → engine("Arith") ─┐
//	  → engine("Echo")  ─┼─ share one read loop, scoped by serviceID
//	  → ...             ─┘
//	connection closed → every engine on it is destroyed
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"post-rpc/engine"
	"post-rpc/events"
	"post-rpc/middleware"
	"post-rpc/protocol"
	"post-rpc/registry"
	"post-rpc/transport"
)

var (
	ErrServerClosed = errors.New("server: closed")
	ErrDuplicate    = errors.New("server: service already registered")
)

// Server registers services and answers calls to them on every connection.
type Server struct {
	mu          sync.Mutex
	serviceMap  map[string]*service     // Registered services: "Arith" → *service
	middlewares []middleware.Middleware // Applied in order, outermost first
	conns       map[*transport.WebSocket]struct{}

	upgrader   websocket.Upgrader
	logger     zerolog.Logger
	bus        *events.Bus
	version    string
	engineOpts []engine.Option
	weight     int
	ttl        int64

	extra      map[string]http.Handler // Mounted next to the RPC endpoint by Serve
	httpServer *http.Server
	wg         sync.WaitGroup // Tracks open connections for graceful shutdown
	shutdown   atomic.Bool    // Set during shutdown so the closed listener is not an error
	registry   registry.Registry
	instances  []registry.ServiceInstance // What this server registered
}

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithEvents publishes every engine's notifications on bus.
func WithEvents(bus *events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithVersion sets the protocol version the engines advertise and the server registers.
func WithVersion(version string) Option {
	return func(s *Server) {
		if version != "" {
			s.version = version
		}
	}
}

// WithCheckOrigin decides which browser origins may open a connection. The default
// accepts every origin; engines may still restrict origins with engine.WithAllowedOrigin.
func WithCheckOrigin(check func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = check }
}

// WithEngineOptions appends options applied to every engine the server creates.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(s *Server) { s.engineOpts = append(s.engineOpts, opts...) }
}

// WithRegistration sets the load balancing weight and lease TTL (seconds) used when
// the server registers its services.
func WithRegistration(weight int, ttl int64) Option {
	return func(s *Server) {
		if weight > 0 {
			s.weight = weight
		}
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func NewServer(opts ...Option) *Server {
	s := &Server{
		serviceMap: make(map[string]*service),
		conns:      make(map[*transport.WebSocket]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger:  log.Logger,
		version: protocol.DefaultVersion,
		weight:  1,
		ttl:     10,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register exposes the methods of rcvr (e.g. &Arith{}) under its type name.
// Connections accepted afterwards see the new service.
func (s *Server) Register(rcvr any) error {
	return s.RegisterName("", rcvr)
}

// RegisterName is Register with an explicit service identity.
func (s *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.serviceMap[svc.name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, svc.name)
	}
	s.serviceMap[svc.name] = svc
	return nil
}

// Expose adds a single handler under serviceID, creating the service if needed.
// A later Expose for the same method replaces the earlier one.
func (s *Server) Expose(serviceID, method string, fn middleware.HandlerFunc) error {
	if serviceID == "" || method == "" || method == protocol.ReadyMethod {
		return fmt.Errorf("server: invalid service %q or method %q", serviceID, method)
	}
	if fn == nil {
		return engine.ErrNilHandler
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.serviceMap[serviceID]
	if !ok {
		svc = newFuncService(serviceID)
		s.serviceMap[serviceID] = svc
	}
	svc.handlers[method] = fn
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added:
// Use(A); Use(B) runs A.before → B.before → handler → B.after → A.after.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mw)
}

// Handle mounts h at pattern next to the RPC endpoint when the server runs through
// Serve. Everything else on the listener is the RPC endpoint.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.extra == nil {
		s.extra = make(map[string]http.Handler)
	}
	s.extra[pattern] = h
}

// Services returns the registered service identities, sorted.
func (s *Server) Services() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.serviceMap))
	for name := range s.serviceMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Methods returns the methods exposed under serviceID, sorted.
func (s *Server) Methods(serviceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.serviceMap[serviceID]
	if !ok {
		return nil
	}
	return svc.methods()
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeHTTP upgrades the request to a WebSocket and serves every registered service on
// it until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, ErrServerClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	ws, err := transport.Upgrade(&s.upgrader, w, r)
	if err != nil {
		// The upgrader already wrote an HTTP error.
		s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	s.mu.Lock()
	s.conns[ws] = struct{}{}
	s.mu.Unlock()

	logger := s.logger.With().Str("remote", r.RemoteAddr).Str("origin", ws.PeerOrigin()).Logger()
	engines := s.attach(ws, logger)
	if len(engines) == 0 {
		logger.Debug().Msg("no services, closing connection")
		ws.Close()
	}
	logger.Debug().Int("engines", len(engines)).Msg("connection open")

	<-ws.Done()

	for _, e := range engines {
		e.Destroy()
	}
	s.mu.Lock()
	delete(s.conns, ws)
	s.mu.Unlock()
	logger.Debug().Err(ws.Err()).Msg("connection closed")
}

// attach creates one engine per service on ws. Handlers are installed before the
// handshake goes out.
func (s *Server) attach(ws *transport.WebSocket, logger zerolog.Logger) []*engine.Engine {
	s.mu.Lock()
	services := make([]*service, 0, len(s.serviceMap))
	for _, svc := range s.serviceMap {
		services = append(services, svc)
	}
	mws := append([]middleware.Middleware(nil), s.middlewares...)
	type exposed struct {
		method  string
		handler middleware.HandlerFunc
	}
	handlers := make(map[string][]exposed, len(services))
	for _, svc := range services {
		for method, h := range svc.handlers {
			handlers[svc.name] = append(handlers[svc.name], exposed{method, h})
		}
	}
	s.mu.Unlock()

	engines := make([]*engine.Engine, 0, len(services))
	for _, svc := range services {
		opts := []engine.Option{
			engine.WithLogger(logger),
			engine.WithVersion(s.version),
			engine.WithMiddleware(mws...),
		}
		if s.bus != nil {
			opts = append(opts, engine.WithEvents(s.bus))
		}
		opts = append(opts, s.engineOpts...)
		for _, h := range handlers[svc.name] {
			opts = append(opts, engine.WithHandler(h.method, h.handler))
		}

		e, err := engine.New(ws, svc.name, opts...)
		if err != nil {
			logger.Warn().Err(err).Str("service", svc.name).Msg("engine not started")
			continue
		}
		engines = append(engines, e)
	}
	return engines
}

// Serve listens on address and serves until Shutdown.
//
// Parameters:
//   - advertiseAddr: the WebSocket URL registered for clients (e.g. "ws://10.0.0.5:8080/").
//     It differs from the listen address because ":8080" is not routable. When empty,
//     the listener's own address is used.
//   - reg: the registry implementation. Pass nil to skip service discovery.
func (s *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return s.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	if advertiseAddr == "" {
		advertiseAddr = "ws://" + listener.Addr().String() + "/"
	}

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	}
	var handler http.Handler = s
	if len(s.extra) > 0 {
		mux := http.NewServeMux()
		mux.Handle("/", s)
		for pattern, h := range s.extra {
			mux.Handle(pattern, h)
		}
		handler = mux
	}
	s.httpServer = &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	srv := s.httpServer
	s.mu.Unlock()

	if reg != nil {
		if err := s.register(reg, advertiseAddr); err != nil {
			listener.Close()
			return err
		}
	}

	s.logger.Info().Str("addr", listener.Addr().String()).Str("advertise", advertiseAddr).Strs("services", s.Services()).Msg("serving")
	err := srv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) && s.shutdown.Load() {
		return nil
	}
	return err
}

func (s *Server) register(reg registry.Registry, advertiseAddr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.mu.Lock()
	s.registry = reg
	s.mu.Unlock()

	for _, name := range s.Services() {
		inst := registry.NewInstance(name, advertiseAddr, s.weight, s.version)
		if err := reg.Register(ctx, inst, s.ttl); err != nil {
			return fmt.Errorf("server: register %s: %w", name, err)
		}
		s.mu.Lock()
		s.instances = append(s.instances, inst)
		s.mu.Unlock()
		s.logger.Debug().Str("service", name).Str("instance", inst.ID).Msg("registered")
	}
	return nil
}

// Shutdown performs graceful shutdown:
//  1. Deregister every service (clients stop picking this server)
//  2. Set the shutdown flag and stop accepting connections
//  3. Close every open connection, destroying its engines
//  4. Wait for the connection handlers to finish (with timeout)
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.mu.Lock()
	reg, instances := s.registry, s.instances
	s.instances = nil
	s.mu.Unlock()
	var errs []error
	for _, inst := range instances {
		if err := reg.Deregister(ctx, inst); err != nil {
			errs = append(errs, err)
		}
	}

	// The flag goes up before the listener closes so Serve reports a clean exit.
	s.shutdown.Store(true)
	s.mu.Lock()
	srv := s.httpServer
	conns := make([]*transport.WebSocket, 0, len(s.conns))
	for ws := range s.conns {
		conns = append(conns, ws)
	}
	s.mu.Unlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ws := range conns {
		ws.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("server: timeout waiting for connections to close"))
	}
	return errors.Join(errs...)
}
