package client

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"post-rpc/engine"
	"post-rpc/loadbalance"
	"post-rpc/message"
	"post-rpc/registry"
	"post-rpc/server"
	"post-rpc/testutil/testlog"
	"post-rpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct {
	name  string
	calls atomic.Int32
}

func (a *Arith) Add(args *Args, reply *Reply) error {
	a.calls.Add(1)
	reply.Result = args.A + args.B
	return nil
}

type Whoami struct {
	name string
}

func (w *Whoami) Name(args *struct{}, reply *string) error {
	*reply = w.name
	return nil
}

type backend struct {
	svr   *server.Server
	hs    *httptest.Server
	arith *Arith
	addr  string
}

func startBackend(t *testing.T, name string) *backend {
	t.Helper()
	b := &backend{arith: &Arith{name: name}}
	b.svr = server.NewServer(server.WithLogger(testlog.Start(t)))
	require.NoError(t, b.svr.Register(b.arith))
	require.NoError(t, b.svr.Register(&Whoami{name: name}))
	b.hs = httptest.NewServer(b.svr)
	t.Cleanup(func() {
		b.svr.Shutdown(time.Second)
		b.hs.Close()
	})
	b.addr = "ws" + strings.TrimPrefix(b.hs.URL, "http") + "/"
	return b
}

func (b *backend) register(t *testing.T, reg registry.Registry, serviceID string) registry.ServiceInstance {
	t.Helper()
	inst := registry.NewInstance(serviceID, b.addr, 1, "1.0")
	require.NoError(t, reg.Register(context.Background(), inst, 10))
	return inst
}

func newTestClient(t *testing.T, reg registry.Registry, bal loadbalance.Balancer, opts ...Option) *Client {
	t.Helper()
	c := NewClient(reg, bal, append([]Option{WithLogger(testlog.Start(t))}, opts...)...)
	t.Cleanup(func() { c.Close() })
	return c
}

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClientCall(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	b := startBackend(t, "a")
	b.register(t, reg, "Arith")

	c := newTestClient(t, reg, nil)
	ctx := callCtx(t)

	var reply Reply
	require.NoError(t, c.Call(ctx, "Arith.Add", &Args{1, 2}, &reply))
	assert.Equal(t, 3, reply.Result)

	require.NoError(t, c.Call(ctx, "Arith.Add", &Args{5, 5}, &reply))
	assert.Equal(t, 10, reply.Result)
	assert.Equal(t, 1, c.Sessions(), "the session is reused")
}

func TestClientNotify(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	b := startBackend(t, "a")
	b.register(t, reg, "Arith")

	c := newTestClient(t, reg, nil)
	require.NoError(t, c.Notify(callCtx(t), "Arith.Add", &Args{1, 1}))
	require.Eventually(t, func() bool { return b.arith.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestClientConcurrentConnectOpensOneSession(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	b := startBackend(t, "a")
	b.register(t, reg, "Arith")

	c := newTestClient(t, reg, nil)
	ctx := callCtx(t)

	const callers = 20
	engines := make(chan *engine.Engine, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := c.Connect(ctx, "Arith")
			if assert.NoError(t, err) {
				engines <- e
			}
		}()
	}
	wg.Wait()
	close(engines)

	first := <-engines
	for e := range engines {
		assert.Same(t, first, e)
	}
	assert.Equal(t, 1, c.Sessions())

	var reply Reply
	require.NoError(t, c.Call(ctx, "Arith.Add", &Args{2, 2}, &reply))
	assert.Equal(t, 4, reply.Result)
}

func TestClientSharesConnectionAcrossServices(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	b := startBackend(t, "a")
	b.register(t, reg, "Arith")
	b.register(t, reg, "Whoami")

	c := newTestClient(t, reg, nil)
	ctx := callCtx(t)

	var reply Reply
	require.NoError(t, c.Call(ctx, "Arith.Add", &Args{1, 2}, &reply))
	var name string
	require.NoError(t, c.Call(ctx, "Whoami.Name", &struct{}{}, &name))
	assert.Equal(t, "a", name)

	assert.Equal(t, 2, c.Sessions())
	assert.Equal(t, 1, c.pool.Len())
	assert.Equal(t, 1, b.svr.Connections())
}

func TestClientErrors(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	c := newTestClient(t, reg, nil)
	ctx := callCtx(t)

	require.ErrorIs(t, c.Call(ctx, "NoDot", nil, nil), ErrServiceMethod)
	require.ErrorIs(t, c.Call(ctx, ".Add", nil, nil), ErrServiceMethod)
	require.ErrorIs(t, c.Call(ctx, "Missing.Add", nil, nil), loadbalance.ErrNoInstances)

	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Call(ctx, "Arith.Add", nil, nil), ErrClosed)
	require.NoError(t, c.Close())
}

func TestClientAffinity(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	a := startBackend(t, "a")
	b := startBackend(t, "b")
	a.register(t, reg, "Whoami")
	b.register(t, reg, "Whoami")

	names := map[string]bool{}
	for i := 0; i < 3; i++ {
		c := newTestClient(t, reg, loadbalance.NewConsistentHashBalancer(), WithAffinityKey("user-42"))
		var name string
		require.NoError(t, c.Call(callCtx(t), "Whoami.Name", &struct{}{}, &name))
		names[name] = true
		c.Close()
	}
	assert.Len(t, names, 1, "the same affinity key always lands on the same instance")
}

func TestClientFailsOverWhenInstanceLeaves(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	a := startBackend(t, "a")
	b := startBackend(t, "b")
	instA := a.register(t, reg, "Whoami")

	c := newTestClient(t, reg, nil)
	ctx := callCtx(t)

	var name string
	require.NoError(t, c.Call(ctx, "Whoami.Name", &struct{}{}, &name))
	assert.Equal(t, "a", name)

	b.register(t, reg, "Whoami")
	require.NoError(t, reg.Deregister(context.Background(), instA))
	require.NoError(t, a.svr.Shutdown(time.Second))
	require.Eventually(t, func() bool { return c.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Call(ctx, "Whoami.Name", &struct{}{}, &name))
	assert.Equal(t, "b", name)
}

func TestClientPrefersMatchingVersion(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	a := startBackend(t, "a")
	b := startBackend(t, "b")
	require.NoError(t, reg.Register(context.Background(), registry.NewInstance("Whoami", a.addr, 1, "1.0"), 10))
	require.NoError(t, reg.Register(context.Background(), registry.NewInstance("Whoami", b.addr, 1, "2.0"), 10))

	c := newTestClient(t, reg, nil, WithVersion("2.0"))
	var name string
	require.NoError(t, c.Call(callCtx(t), "Whoami.Name", &struct{}{}, &name))
	assert.Equal(t, "b", name)

	e, err := c.Connect(callCtx(t), "Whoami")
	require.NoError(t, err)
	assert.Equal(t, "2.0", e.Version())
}

func TestClientHandshakeTimeout(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	b := startBackend(t, "a")
	// Registered under an identity the server does not host: nobody answers "ready".
	b.register(t, reg, "Ghost")
	b.register(t, reg, "Arith")

	c := newTestClient(t, reg, nil, WithReadyTimeout(50*time.Millisecond))
	// Keep the shared connection alive so the ghost session waits for the handshake.
	var reply Reply
	require.NoError(t, c.Call(callCtx(t), "Arith.Add", &Args{1, 1}, &reply))

	err := c.Call(callCtx(t), "Ghost.Anything", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, c.Sessions())
}

func TestClientDropsDestroyedSession(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	b := startBackend(t, "a")
	b.register(t, reg, "Arith")
	c := newTestClient(t, reg, nil)
	ctx := callCtx(t)

	e, err := c.Connect(ctx, "Arith")
	require.NoError(t, err)
	e.Destroy()

	var reply Reply
	require.ErrorIs(t, c.Call(ctx, "Arith.Add", &Args{1, 1}, &reply), engine.ErrDestroyed)
	require.NoError(t, c.Call(ctx, "Arith.Add", &Args{1, 1}, &reply))
	assert.Equal(t, 2, reply.Result)
}

func TestClientCallFailsWhenConnectionDies(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	b := startBackend(t, "a")
	started := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	require.NoError(t, b.svr.Expose("Slow", "Wait", func(ctx context.Context, req *message.Packet) (any, error) {
		close(started)
		return engine.Go(func() (any, error) {
			<-release
			return "late", nil
		}), nil
	}))
	b.register(t, reg, "Slow")
	c := newTestClient(t, reg, nil)

	errs := make(chan error, 1)
	go func() {
		var out string
		errs <- c.Call(context.Background(), "Slow.Wait", nil, &out)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
	require.NoError(t, b.svr.Shutdown(time.Second))

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrConnectionLost)
		assert.ErrorIs(t, err, transport.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("call still blocked after the connection died")
	}
	assert.Equal(t, 0, c.Sessions())
}
