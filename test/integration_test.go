package test

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"post-rpc/client"
	"post-rpc/engine"
	"post-rpc/events"
	"post-rpc/loadbalance"
	"post-rpc/message"
	"post-rpc/middleware"
	"post-rpc/observability"
	"post-rpc/registry"
	"post-rpc/server"
	"post-rpc/testutil/testlog"
	"post-rpc/transport"
)

// ---- Services used by the tests ----

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Multiply(args *Args, reply *Reply) error {
	reply.Result = args.A * args.B
	return nil
}

// startServer serves Arith on a loopback listener registered in reg.
func startServer(t testing.TB, reg registry.Registry, opts ...server.Option) *server.Server {
	t.Helper()
	svr := server.NewServer(opts...)
	svr.Use(middleware.TimeOutMiddleware(time.Second))
	require.NoError(t, svr.Register(&Arith{}))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(listener, "", reg)
	t.Cleanup(func() { svr.Shutdown(3 * time.Second) })

	// Wait until every service is registered.
	require.Eventually(t, func() bool {
		list, _ := reg.Discover(context.Background(), "Arith")
		for _, inst := range list {
			if inst.Addr == "ws://"+listener.Addr().String()+"/" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return svr
}

// TestFullIntegrationWithEtcd runs the whole chain:
// Client → Registry(etcd) → LB → Pool → WebSocket → Engine → Middleware → Server → reflection.
func TestFullIntegrationWithEtcd(t *testing.T) {
	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"}, time.Second)
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	defer reg.Close()
	probe, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.Discover(probe, "Arith"); err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}

	logger := testlog.Start(t)
	svr := startServer(t, reg, server.WithLogger(logger))

	cli := client.NewClient(reg, &loadbalance.RoundRobinBalancer{}, client.WithLogger(logger))
	defer cli.Close()
	ctx, cancelCall := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCall()

	reply := &Reply{}
	require.NoError(t, cli.Call(ctx, "Arith.Add", &Args{A: 3, B: 5}, reply))
	assert.Equal(t, 8, reply.Result)

	reply2 := &Reply{}
	require.NoError(t, cli.Call(ctx, "Arith.Multiply", &Args{A: 4, B: 6}, reply2))
	assert.Equal(t, 24, reply2.Result)

	require.NoError(t, svr.Shutdown(3*time.Second))
}

// TestMultiServerRoundRobin spreads sessions of several clients over two servers.
func TestMultiServerRoundRobin(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	logger := testlog.Start(t)
	svr1 := startServer(t, reg, server.WithLogger(logger))
	svr2 := startServer(t, reg, server.WithLogger(logger))

	bal := &loadbalance.RoundRobinBalancer{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 1; i <= 4; i++ {
		cli := client.NewClient(reg, bal, client.WithLogger(logger))
		reply := &Reply{}
		require.NoError(t, cli.Call(ctx, "Arith.Add", &Args{A: i, B: i * 10}, reply))
		assert.Equal(t, i+i*10, reply.Result)
		defer cli.Close()
	}

	assert.Equal(t, 2, svr1.Connections())
	assert.Equal(t, 2, svr2.Connections())
}

// TestConcurrentCallsOnOneSession checks that concurrent callers on one engine each
// get their own reply.
func TestConcurrentCallsOnOneSession(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	startServer(t, reg, server.WithLogger(testlog.Start(t)))

	cli := client.NewClient(reg, nil, client.WithLogger(testlog.Start(t)))
	defer cli.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reply := &Reply{}
			if err := cli.Call(ctx, "Arith.Multiply", &Args{A: i, B: 2}, reply); err != nil {
				errs <- err
				return
			}
			if reply.Result != i*2 {
				errs <- fmt.Errorf("call %d: expect %d, got %d", i, i*2, reply.Result)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 1, cli.Sessions())
}

// TestEnginesOverShuffledPipe runs two engines on an in-process transport that
// delivers in random order, and checks that handlers still see calls in send order.
func TestEnginesOverShuffledPipe(t *testing.T) {
	a, b := transport.Pipe("https://a.example", "https://b.example", transport.WithShuffle(7))
	defer a.Close()
	defer b.Close()

	var mu sync.Mutex
	var seen []int
	record := func(ctx context.Context, req *message.Packet) (any, error) {
		var n int
		if err := req.DecodeParams(&n); err != nil {
			return nil, err
		}
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return n, nil
	}

	bus := events.NewBus()
	metrics, err := observability.NewMetrics(nil)
	require.NoError(t, err)
	require.NoError(t, metrics.Attach(bus))

	logger := testlog.Start(t)
	left, err := engine.New(a, "svc", engine.WithLogger(logger), engine.WithEvents(bus),
		engine.WithAllowedOrigin("https://b.example"))
	require.NoError(t, err)
	defer left.Destroy()
	right, err := engine.New(b, "svc", engine.WithLogger(logger), engine.WithHandler("record", record),
		engine.WithAllowedOrigin("https://a.example"))
	require.NoError(t, err)
	defer right.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, left.WaitReady(ctx))
	require.NoError(t, right.WaitReady(ctx))

	// A handshake may still be in flight; calls only start once both sides settled
	// on their epoch.
	require.Eventually(t, func() bool { return left.Pending() == 0 && right.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)

	const n = 100
	futures := make([]*engine.Future, n)
	for i := 0; i < n; i++ {
		f, err := left.Call("record", i)
		require.NoError(t, err)
		futures[i] = f
	}
	for i, f := range futures {
		var got int
		require.NoError(t, f.Decode(ctx, &got))
		assert.Equal(t, i, got)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, n)
	for i, v := range seen {
		require.Equal(t, i, v, "handler order must follow send order")
	}
}
