package server

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"post-rpc/engine"
	"post-rpc/message"
	"post-rpc/middleware"
	"post-rpc/registry"
	"post-rpc/rpcerr"
	"post-rpc/testutil/testlog"
	"post-rpc/transport"
)

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

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return rpcerr.New(22, "divide by zero", "B")
	}
	reply.Result = args.A / args.B
	return nil
}

func (a *Arith) Fail(args *Args, reply *Reply) error {
	return errors.New("arith is broken")
}

func (a *Arith) Wait(ctx context.Context, args *Args, reply *Reply) error {
	if _, ok := ctx.Deadline(); ok {
		reply.Result = 1
	}
	return nil
}

// Not an RPC method: wrong shape.
func (a *Arith) Helper(x int) int { return x }

func startServer(t *testing.T, svr *Server) *httptest.Server {
	t.Helper()
	hs := httptest.NewServer(svr)
	t.Cleanup(hs.Close)
	return hs
}

func wsURL(hs *httptest.Server) string {
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/"
}

// connect opens a connection and a ready engine for serviceID.
func connect(t *testing.T, hs *httptest.Server, serviceID string) (*engine.Engine, *transport.WebSocket) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, err := transport.DialWebSocket(ctx, wsURL(hs), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	e, err := engine.New(ws, serviceID, engine.WithLogger(testlog.Start(t)))
	require.NoError(t, err)
	t.Cleanup(e.Destroy)
	require.NoError(t, e.WaitReady(ctx))
	return e, ws
}

func TestRegister(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Register(&Arith{}))
	assert.Equal(t, []string{"Arith"}, svr.Services())
	assert.Equal(t, []string{"Add", "Div", "Fail", "Wait"}, svr.Methods("Arith"))

	require.ErrorIs(t, svr.Register(&Arith{}), ErrDuplicate)
	require.NoError(t, svr.RegisterName("Calc", &Arith{}))
	require.Error(t, svr.Register(Arith{}))
	require.Error(t, svr.Register(nil))

	type empty struct{}
	require.Error(t, svr.Register(&empty{}))
}

func TestServerArith(t *testing.T) {
	svr := NewServer(WithLogger(testlog.Start(t)))
	require.NoError(t, svr.Register(&Arith{}))
	hs := startServer(t, svr)

	e, _ := connect(t, hs, "Arith")
	ctx := context.Background()

	var reply Reply
	require.NoError(t, e.Invoke(ctx, "Add", Args{1, 2}, &reply))
	assert.Equal(t, 3, reply.Result)

	err := e.Invoke(ctx, "Div", Args{1, 0}, &reply)
	var rerr *rpcerr.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, 22, rerr.Code)
	assert.Equal(t, []string{"B"}, rerr.Path)

	err = e.Invoke(ctx, "Fail", Args{}, &reply)
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, rpcerr.CodeUncaught, rerr.Code)
	assert.Equal(t, "arith is broken", rerr.Message)

	err = e.Invoke(ctx, "Add", "not args", &reply)
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, rpcerr.CodeInvalidParams, rerr.Code)

	err = e.Invoke(ctx, "Mul", Args{}, &reply)
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, rpcerr.CodeUnknownMethod, rerr.Code)
	assert.Equal(t, `Unknown method name "Mul"`, rerr.Message)
}

func TestServerContextMethodAndMiddleware(t *testing.T) {
	var calls atomic.Int32
	svr := NewServer(WithLogger(testlog.Start(t)))
	svr.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
		return func(ctx context.Context, req *message.Packet) (any, error) {
			calls.Add(1)
			return next(ctx, req)
		}
	})
	svr.Use(middleware.TimeOutMiddleware(time.Second))
	require.NoError(t, svr.Register(&Arith{}))
	hs := startServer(t, svr)

	e, _ := connect(t, hs, "Arith")
	var reply Reply
	require.NoError(t, e.Invoke(context.Background(), "Wait", Args{}, &reply))
	assert.Equal(t, 1, reply.Result, "timeout middleware sets a deadline on the handler context")
	assert.Equal(t, int32(1), calls.Load(), "the handshake is not wrapped")
}

func TestServerExposeAndSharedConnection(t *testing.T) {
	svr := NewServer(WithLogger(testlog.Start(t)))
	require.NoError(t, svr.Register(&Arith{}))
	require.NoError(t, svr.Expose("Echo", "echo", engine.Handle(func(ctx context.Context, s string) (string, error) {
		return s, nil
	})))
	require.Error(t, svr.Expose("Echo", "ready", func(context.Context, *message.Packet) (any, error) { return nil, nil }))
	require.Error(t, svr.Expose("Echo", "x", nil))
	hs := startServer(t, svr)

	arith, ws := connect(t, hs, "Arith")
	echo, err := engine.New(ws, "Echo", engine.WithLogger(testlog.Start(t)))
	require.NoError(t, err)
	defer echo.Destroy()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, echo.WaitReady(ctx))

	var s string
	require.NoError(t, echo.Invoke(ctx, "echo", "hello", &s))
	assert.Equal(t, "hello", s)

	var reply Reply
	require.NoError(t, arith.Invoke(ctx, "Add", Args{2, 2}, &reply))
	assert.Equal(t, 4, reply.Result)

	// The echo service has no Add.
	err = echo.Invoke(ctx, "Add", Args{}, &reply)
	assert.Equal(t, rpcerr.CodeUnknownMethod, rpcerr.CodeOf(err))
}

func TestServerDropsEnginesOnDisconnect(t *testing.T) {
	svr := NewServer(WithLogger(testlog.Start(t)))
	require.NoError(t, svr.Register(&Arith{}))
	hs := startServer(t, svr)

	_, ws := connect(t, hs, "Arith")
	require.Eventually(t, func() bool { return svr.Connections() == 1 }, time.Second, 5*time.Millisecond)

	ws.Close()
	require.Eventually(t, func() bool { return svr.Connections() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServeRegistersAndShutdownDeregisters(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	svr := NewServer(WithLogger(testlog.Start(t)), WithVersion("1.1"), WithRegistration(7, 5))
	require.NoError(t, svr.Register(&Arith{}))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- svr.ServeListener(listener, "", reg) }()

	var instances []registry.ServiceInstance
	require.Eventually(t, func() bool {
		instances, _ = reg.Discover(context.Background(), "Arith")
		return len(instances) == 1
	}, 2*time.Second, 10*time.Millisecond)
	inst := instances[0]
	assert.Equal(t, "ws://"+listener.Addr().String()+"/", inst.Addr)
	assert.Equal(t, 7, inst.Weight)
	assert.Equal(t, "1.1", inst.Version)

	// A live connection is closed by Shutdown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := transport.DialWebSocket(ctx, inst.Addr, nil)
	require.NoError(t, err)
	e, err := engine.New(ws, "Arith", engine.WithLogger(testlog.Start(t)))
	require.NoError(t, err)
	defer e.Destroy()
	require.NoError(t, e.WaitReady(ctx))
	var reply Reply
	require.NoError(t, e.Invoke(ctx, "Add", Args{3, 4}, &reply))
	assert.Equal(t, 7, reply.Result)

	require.NoError(t, svr.Shutdown(2*time.Second))
	require.NoError(t, <-served)

	instances, _ = reg.Discover(context.Background(), "Arith")
	assert.Empty(t, instances)
	select {
	case <-ws.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expect connection closed by shutdown")
	}
}
