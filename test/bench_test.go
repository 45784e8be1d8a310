package test

import (
	"context"
	"encoding/json"
	"testing"

	"post-rpc/client"
	"post-rpc/codec"
	"post-rpc/engine"
	"post-rpc/message"
	"post-rpc/registry"
	"post-rpc/reorder"
	"post-rpc/transport"
)

// ---- Setup ----

func setupClient(b *testing.B) *client.Client {
	reg := registry.NewMemoryRegistry()
	startServer(b, reg)
	cli := client.NewClient(reg, nil)
	b.Cleanup(func() { cli.Close() })
	return cli
}

// ---- Benchmarks ----

// Scenario 1: one goroutine, serial calls over WebSocket
func BenchmarkSerialCall(b *testing.B) {
	cli := setupClient(b)
	ctx := context.Background()
	args := &Args{A: 1, B: 2}
	reply := &Reply{}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cli.Call(ctx, "Arith.Add", args, reply); err != nil {
			b.Fatal(err)
		}
	}
}

// Scenario 2: many goroutines sharing one session
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupClient(b)
	ctx := context.Background()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		reply := &Reply{}
		for pb.Next() {
			if err := cli.Call(ctx, "Arith.Add", args, reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// Scenario 3: engine to engine over the in-process pipe, no network
func BenchmarkPipeCall(b *testing.B) {
	l, r := transport.Pipe("", "")
	defer l.Close()
	defer r.Close()

	add := engine.Handle(func(ctx context.Context, args Args) (Reply, error) {
		return Reply{Result: args.A + args.B}, nil
	})
	left, err := engine.New(l, "Arith")
	if err != nil {
		b.Fatal(err)
	}
	defer left.Destroy()
	right, err := engine.New(r, "Arith", engine.WithHandler("Add", add))
	if err != nil {
		b.Fatal(err)
	}
	defer right.Destroy()
	ctx := context.Background()
	if err := left.WaitReady(ctx); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var reply Reply
		if err := left.Invoke(ctx, "Add", Args{A: 1, B: 2}, &reply); err != nil {
			b.Fatal(err)
		}
	}
}

// Scenario 4: JSON packet encode/decode (no network, pure codec)
func BenchmarkCodecJSON(b *testing.B) {
	cdc, err := codec.GetCodec(codec.CodecTypeJSON)
	if err != nil {
		b.Fatal(err)
	}
	p := &message.Packet{
		Type:      message.TypeMethod,
		ServiceID: "Arith",
		Counter:   42,
		ID:        42,
		Method:    "Add",
		Params:    json.RawMessage(`{"A":1,"B":2}`),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, _ := cdc.Encode(p)
		cdc.Decode(data)
	}
}

// Scenario 5: reorder buffer under a reversed burst of 64 packets
func BenchmarkReorderReversedBurst(b *testing.B) {
	packets := make([]*message.Packet, 64)
	for i := range packets {
		packets[i] = &message.Packet{Type: message.TypeMethod, Counter: int64(len(packets) - i - 1)}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf := reorder.New()
		for _, p := range packets {
			buf.Append(p)
		}
	}
}
