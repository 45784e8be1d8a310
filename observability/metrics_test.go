package observability

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"post-rpc/events"
	"post-rpc/message"
	"post-rpc/rpcerr"
)

func TestMetricsCountEvents(t *testing.T) {
	m, err := NewMetrics(nil)
	if err != nil {
		t.Fatal(err)
	}
	bus := events.NewBus()
	if err := m.Attach(bus); err != nil {
		t.Fatal(err)
	}

	bus.Publish(events.Event{Topic: events.TopicSentCall, ServiceID: "Arith"})
	bus.Publish(events.Event{Topic: events.TopicSentCall, ServiceID: "Arith"})
	bus.Publish(events.Event{Topic: events.TopicSentReply, ServiceID: "Arith", Packet: &message.Packet{
		Type:  message.TypeReply,
		Error: &message.WireError{Code: 4003},
	}})
	bus.Publish(events.Event{Topic: events.TopicReceivedCall, ServiceID: "Arith"})
	bus.Publish(events.Event{Topic: events.TopicDropped, ServiceID: "Arith", Reason: "malformed"})
	bus.Publish(events.Event{Topic: events.TopicReady, ServiceID: "Arith"})
	bus.Publish(events.Event{Topic: events.TopicDestroyed, ServiceID: "Arith"})

	if got := testutil.ToFloat64(m.packetsSent.WithLabelValues("Arith", "method")); got != 2 {
		t.Fatalf("expect 2 sent calls, got %v", got)
	}
	if got := testutil.ToFloat64(m.packetsSent.WithLabelValues("Arith", "reply")); got != 1 {
		t.Fatalf("expect 1 sent reply, got %v", got)
	}
	if got := testutil.ToFloat64(m.replyErrors.WithLabelValues("Arith", "4003")); got != 1 {
		t.Fatalf("expect 1 error reply, got %v", got)
	}
	if got := testutil.ToFloat64(m.packetsReceived.WithLabelValues("Arith", "method")); got != 1 {
		t.Fatalf("expect 1 received call, got %v", got)
	}
	if got := testutil.ToFloat64(m.dropped.WithLabelValues("Arith", "malformed")); got != 1 {
		t.Fatalf("expect 1 drop, got %v", got)
	}
	if got := testutil.ToFloat64(m.lifecycle.WithLabelValues("Arith", "destroyed")); got != 1 {
		t.Fatalf("expect 1 destroyed engine, got %v", got)
	}
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	mw := m.Middleware()
	ok := mw(func(context.Context, *message.Packet) (any, error) { return 1, nil })
	fail := mw(func(context.Context, *message.Packet) (any, error) { return nil, rpcerr.New(7, "no") })
	plain := mw(func(context.Context, *message.Packet) (any, error) { return nil, errors.New("boom") })

	req := &message.Packet{Type: message.TypeMethod, ServiceID: "Arith", Method: "Add"}
	ok(context.Background(), req)
	fail(context.Background(), req)
	plain(context.Background(), req)

	if n := testutil.CollectAndCount(m.handlerDuration); n != 3 {
		t.Fatalf("expect 3 label sets (ok, 7, 0), got %d", n)
	}
}

func TestMetricsHandler(t *testing.T) {
	m, err := NewMetrics(nil)
	if err != nil {
		t.Fatal(err)
	}
	m.Record(events.Event{Topic: events.TopicSentCall, ServiceID: "Echo"})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `postrpc_engine_packets_sent_total{service="Echo",type="method"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
}

func TestNewMetricsTwiceOnOneRegistryFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewMetrics(reg); err != nil {
		t.Fatal(err)
	}
	if _, err := NewMetrics(reg); err == nil {
		t.Fatal("expect duplicate registration error")
	}
}
