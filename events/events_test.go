package events

import (
	"testing"

	"post-rpc/message"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	var got []Event
	handler := Handler(func(ev Event) { got = append(got, ev) })

	if err := bus.Subscribe(TopicSentCall, handler); err != nil {
		t.Fatal(err)
	}
	if !bus.HasSubscribers(TopicSentCall) {
		t.Fatal("expect subscribers on sent-call")
	}

	p := &message.Packet{Type: message.TypeMethod, Method: "add"}
	bus.Publish(Event{Topic: TopicSentCall, ServiceID: "arith", Packet: p})
	bus.Publish(Event{Topic: TopicSentReply, ServiceID: "arith"})

	if len(got) != 1 || got[0].Packet.Method != "add" {
		t.Fatalf("expect one sent-call event, got %+v", got)
	}

	if err := bus.Unsubscribe(TopicSentCall, handler); err != nil {
		t.Fatal(err)
	}
	bus.Publish(Event{Topic: TopicSentCall, ServiceID: "arith", Packet: p})
	if len(got) != 1 {
		t.Fatalf("expect no delivery after unsubscribe, got %d", len(got))
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	seen := map[Topic]int{}
	if err := bus.SubscribeAll(func(ev Event) { seen[ev.Topic]++ }); err != nil {
		t.Fatal(err)
	}
	for _, topic := range Topics {
		bus.Publish(Event{Topic: topic})
	}
	for _, topic := range Topics {
		if seen[topic] != 1 {
			t.Fatalf("topic %s: expect 1 event, got %d", topic, seen[topic])
		}
	}
}
