// Package events is the diagnostic side channel of an engine. Nothing in the protocol
// depends on it; observers use it for logging, metrics and tests.
package events

import (
	evbus "github.com/asaskevich/EventBus"

	"post-rpc/message"
)

// Topic names one kind of notification.
type Topic string

const (
	TopicSentCall      Topic = "sent-call"
	TopicSentReply     Topic = "sent-reply"
	TopicReceivedCall  Topic = "received-call"
	TopicReceivedReply Topic = "received-reply"
	TopicReady         Topic = "ready"
	TopicDestroyed     Topic = "destroyed"
	TopicDropped       Topic = "dropped"
)

// Topics lists every topic an engine publishes.
var Topics = []Topic{
	TopicSentCall, TopicSentReply,
	TopicReceivedCall, TopicReceivedReply,
	TopicReady, TopicDestroyed, TopicDropped,
}

// Event is one notification. Packet is nil for ready and destroyed; Reason is only
// set for dropped packets.
type Event struct {
	Topic     Topic
	ServiceID string
	Packet    *message.Packet
	Reason    string
}

// Handler receives events synchronously on the publishing goroutine.
type Handler func(Event)

// Bus is a topic-keyed publish/subscribe bus backed by asaskevich/EventBus.
// It is safe for concurrent use and may be shared by many engines.
type Bus struct {
	bus evbus.Bus
}

func NewBus() *Bus {
	return &Bus{bus: evbus.New()}
}

func (b *Bus) Subscribe(topic Topic, fn Handler) error {
	return b.bus.Subscribe(string(topic), fn)
}

// SubscribeAll registers fn on every topic.
func (b *Bus) SubscribeAll(fn Handler) error {
	for _, topic := range Topics {
		if err := b.Subscribe(topic, fn); err != nil {
			return err
		}
	}
	return nil
}

// Unsubscribe removes fn, which must be the same value passed to Subscribe.
func (b *Bus) Unsubscribe(topic Topic, fn Handler) error {
	return b.bus.Unsubscribe(string(topic), fn)
}

func (b *Bus) HasSubscribers(topic Topic) bool {
	return b.bus.HasCallback(string(topic))
}

func (b *Bus) Publish(ev Event) {
	b.bus.Publish(string(ev.Topic), ev)
}
