// Package transport defines the fire-and-forget message primitive the engine runs on,
// plus two implementations: an in-process Pipe and a WebSocket connection.
//
// A transport delivers opaque string payloads. It may deliver them in any order and
// gives no way to scope independent conversations; the engine adds both on top.
// Implementations must serialize delivery: a subscriber callback is never invoked
// concurrently with itself.
package transport

import "errors"

var ErrClosed = errors.New("transport: closed")

// Message is one inbound payload together with the origin the transport reports for it.
type Message struct {
	Data   string
	Origin string
}

// Poster sends a payload. targetOrigin "*" means any recipient; anything else restricts
// delivery to a peer with exactly that origin.
type Poster interface {
	Post(payload string, targetOrigin string) error
}

// Subscriber registers fn for every inbound message and returns its disposer.
type Subscriber interface {
	Subscribe(fn func(Message)) (unsubscribe func())
}

type Transport interface {
	Poster
	Subscriber
}

// originMatches implements postMessage-style target filtering.
func originMatches(target, origin string) bool {
	return target == "" || target == "*" || target == origin
}
