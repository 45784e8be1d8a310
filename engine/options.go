package engine

import (
	"github.com/rs/zerolog"

	"post-rpc/codec"
	"post-rpc/events"
	"post-rpc/middleware"
	"post-rpc/protocol"
	"post-rpc/transport"
)

type Option func(*Engine)

// WithAllowedOrigin drops every inbound packet whose transport origin is not exactly
// origin. "" or "*" accepts any origin, which is the default.
func WithAllowedOrigin(origin string) Option {
	return func(e *Engine) {
		e.allowedOrigin = origin
	}
}

// WithTargetOrigin restricts outbound posts to a peer with this origin. Default "*".
func WithTargetOrigin(origin string) Option {
	return func(e *Engine) {
		if origin != "" {
			e.targetOrigin = origin
		}
	}
}

// WithVersion sets the protocol version advertised during the handshake. Default "1.0".
func WithVersion(version string) Option {
	return func(e *Engine) {
		if version != "" {
			e.version = version
		}
	}
}

// WithReceiver subscribes to r instead of the transport passed to New.
func WithReceiver(r transport.Subscriber) Option {
	return func(e *Engine) {
		if r != nil {
			e.receiver = r
		}
	}
}

func WithCodec(c codec.Codec) Option {
	return func(e *Engine) {
		if c != nil {
			e.codec = c
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithEvents publishes traffic and lifecycle notifications on bus.
func WithEvents(bus *events.Bus) Option {
	return func(e *Engine) {
		e.bus = bus
	}
}

// WithMiddleware wraps every exposed handler, whichever way it was exposed. The handshake
// handler is never wrapped.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(e *Engine) {
		e.middlewares = append(e.middlewares, mws...)
	}
}

// WithHandler exposes handler for method before the handshake is sent, so a peer that
// calls right after becoming ready never sees an unknown method. Middlewares passed to
// WithMiddleware wrap it regardless of option order.
func WithHandler(method string, handler middleware.HandlerFunc) Option {
	return func(e *Engine) {
		if method != "" && handler != nil && method != protocol.ReadyMethod {
			e.handlers[method] = handler
		}
	}
}
