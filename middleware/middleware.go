// Package middleware wraps exposed handlers with cross-cutting behaviour.
//
// Chain(A, B, C)(h) builds A(B(C(h))): A sees the call first and the outcome last.
package middleware

import (
	"context"

	"post-rpc/message"
)

// HandlerFunc serves one call. req.Params holds the raw call parameters. The returned
// value is encoded as the reply's result; a returned error becomes the reply's error.
type HandlerFunc func(ctx context.Context, req *message.Packet) (any, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
