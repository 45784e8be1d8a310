package middleware

import (
	"context"
	"fmt"
	"time"

	"post-rpc/message"
	"post-rpc/rpcerr"
)

type outcome struct {
	result any
	err    error
}

// TimeOutMiddleware fails the call with rpcerr.CodeTimeout when the handler takes longer
// than timeout. The handler's context is cancelled so it can stop early.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				// The handler runs off the engine's goroutine, so its panics are caught here.
				defer func() {
					if r := recover(); r != nil {
						done <- outcome{nil, fmt.Errorf("panic in handler %q: %v", req.Method, r)}
					}
				}()
				result, err := next(ctx, req)
				done <- outcome{result, err}
			}()

			select {
			case out := <-done:
				return out.result, out.err
			case <-ctx.Done():
				return nil, rpcerr.New(rpcerr.CodeTimeout, "request timed out")
			}
		}
	}
}
