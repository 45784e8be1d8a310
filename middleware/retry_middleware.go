package middleware

import (
	"context"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"post-rpc/message"
	"post-rpc/rpcerr"
)

// RetryMiddleware re-runs the handler while it fails with one of the retryable codes,
// backing off exponentially, and logs each retry on logger. Only wrap idempotent handlers.
func RetryMiddleware(logger zerolog.Logger, maxRetries int, baseDelay time.Duration, retryable ...int) Middleware {
	if len(retryable) == 0 {
		retryable = []int{rpcerr.CodeTimeout}
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) (any, error) {
			result, err := next(ctx, req)
			for i := 0; i < maxRetries; i++ {
				if err == nil {
					return result, nil
				}
				code := rpcerr.CodeOf(err)
				if !slices.Contains(retryable, code) {
					return result, err // Non-retryable error, return immediately
				}
				logger.Debug().Str("method", req.Method).Int("attempt", i+1).Int("code", code).Msg("retrying handler")
				select {
				case <-ctx.Done():
					return result, err
				case <-time.After(baseDelay * time.Duration(1<<i)):
				}
				result, err = next(ctx, req)
			}
			return result, err
		}
	}
}
