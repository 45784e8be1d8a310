package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"post-rpc/message"
	"post-rpc/rpcerr"
)

// RateLimitMiddleware is a token bucket shared by every call through the handler.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) (any, error) {
			if !limiter.Allow() {
				return nil, rpcerr.New(rpcerr.CodeRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
