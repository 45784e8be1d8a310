package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"post-rpc/message"
	"post-rpc/rpcerr"
)

func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Packet) (any, error) {
			start := time.Now()
			result, err := next(ctx, req)
			duration := time.Since(start)

			if err != nil {
				logger.Warn().
					Str("service", req.ServiceID).
					Str("method", req.Method).
					Int64("id", req.ID).
					Int("code", rpcerr.CodeOf(err)).
					Dur("duration", duration).
					Err(err).
					Msg("handler failed")
				return result, err
			}
			logger.Debug().
				Str("service", req.ServiceID).
				Str("method", req.Method).
				Int64("id", req.ID).
				Bool("discard", req.Discard).
				Dur("duration", duration).
				Msg("handled")
			return result, nil
		}
	}
}
