package engine

import (
	"context"

	"post-rpc/message"
	"post-rpc/middleware"
	"post-rpc/rpcerr"
)

// Handle adapts a typed function to a HandlerFunc. Params that do not decode into Args
// are answered with rpcerr.CodeInvalidParams.
func Handle[Args, Reply any](fn func(ctx context.Context, args Args) (Reply, error)) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Packet) (any, error) {
		var args Args
		if len(req.Params) > 0 {
			if err := req.DecodeParams(&args); err != nil {
				return nil, rpcerr.Wrap(rpcerr.CodeInvalidParams, err)
			}
		}
		return fn(ctx, args)
	}
}
