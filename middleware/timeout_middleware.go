package middleware

import (
	"context"
	"time"

	"sheetmesh/message"
	"sheetmesh/result"
)

// TimeOutMiddleware bounds every call by timeout. A call that overruns is
// answered with INTERNAL_ERROR, never NOT_AVAILABLE: a write may already sit
// in the replication log, and the client must not resend it.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case rpcMessage := <-done:
				return rpcMessage
			case <-ctx.Done():
				return &message.RPCMessage{
					ServiceMethod: req.ServiceMethod,
					Kind:          uint8(result.InternalError),
					Error:         "request timed out",
				}
			}
		}
	}
}
