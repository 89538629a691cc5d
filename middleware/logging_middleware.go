package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"sheetmesh/message"
	"sheetmesh/result"
)

// LoggingMiddleware logs every call with its duration and outcome kind.
// Failed calls are logged at Info, successful ones at Debug.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)

			kind := result.Kind(resp.Kind)
			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
				zap.Stringer("kind", kind),
			}
			if kind != result.OK {
				logger.Info("call failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				logger.Debug("call", fields...)
			}
			return resp
		}
	}
}
