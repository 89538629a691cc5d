package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"sheetmesh/message"
	"sheetmesh/result"
)

// RateLimitMiddleware admits calls through a token bucket of rate r and the
// given burst. Rejected calls are not executed.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return &message.RPCMessage{
					ServiceMethod: req.ServiceMethod,
					Kind:          uint8(result.InternalError),
					Error:         "rate limit exceeded",
				}
			}
			return next(ctx, req)
		}
	}
}
