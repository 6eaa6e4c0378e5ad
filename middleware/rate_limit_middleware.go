package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"price-store/message"
)

// ErrMsgRateLimited is the envelope error returned when a call is shed.
const ErrMsgRateLimited = "rate limit exceeded"

// RateLimitMiddleware admits at most r calls per second with bursts of up to burst,
// using a token bucket. Calls over the limit are rejected, not queued.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			if !limiter.Allow() {
				return &message.Envelope{Method: req.Method, Error: ErrMsgRateLimited}
			}
			return next(ctx, req)
		}
	}
}
