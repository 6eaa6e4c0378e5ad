package middleware

import (
	"context"
	"time"

	"price-store/message"
)

// ErrMsgTimeout is the envelope error returned when a call exceeds its deadline.
const ErrMsgTimeout = "request timed out"

// TimeOutMiddleware bounds each call to timeout. The handler's context is cancelled
// at the deadline; a handler that ignores it keeps running but its result is dropped.
func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.Envelope, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.Envelope{Method: req.Method, Error: ErrMsgTimeout}
			}
		}
	}
}
