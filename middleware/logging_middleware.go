package middleware

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	"price-store/logging"
	"price-store/message"
)

// LoggingMiddleware logs every call with its duration, and the error if it failed.
func LoggingMiddleware(logger logr.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Envelope) *message.Envelope {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)
			if resp.Failed() {
				logger.V(logging.VERBOSE).Info("Call failed", "method", req.Method, "duration", duration, "error", resp.Error)
			} else {
				logger.V(logging.DEBUG).Info("Call served", "method", req.Method, "duration", duration)
			}
			return resp
		}
	}
}
