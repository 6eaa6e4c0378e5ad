// Package middleware wraps the handler of a synchronous server in layers.
package middleware

import (
	"context"

	"price-store/message"
)

// HandlerFunc handles one decoded request envelope and returns the response envelope.
type HandlerFunc func(ctx context.Context, req *message.Envelope) *message.Envelope

// Middleware decorates a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so the first one is the outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
