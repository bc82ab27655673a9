package h2reset

import (
	"errors"

	"github.com/albertbausili/h2reset/internal/driver"
	"github.com/albertbausili/h2reset/internal/reset"
	"github.com/albertbausili/h2reset/internal/stream"
)

var (
	// ErrResetNotSupported is returned by Abort when the platform cannot
	// reset individual streams.
	ErrResetNotSupported = reset.ErrResetNotSupported
	// ErrStreamClosed is returned for operations on a terminated stream.
	ErrStreamClosed = stream.ErrStreamClosed
	// ErrResponseTakenOver is returned to a handler whose response was
	// replaced by middleware, for example after a timeout.
	ErrResponseTakenOver = errors.New("response taken over by middleware")
)

// Handler defines the interface for HTTP/2 request handlers.
type Handler interface {
	ServeHTTP2(ctx *Context) error
}

// HandlerFunc is an adapter to allow ordinary functions to be used as HTTP/2 handlers.
type HandlerFunc func(ctx *Context) error

// ServeHTTP2 calls f(ctx).
func (f HandlerFunc) ServeHTTP2(ctx *Context) error {
	return f(ctx)
}

// Middleware is a function that wraps a Handler with additional functionality.
type Middleware func(Handler) Handler

// MiddlewareFunc is a function-based middleware that receives the context and next handler.
type MiddlewareFunc func(ctx *Context, next Handler) error

// ToMiddleware converts a MiddlewareFunc to a Middleware.
func (m MiddlewareFunc) ToMiddleware() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			return m(ctx, next)
		})
	}
}

// Chain combines multiple middlewares into a single middleware.
func Chain(middlewares ...Middleware) Middleware {
	return func(final Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// exchangeHandler serves driver exchanges with an application Handler.
type exchangeHandler struct {
	handler Handler
}

func (a exchangeHandler) ServeStream(x *driver.Exchange) error {
	return a.handler.ServeHTTP2(newContext(x))
}
