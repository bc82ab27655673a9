package h2reset

import (
	"github.com/albertbausili/h2reset/internal/stream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig defines the configuration options for the OpenTelemetry tracing middleware.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "h2reset")
	TracerName string
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	// SkipPaths lists paths to skip tracing (e.g., health checks)
	SkipPaths []string
	// Propagator is the propagation format (default: TraceContext)
	Propagator propagation.TextMapPropagator
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "h2reset",
		SkipPaths:  []string{"/health", "/metrics"},
		Propagator: propagation.TraceContext{},
	}
}

// Tracing returns a middleware that adds OpenTelemetry tracing to HTTP requests.
func Tracing() Middleware {
	return TracingWithConfig(DefaultTracingConfig())
}

// TracingWithConfig returns a middleware that starts a server span per
// stream. The span records the capability tier and how the stream
// terminated; resets are span errors.
func TracingWithConfig(config TracingConfig) Middleware {
	if config.TracerName == "" {
		config.TracerName = "h2reset"
	}
	if config.Propagator == nil {
		config.Propagator = propagation.TraceContext{}
	}
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}

	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	tracer := config.TracerProvider.Tracer(config.TracerName)

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skipMap[ctx.Path()] {
				return next.ServeHTTP2(ctx)
			}

			parentCtx := config.Propagator.Extract(ctx.Context(), headerCarrier{ctx: ctx})
			spanCtx, span := tracer.Start(
				parentCtx,
				ctx.Method()+" "+ctx.Path(),
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()

			span.SetAttributes(
				attribute.String("http.method", ctx.Method()),
				attribute.String("http.target", ctx.Path()),
				attribute.String("http.scheme", ctx.Scheme()),
				attribute.String("http.host", ctx.Authority()),
				attribute.Int64("h2.stream_id", int64(ctx.StreamID)),
				attribute.String("h2.capability_tier", ctx.Profile().Tier.String()),
			)
			if reqID, ok := ctx.Get("request-id"); ok {
				if reqIDStr, ok := reqID.(string); ok {
					span.SetAttributes(attribute.String("http.request_id", reqIDStr))
				}
			}

			prev := ctx.withContext(spanCtx)
			err := next.ServeHTTP2(ctx)
			ctx.withContext(prev)

			outcome := ctx.outcome(err)
			span.SetAttributes(
				attribute.Int("http.status_code", ctx.Status()),
				attribute.String("h2.termination", outcome),
			)
			if cause, ok := ctx.Termination(); ok && cause.Code != 0 {
				span.SetAttributes(attribute.Int64("h2.reset_code", int64(cause.Code)))
			}

			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case outcome != stream.CauseGracefulEnd.String():
				span.SetStatus(codes.Error, "stream "+outcome)
			case ctx.Status() >= 500:
				span.SetStatus(codes.Error, "HTTP error")
			default:
				span.SetStatus(codes.Ok, "")
			}

			return err
		})
	}
}

// headerCarrier adapts request headers to propagation.TextMapCarrier.
// Injected values become response headers.
type headerCarrier struct {
	ctx *Context
}

func (hc headerCarrier) Get(key string) string {
	return hc.ctx.Header(key)
}

func (hc headerCarrier) Set(key, value string) {
	hc.ctx.SetHeader(key, value)
}

func (hc headerCarrier) Keys() []string {
	headers := hc.ctx.Headers()
	keys := make([]string, 0, len(headers))
	for _, h := range headers {
		keys = append(keys, h[0])
	}
	return keys
}
