package h2reset

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

// LoggerConfig defines the configuration options for the Logger middleware.
type LoggerConfig struct {
	// Logger receives one event per request.
	Logger zerolog.Logger
	// SkipPaths lists paths to skip logging (e.g., health checks)
	SkipPaths []string
	// CustomFields allows adding custom fields to each log entry
	CustomFields func(ctx *Context) map[string]any
}

// Logger returns a middleware that logs each request to l.
func Logger(l zerolog.Logger) Middleware {
	return LoggerWithConfig(LoggerConfig{Logger: l})
}

// LoggerWithConfig returns a middleware that logs HTTP requests with custom configuration.
func LoggerWithConfig(config LoggerConfig) Middleware {
	skipMap := make(map[string]bool, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipMap[path] = true
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skipMap[ctx.Path()] {
				return next.ServeHTTP2(ctx)
			}

			start := time.Now()
			err := next.ServeHTTP2(ctx)

			ev := config.Logger.Info()
			if err != nil {
				ev = config.Logger.Warn().Err(err)
			}
			ev = ev.
				Uint32("stream_id", ctx.StreamID).
				Str("method", ctx.Method()).
				Str("path", ctx.Path()).
				Int("status", ctx.Status()).
				Dur("duration", time.Since(start)).
				Str("termination", ctx.outcome(err)).
				Str("tier", ctx.Profile().Tier.String())
			if reqID, ok := ctx.Get("request-id"); ok {
				ev = ev.Interface("request_id", reqID)
			}
			if config.CustomFields != nil {
				ev = ev.Fields(config.CustomFields(ctx))
			}
			ev.Msg("request")

			return err
		})
	}
}

// Recovery returns a middleware that converts handler panics into
// application faults. The peer sees the fault's reset signal rather than a
// clean response.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					_ = ctx.ReportFault(err)
				}
			}()

			return next.ServeHTTP2(ctx)
		})
	}
}

// RequestID returns a middleware that tags each request with an id, taken
// from x-request-id when the peer sent one.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			requestID := ctx.Header("x-request-id")
			if requestID == "" {
				requestID = generateRequestID()
			}

			ctx.Set("request-id", requestID)
			ctx.SetHeader("X-Request-ID", requestID)

			return next.ServeHTTP2(ctx)
		})
	}
}

var requestIDCounter uint64

func generateRequestID() string {
	counter := atomic.AddUint64(&requestIDCounter, 1)

	var randomBytes [8]byte
	_, _ = rand.Read(randomBytes[:])
	randomNum := binary.BigEndian.Uint64(randomBytes[:])

	return fmt.Sprintf("%d-%d-%d", time.Now().UnixNano(), counter, randomNum)
}

// Timeout returns a middleware that aborts the stream with CANCEL when the
// handler runs longer than duration. The handler's context is cancelled and
// its later writes fail with ErrResponseTakenOver. Where streams cannot be reset a 504 is sent
// instead if the response has not started.
func Timeout(duration time.Duration) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			timeoutCtx, cancel := context.WithTimeout(ctx.Context(), duration)
			defer cancel()

			// The handler writes through its own view so it can be cut off
			// once the timeout fires.
			inner := ctx.fork()
			inner.withContext(timeoutCtx)
			done := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- fmt.Errorf("panic: %v", r)
					}
				}()
				done <- next.ServeHTTP2(inner)
			}()

			select {
			case err := <-done:
				// A handler that returned because its deadline passed still
				// timed out.
				if !errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
					return err
				}
			case <-timeoutCtx.Done():
			}

			inner.seal()
			if ctx.Closed() {
				// Peer cancelled or the handler terminated the stream.
				return nil
			}
			err := ctx.Abort(http2.ErrCodeCancel)
			if errors.Is(err, ErrResetNotSupported) && !ctx.x.Progress().ResponseStarted {
				ctx.x.ResetBuffer()
				return ctx.String(http.StatusGatewayTimeout, "Gateway Timeout")
			}
			return nil
		})
	}
}

// CompressConfig holds configuration for the Compress middleware.
type CompressConfig struct {
	// Level specifies the compression level (1-9 for gzip, 0-11 for brotli)
	Level int
	// MinSize specifies the minimum response size to compress (default: 1024 bytes)
	MinSize int
	// ExcludedTypes lists content types to skip compression
	ExcludedTypes []string
}

// DefaultCompressConfig returns a CompressConfig with sensible defaults.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6,
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
		},
	}
}

// Compress returns a middleware that compresses response bodies with gzip or brotli.
func Compress() Middleware {
	return CompressWithConfig(DefaultCompressConfig())
}

// CompressWithConfig returns a middleware that compresses buffered response
// bodies. Responses the handler already started sending, and streams that
// were terminated, are left alone.
func CompressWithConfig(config CompressConfig) Middleware {
	if config.MinSize == 0 {
		config.MinSize = 1024
	}
	if config.Level == 0 {
		config.Level = 6
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			acceptEncoding := ctx.Header("accept-encoding")
			supportsBrotli := strings.Contains(acceptEncoding, "br")
			supportsGzip := strings.Contains(acceptEncoding, "gzip")

			err := next.ServeHTTP2(ctx)
			if err != nil || (!supportsBrotli && !supportsGzip) {
				return err
			}
			if ctx.Closed() || ctx.x.Progress().ResponseStarted {
				return nil
			}

			body := ctx.x.Buffered()
			if len(body) < config.MinSize {
				return nil
			}
			contentType := ctx.ResponseHeader("content-type")
			for _, excluded := range config.ExcludedTypes {
				if strings.HasPrefix(contentType, excluded) {
					return nil
				}
			}

			compressed, encoding, cerr := compressBody(body, supportsBrotli, config.Level)
			if cerr != nil || len(compressed) >= len(body) {
				return nil
			}

			ctx.x.ResetBuffer()
			ctx.SetHeader("Content-Encoding", encoding)
			ctx.SetHeader("Vary", "Accept-Encoding")
			_, err = ctx.Write(compressed)
			return err
		})
	}
}

func compressBody(body []byte, useBrotli bool, level int) ([]byte, string, error) {
	var compressed bytes.Buffer
	if useBrotli {
		w := brotli.NewWriterLevel(&compressed, level)
		if _, err := w.Write(body); err != nil {
			_ = w.Close()
			return nil, "", err
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return compressed.Bytes(), "br", nil
	}

	w, err := gzip.NewWriterLevel(&compressed, level)
	if err != nil {
		return nil, "", err
	}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return compressed.Bytes(), "gzip", nil
}
