// Package main runs a demo server with one endpoint per stream termination
// scenario.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/albertbausili/h2reset/pkg/h2reset"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

func main() {
	configPath := flag.String("config", "", "TOML config file")
	addr := flag.String("addr", "", "listen address (overrides config)")
	platform := flag.String("platform-version", "", "host platform version (overrides config)")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	config := h2reset.DefaultConfig()
	if *configPath != "" {
		var err error
		if config, err = h2reset.LoadConfig(*configPath); err != nil {
			logger.Fatal().Err(err).Msg("loading config")
		}
	}
	if *addr != "" {
		config.Addr = *addr
	}
	if *platform != "" {
		config.PlatformVersion = *platform
	}
	level := zerolog.InfoLevel
	if config.LogLevel != "" {
		if l, err := zerolog.ParseLevel(config.LogLevel); err == nil {
			level = l
		}
	}
	logger = logger.Level(level)
	config.Logger = logger

	router := h2reset.NewRouter()
	router.Use(
		h2reset.Logger(logger),
		h2reset.RequestID(),
		h2reset.Prometheus(),
		h2reset.Tracing(),
	)
	routes(router)

	server := h2reset.New(config)
	go func() {
		if err := server.ListenAndServe(router); err != nil {
			logger.Fatal().Err(err).Msg("server stopped")
		}
	}()
	<-server.Ready()
	logger.Info().Str("addr", config.Addr).Str("platform_version", config.PlatformVersion).Msg("demo server running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}

func routes(r *h2reset.Router) {
	r.GET("/", func(ctx *h2reset.Context) error {
		return ctx.String(200, "tier=%s\n", ctx.Profile().Tier)
	})

	// Fault before any response bytes.
	r.GET("/fault", func(ctx *h2reset.Context) error {
		return errors.New("handler failed before responding")
	})

	// Fault after the response headers went out.
	r.GET("/fault-after-headers", func(ctx *h2reset.Context) error {
		if err := ctx.Flush(); err != nil {
			return err
		}
		return errors.New("handler failed mid-response")
	})

	// Abort before any response headers; ?code= selects the reason.
	r.GET("/abort", func(ctx *h2reset.Context) error {
		return ctx.Abort(reason(ctx))
	})

	// Abort after a partial body.
	r.GET("/abort-mid-body", func(ctx *h2reset.Context) error {
		if _, err := ctx.WriteString("partial body"); err != nil {
			return err
		}
		if err := ctx.Flush(); err != nil {
			return err
		}
		return ctx.Abort(reason(ctx))
	})

	// Abort while the request body is still arriving.
	r.POST("/abort-upload", func(ctx *h2reset.Context) error {
		buf := make([]byte, 1)
		if _, err := io.ReadFull(ctx.Body(), buf); err != nil {
			return err
		}
		return ctx.Abort(reason(ctx))
	})

	// Completes while the request body is still arriving.
	r.POST("/early-response", func(ctx *h2reset.Context) error {
		return ctx.String(200, "accepted\n")
	})

	r.POST("/echo", func(ctx *h2reset.Context) error {
		data, err := ctx.BodyBytes()
		if err != nil {
			return err
		}
		return ctx.Data(200, "application/octet-stream", data)
	})

	r.GET("/slow", h2reset.Timeout(100*time.Millisecond)(h2reset.HandlerFunc(func(ctx *h2reset.Context) error {
		select {
		case <-ctx.Context().Done():
			return context.Cause(ctx.Context())
		case <-time.After(time.Second):
			return ctx.String(200, "done\n")
		}
	})).ServeHTTP2)
}

func reason(ctx *h2reset.Context) http2.ErrCode {
	code, err := strconv.ParseUint(ctx.Query("code"), 10, 32)
	if err != nil {
		return 1111
	}
	return http2.ErrCode(code)
}
