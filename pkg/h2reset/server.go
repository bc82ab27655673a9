package h2reset

import (
	"context"
	"fmt"
	"sync"

	"github.com/albertbausili/h2reset/internal/capability"
	"github.com/albertbausili/h2reset/internal/h2/transport"
)

// Server represents an HTTP/2 server instance.
type Server struct {
	config  Config
	handler Handler
	ready   chan struct{}

	mu        sync.Mutex
	transport *transport.Server
}

// New creates a new Server with the provided configuration. It panics on an
// invalid configuration.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}

	return &Server{
		config: config,
		ready:  make(chan struct{}),
	}
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Handler sets the request handler and returns the server for method chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.handler = handler
	return s
}

// ListenAndServe sets the handler and starts the server.
func (s *Server) ListenAndServe(handler Handler) error {
	s.handler = handler
	return s.Start()
}

// Start begins accepting HTTP/2 connections. It blocks until the server stops.
func (s *Server) Start() error {
	s.mu.Lock()
	t, err := s.init()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	go func() {
		<-t.Ready()
		close(s.ready)
	}()
	return t.Start()
}

// Ready is closed once the server accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

func (s *Server) init() (*transport.Server, error) {
	if s.handler == nil {
		return nil, fmt.Errorf("handler not set")
	}
	if s.transport != nil {
		return nil, fmt.Errorf("server already started")
	}

	t, err := transport.NewServer(exchangeHandler{handler: s.handler}, transport.Config{
		Addr:                 s.config.Addr,
		Multicore:            s.config.Multicore,
		NumEventLoop:         s.config.NumEventLoop,
		ReusePort:            s.config.ReusePort,
		Logger:               s.config.Logger,
		MaxConcurrentStreams: s.config.MaxConcurrentStreams,
		HandlerPoolSize:      s.config.HandlerPoolSize,
		Thresholds:           s.config.thresholds(),
		Version:              capability.StaticVersion(s.config.PlatformVersion),
	})
	if err != nil {
		return nil, err
	}
	s.transport = t
	return t, nil
}

// Stop sends GOAWAY, waits for in-flight streams until ctx is done and then
// closes every connection.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t != nil {
		return t.Stop(ctx)
	}
	return nil
}
