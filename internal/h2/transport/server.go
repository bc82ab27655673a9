// Package transport provides HTTP/2 server transport implementation using gnet.
// It parses frames off the event loop and hands them to one stream driver per
// connection.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/albertbausili/h2reset/internal/capability"
	"github.com/albertbausili/h2reset/internal/driver"
	"github.com/albertbausili/h2reset/internal/h2/frame"
	"github.com/panjf2000/ants/v2"
	"github.com/panjf2000/gnet/v2"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

const (
	// HTTP/2 connection preface
	http2Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

	prefaceTimeout = time.Second
	frameHeaderLen = 9
)

// Server implements the gnet.EventHandler interface for HTTP/2 connections.
type Server struct {
	gnet.BuiltinEventEngine
	handler  driver.Handler
	config   Config
	resolver *capability.Resolver
	pool     *ants.Pool
	logger   zerolog.Logger
	engine   gnet.Engine
	ready    chan struct{}
	readyOne sync.Once

	activeConns   []gnet.Conn
	activeConnsMu sync.Mutex
}

// Config defines the configuration options for the HTTP/2 transport server.
type Config struct {
	Addr                 string
	Multicore            bool
	NumEventLoop         int
	ReusePort            bool
	Logger               zerolog.Logger
	MaxConcurrentStreams uint32
	// HandlerPoolSize bounds concurrently running handlers across all
	// connections. Streams that cannot be scheduled are refused.
	HandlerPoolSize int
	Thresholds      capability.Thresholds
	// Version is queried once per connection.
	Version capability.VersionSource
}

// NewServer creates a new HTTP/2 server with gnet transport engine.
func NewServer(handler driver.Handler, config Config) (*Server, error) {
	resolver, err := capability.NewResolver(config.Thresholds)
	if err != nil {
		return nil, err
	}
	if config.HandlerPoolSize <= 0 {
		config.HandlerPoolSize = 10000
	}
	pool, err := ants.NewPool(config.HandlerPoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("handler pool: %w", err)
	}
	return &Server{
		handler:  handler,
		config:   config,
		resolver: resolver,
		pool:     pool,
		logger:   config.Logger,
		ready:    make(chan struct{}),
	}, nil
}

// Ready is closed once the listener accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Start runs the event loops. It blocks until the engine stops.
func (s *Server) Start() error {
	options := []gnet.Option{
		gnet.WithMulticore(s.config.Multicore),
		gnet.WithReusePort(s.config.ReusePort),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
	}
	if s.config.NumEventLoop > 0 {
		options = append(options, gnet.WithNumEventLoop(s.config.NumEventLoop))
	}

	s.logger.Info().Str("addr", s.config.Addr).Msg("starting HTTP/2 server")
	return gnet.Run(s, "tcp://"+s.config.Addr, options...)
}

// Stop sends GOAWAY on every connection, waits for open streams to drain or
// ctx to expire, then closes connections and the engine.
func (s *Server) Stop(ctx context.Context) error {
	s.activeConnsMu.Lock()
	conns := make([]gnet.Conn, len(s.activeConns))
	copy(conns, s.activeConns)
	s.activeConnsMu.Unlock()

	for _, c := range conns {
		if conn, ok := c.Context().(*Connection); ok {
			_ = conn.Shutdown(ctx)
		}
	}
	for _, c := range conns {
		_ = c.Close()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.engine.Stop(stopCtx); err != nil {
		s.logger.Warn().Err(err).Msg("stopping gnet engine")
	}
	s.pool.Release()
	s.logger.Info().Msg("server shutdown complete")
	return nil
}

// OnBoot is called when the server is ready to accept connections
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.logger.Info().Str("addr", s.config.Addr).Bool("multicore", s.config.Multicore).Msg("HTTP/2 server listening")
	s.readyOne.Do(func() { close(s.ready) })
	return gnet.None
}

// OnOpen resolves the capability profile for the new connection.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	profile, err := s.profile()
	if err != nil {
		s.logger.Warn().Err(err).Msg("platform version unavailable; streams have no reset support")
	}

	conn := NewConnection(c, s.handler, driver.Options{
		Profile:              profile,
		MaxConcurrentStreams: s.config.MaxConcurrentStreams,
		Submit:               s.pool.Submit,
		Logger:               s.logger.With().Str("remote", c.RemoteAddr().String()).Logger(),
	})
	c.SetContext(conn)

	s.activeConnsMu.Lock()
	s.activeConns = append(s.activeConns, c)
	s.activeConnsMu.Unlock()

	s.logger.Debug().
		Str("remote", c.RemoteAddr().String()).
		Str("tier", profile.Tier.String()).
		Bool("empty_data_quirk", profile.EmptyDataBeforeReset).
		Msg("connection opened")
	return nil, gnet.None
}

func (s *Server) profile() (capability.Profile, error) {
	if s.config.Version == nil {
		return capability.Profile{Tier: capability.Unsupported}, errors.New("no platform version source")
	}
	return s.resolver.ProfileFrom(s.config.Version)
}

// OnClose is called when a connection is closed
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if conn, ok := c.Context().(*Connection); ok {
		conn.Close()
	}

	s.activeConnsMu.Lock()
	for i, conn := range s.activeConns {
		if conn == c {
			s.activeConns[i] = s.activeConns[len(s.activeConns)-1]
			s.activeConns = s.activeConns[:len(s.activeConns)-1]
			break
		}
	}
	s.activeConnsMu.Unlock()

	ev := s.logger.Debug()
	if err != nil {
		ev = ev.Err(err)
	}
	ev.Str("remote", c.RemoteAddr().String()).Msg("connection closed")
	return gnet.None
}

// OnTraffic is called when data is received on a connection
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	conn, ok := c.Context().(*Connection)
	if !ok {
		s.logger.Error().Msg("connection context not found")
		return gnet.Close
	}

	buf, err := c.Next(-1)
	if err != nil {
		s.logger.Debug().Err(err).Msg("reading connection")
		return gnet.Close
	}

	if err := conn.HandleData(buf); err != nil {
		s.logger.Debug().Err(err).Str("remote", c.RemoteAddr().String()).Msg("closing connection")
		return gnet.Close
	}
	return gnet.None
}

// Connection represents an HTTP/2 connection over gnet
type Connection struct {
	conn            gnet.Conn
	driver          *driver.Driver
	reader          *frame.Reader
	writer          *frame.Writer
	buffer          *bytes.Buffer
	prefaceReceived bool
	prefaceStart    time.Time
	logger          zerolog.Logger
}

// NewConnection creates the connection state and its stream driver.
func NewConnection(c gnet.Conn, handler driver.Handler, opts driver.Options) *Connection {
	conn := &Connection{
		conn:         c,
		buffer:       new(bytes.Buffer),
		prefaceStart: time.Now(),
		logger:       opts.Logger,
	}
	conn.writer = frame.NewWriter(&connWriter{conn: c})
	conn.reader = frame.NewReader(&bufferReader{c: conn}, 1<<20)
	conn.driver = driver.New(conn.writer, handler, opts)
	return conn
}

// Driver returns the connection's stream driver.
func (c *Connection) Driver() *driver.Driver { return c.driver }

// HandleData consumes bytes read from the socket. A returned error closes the
// connection.
func (c *Connection) HandleData(data []byte) error {
	c.buffer.Write(data)

	if !c.prefaceReceived {
		done, err := c.readPreface()
		if err != nil || !done {
			return err
		}
	}

	for frameReady(c.buffer.Bytes()) {
		f, err := c.reader.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				if err := c.driver.RejectStream(se.StreamID, se.Code); err != nil {
					return c.connectionError(err)
				}
				continue
			}
			return c.connectionError(err)
		}
		if err := c.driver.ProcessFrame(f); err != nil {
			return c.connectionError(err)
		}
	}
	return nil
}

func (c *Connection) readPreface() (bool, error) {
	n := min(c.buffer.Len(), len(http2Preface))
	if !bytes.HasPrefix([]byte(http2Preface), c.buffer.Bytes()[:n]) {
		_ = c.driver.GoAway(http2.ErrCodeProtocol, "invalid connection preface")
		return false, errors.New("invalid connection preface")
	}
	if n < len(http2Preface) {
		if time.Since(c.prefaceStart) > prefaceTimeout {
			return false, errors.New("preface timeout")
		}
		return false, nil
	}
	c.buffer.Next(len(http2Preface))
	c.prefaceReceived = true
	if err := c.driver.SendSettings(); err != nil {
		return false, fmt.Errorf("failed to send server preface: %w", err)
	}
	return true, nil
}

// connectionError sends GOAWAY for protocol failures and reports the error so
// the event loop closes the connection.
func (c *Connection) connectionError(err error) error {
	code := http2.ErrCodeProtocol
	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		code = http2.ErrCode(ce)
	}
	if detail := c.reader.ErrorDetail(); detail != nil {
		err = fmt.Errorf("%w: %v", err, detail)
	}
	_ = c.driver.GoAway(code, err.Error())
	return err
}

// frameReady reports whether buf starts with a frame http2.Framer can read
// without blocking. A HEADERS frame is only ready together with every
// CONTINUATION frame of its header block.
func frameReady(buf []byte) bool {
	off := 0
	for {
		if len(buf)-off < frameHeaderLen {
			return false
		}
		length := int(uint32(buf[off])<<16 | uint32(buf[off+1])<<8 | uint32(buf[off+2]))
		ftype := http2.FrameType(buf[off+3])
		flags := http2.Flags(buf[off+4])
		end := off + frameHeaderLen + length
		if len(buf) < end {
			return false
		}
		if ftype != http2.FrameHeaders && ftype != http2.FrameContinuation {
			return true
		}
		if flags.Has(http2.FlagHeadersEndHeaders) {
			return true
		}
		if off > 0 && ftype != http2.FrameContinuation {
			// Interleaved frame; let the framer report it.
			return true
		}
		off = end
	}
}

// Close releases per-connection state after the socket closed.
func (c *Connection) Close() {
	c.driver.Close()
}

// Shutdown sends GOAWAY(NO_ERROR) and waits for open streams to finish.
func (c *Connection) Shutdown(ctx context.Context) error {
	if err := c.driver.GoAway(http2.ErrCodeNo, "server shutting down"); err != nil {
		c.logger.Debug().Err(err).Msg("failed to send GOAWAY")
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for c.driver.ActiveStreams() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// bufferReader adapts Connection's buffer to an io.Reader that drains as frames are read by http2.Framer.
type bufferReader struct {
	c *Connection
}

func (br *bufferReader) Read(p []byte) (int, error) {
	if br.c.buffer.Len() == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	return br.c.buffer.Read(p)
}

// connWriter collects framed bytes and hands them to gnet on Flush. Callers
// serialize Write and Flush.
type connWriter struct {
	conn    gnet.Conn
	mu      sync.Mutex
	pending [][]byte
}

func (w *connWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.mu.Lock()
	w.pending = append(w.pending, bytes.Clone(p))
	w.mu.Unlock()
	return len(p), nil
}

// Flush queues pending frames on the connection's event loop.
func (w *connWriter) Flush() error {
	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	return w.conn.AsyncWritev(batch, nil)
}

