// Package driver runs the streams of one HTTP/2 connection. It dispatches
// inbound frames to the stream state machines, hands each request to the
// application and executes terminations through the reset translator.
package driver

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/albertbausili/h2reset/internal/capability"
	"github.com/albertbausili/h2reset/internal/h2/frame"
	"github.com/albertbausili/h2reset/internal/reset"
	"github.com/albertbausili/h2reset/internal/stream"
	"github.com/rs/zerolog"
	"golang.org/x/net/http2"
)

// ErrConnectionClosing is recorded on streams refused after GOAWAY.
var ErrConnectionClosing = errors.New("connection is closing")

// FrameWriter is the outbound framing capability. Implementations may also
// provide Flush() error, which the driver calls after each batch of frames.
type FrameWriter interface {
	WriteSettings(settings ...http2.Setting) error
	WriteSettingsAck() error
	WriteHeaders(streamID uint32, endStream bool, headerBlock []byte, maxFrameSize uint32) error
	WriteData(streamID uint32, endStream bool, data []byte) error
	WriteWindowUpdate(streamID uint32, increment uint32) error
	WriteRSTStream(streamID uint32, code http2.ErrCode) error
	WriteGoAway(lastStreamID uint32, code http2.ErrCode, debugData []byte) error
	WritePing(ack bool, data [8]byte) error
}

// Handler serves one stream. A returned error, or a panic, is an application
// fault. Returning nil without completing completes the response.
type Handler interface {
	ServeStream(x *Exchange) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(x *Exchange) error

// ServeStream implements Handler.
func (f HandlerFunc) ServeStream(x *Exchange) error { return f(x) }

// Options configures a Driver.
type Options struct {
	// Profile is resolved once per connection.
	Profile capability.Profile
	// MaxConcurrentStreams bounds open streams; 0 keeps the manager default.
	MaxConcurrentStreams uint32
	// Submit schedules a handler. It must not block; an error refuses the
	// stream. Nil runs every handler on its own goroutine.
	Submit func(task func()) error
	Logger zerolog.Logger
}

// Driver owns the streams of one connection. ProcessFrame must be called from
// a single goroutine; the Exchange methods may be called from any goroutine.
type Driver struct {
	writer     FrameWriter
	handler    Handler
	profile    capability.Profile
	translator reset.Translator
	streams    *stream.Manager
	submit     func(task func()) error
	log        zerolog.Logger

	// writeMu orders every outbound frame. Stream transitions that emit
	// frames happen under it, so a termination frame is always the last
	// frame of its stream.
	writeMu      sync.Mutex
	encoder      *frame.HeaderEncoder
	maxFrameSize uint32

	mu           sync.Mutex
	exchanges    map[uint32]*Exchange
	goAwaySent   bool
	peerGoneAway bool

	wg sync.WaitGroup
}

// New creates the Driver for one connection.
func New(w FrameWriter, h Handler, opts Options) *Driver {
	d := &Driver{
		writer:       w,
		handler:      h,
		profile:      opts.Profile,
		translator:   reset.New(opts.Profile),
		streams:      stream.NewManager(),
		submit:       opts.Submit,
		log:          opts.Logger,
		encoder:      frame.NewHeaderEncoder(),
		maxFrameSize: frame.DefaultMaxFrameSize,
		exchanges:    make(map[uint32]*Exchange),
	}
	if opts.MaxConcurrentStreams > 0 {
		d.streams.SetMaxConcurrentStreams(opts.MaxConcurrentStreams)
	}
	if d.submit == nil {
		d.submit = func(task func()) error {
			go task()
			return nil
		}
	}
	return d
}

// Profile returns the connection's capability profile.
func (d *Driver) Profile() capability.Profile { return d.profile }

// Streams exposes the stream table for diagnostics.
func (d *Driver) Streams() *stream.Manager { return d.streams }

// ActiveStreams returns the number of streams not yet closed.
func (d *Driver) ActiveStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.exchanges)
}

// SendSettings writes the server SETTINGS that follow the client preface.
func (d *Driver) SendSettings() error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	settings := []http2.Setting{
		{ID: http2.SettingMaxConcurrentStreams, Val: d.streams.GetMaxConcurrentStreams()},
		{ID: http2.SettingMaxFrameSize, Val: 1<<16 - 1},
		{ID: http2.SettingInitialWindowSize, Val: 1 << 20},
	}
	if err := d.writer.WriteSettings(settings...); err != nil {
		return err
	}
	return d.flushLocked()
}

// ProcessFrame handles one inbound frame. A returned http2.ConnectionError
// means the connection must be torn down with GOAWAY.
func (d *Driver) ProcessFrame(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.MetaHeadersFrame:
		return d.handleHeaders(f)
	case *http2.DataFrame:
		return d.handleData(f)
	case *http2.RSTStreamFrame:
		return d.handleRSTStream(f)
	case *http2.SettingsFrame:
		return d.handleSettings(f)
	case *http2.PingFrame:
		return d.handlePing(f)
	case *http2.GoAwayFrame:
		d.mu.Lock()
		d.peerGoneAway = true
		d.mu.Unlock()
		d.log.Debug().Uint32("last_stream_id", f.LastStreamID).Str("code", f.ErrCode.String()).Msg("peer sent GOAWAY")
		return nil
	case *http2.PushPromiseFrame:
		return http2.ConnectionError(http2.ErrCodeProtocol)
	default:
		// WINDOW_UPDATE, PRIORITY and extension frames carry nothing the
		// driver tracks.
		return nil
	}
}

func (d *Driver) handleHeaders(f *http2.MetaHeadersFrame) error {
	id := f.StreamID
	if !d.streams.IsIdle(id) {
		return d.handleTrailers(f)
	}

	s, err := d.streams.Open(id, f.StreamEnded())
	switch {
	case errors.Is(err, stream.ErrTooManyStreams):
		d.refuse(s)
		return nil
	case err != nil:
		d.log.Debug().Err(err).Uint32("stream_id", id).Msg("rejecting HEADERS")
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}

	headers := frame.MetaHeaders(f)
	x := newExchange(d, s, headers)
	d.track(x)

	if f.Truncated {
		d.execute(x, stream.Protocol(http2.ErrCodeProtocol))
		return nil
	}
	if err := stream.ValidateRequestHeaders(headers); err != nil {
		d.log.Debug().Err(err).Uint32("stream_id", id).Msg("malformed request")
		d.execute(x, stream.Protocol(http2.ErrCodeProtocol))
		return nil
	}
	if f.StreamEnded() {
		x.body.closeWithError(io.EOF)
	}
	if d.closing() {
		d.execute(x, stream.Cause{Kind: stream.CauseRefused, Err: ErrConnectionClosing})
		return nil
	}

	d.wg.Add(1)
	if err := d.submit(func() { d.serve(x) }); err != nil {
		d.wg.Done()
		d.log.Warn().Err(err).Uint32("stream_id", id).Msg("handler pool rejected stream")
		d.execute(x, stream.Cause{Kind: stream.CauseRefused, Err: err})
	}
	return nil
}

func (d *Driver) handleTrailers(f *http2.MetaHeadersFrame) error {
	x, ok := d.exchange(f.StreamID)
	if !ok {
		if _, known := d.streams.Get(f.StreamID); known {
			return nil
		}
		// A lower id the peer never opened.
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	if !f.StreamEnded() {
		d.execute(x, stream.Protocol(http2.ErrCodeProtocol))
		return nil
	}
	if err := stream.ValidateTrailerHeaders(frame.MetaHeaders(f)); err != nil {
		d.execute(x, stream.Protocol(http2.ErrCodeProtocol))
		return nil
	}
	return d.endRequest(x, nil)
}

func (d *Driver) handleData(f *http2.DataFrame) error {
	id := f.StreamID
	n := f.Header().Length

	x, ok := d.exchange(id)
	if !ok {
		if d.streams.IsIdle(id) {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		// Frames racing our RST_STREAM are ignored, but still count against
		// the connection window.
		return d.replenish(0, n)
	}

	if f.StreamEnded() {
		if err := d.endRequest(x, f.Data()); err != nil {
			return err
		}
		return d.replenish(0, n)
	}
	if err := x.stream.ReceiveData(false); err != nil {
		d.receiveError(x, err)
		return d.replenish(0, n)
	}
	if err := d.replenish(0, n); err != nil {
		return err
	}
	if x.body.write(f.Data()) {
		// The stream window reopens as the application reads. Padding is
		// never read, so it is returned now.
		return d.replenish(id, n-uint32(len(f.Data())))
	}
	// The handler is done with the body: drain it so the peer can finish.
	return d.replenish(id, n)
}

// endRequest applies the request END_STREAM, from DATA or trailers.
func (d *Driver) endRequest(x *Exchange, data []byte) error {
	s := x.stream
	if err := s.ReceiveData(true); err != nil {
		d.receiveError(x, err)
		return nil
	}
	x.body.write(data)
	x.body.closeWithError(io.EOF)
	if s.State() == stream.StateClosed {
		d.finish(x, reset.Action{Kind: reset.Suppress})
	}
	return nil
}

func (d *Driver) receiveError(x *Exchange, err error) {
	if x.stream.State() == stream.StateClosed {
		return
	}
	d.log.Debug().Err(err).Uint32("stream_id", x.stream.ID).Msg("frame after request END_STREAM")
	d.execute(x, stream.Protocol(http2.ErrCodeStreamClosed))
}

// replenish returns n bytes of consumed DATA to one flow-control window.
// Stream id 0 is the connection window.
func (d *Driver) replenish(id uint32, n uint32) error {
	if n == 0 {
		return nil
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.writer.WriteWindowUpdate(id, n); err != nil {
		return err
	}
	return d.flushLocked()
}

// consumed reopens the stream window by the n bytes the application read.
// Nothing is sent once the peer has finished the request or the stream closed.
func (d *Driver) consumed(s *stream.Stream, n int) {
	if s.State() == stream.StateClosed || s.Progress().RequestEnded {
		return
	}
	if err := d.replenish(s.ID, uint32(n)); err != nil {
		d.log.Debug().Err(err).Uint32("stream_id", s.ID).Msg("window update not written")
	}
}

func (d *Driver) handleRSTStream(f *http2.RSTStreamFrame) error {
	x, ok := d.exchange(f.StreamID)
	if !ok {
		if d.streams.IsIdle(f.StreamID) {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		return nil
	}
	d.execute(x, stream.PeerCancelled(f.ErrCode))
	return nil
}

// RejectStream resets a stream whose HEADERS failed to decode. The id is
// consumed so it can never be opened later.
func (d *Driver) RejectStream(id uint32, code http2.ErrCode) error {
	if d.streams.IsIdle(id) {
		s, err := d.streams.Open(id, true)
		switch {
		case errors.Is(err, stream.ErrTooManyStreams):
		case err != nil:
			return http2.ConnectionError(http2.ErrCodeProtocol)
		default:
			s.Terminate(stream.Protocol(code))
		}
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.writer.WriteRSTStream(id, code); err != nil {
		return err
	}
	return d.flushLocked()
}

func (d *Driver) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if v, ok := f.Value(http2.SettingMaxFrameSize); ok {
		d.maxFrameSize = v
	}
	if err := d.writer.WriteSettingsAck(); err != nil {
		return err
	}
	return d.flushLocked()
}

func (d *Driver) handlePing(f *http2.PingFrame) error {
	if f.IsAck() {
		return nil
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.writer.WritePing(true, f.Data); err != nil {
		return err
	}
	return d.flushLocked()
}

// GoAway sends GOAWAY once. Streams opened afterwards are refused.
func (d *Driver) GoAway(code http2.ErrCode, debug string) error {
	d.mu.Lock()
	if d.goAwaySent {
		d.mu.Unlock()
		return nil
	}
	d.goAwaySent = true
	d.mu.Unlock()

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.writer.WriteGoAway(d.streams.LastStreamID(), code, []byte(debug)); err != nil {
		return err
	}
	d.log.Debug().Str("code", code.String()).Uint32("last_stream_id", d.streams.LastStreamID()).Msg("sent GOAWAY")
	return d.flushLocked()
}

func (d *Driver) closing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.goAwaySent || d.peerGoneAway
}

// Close closes every remaining stream after the connection is gone. No
// frames are written for them.
func (d *Driver) Close() {
	d.mu.Lock()
	d.goAwaySent = true
	open := make([]*Exchange, 0, len(d.exchanges))
	for _, x := range d.exchanges {
		open = append(open, x)
	}
	d.mu.Unlock()

	for _, x := range open {
		d.execute(x, stream.PeerCancelled(http2.ErrCodeCancel))
	}
	if n := d.streams.CloseAll(stream.PeerCancelled(http2.ErrCodeCancel)); n > 0 {
		d.log.Debug().Int("streams", n).Msg("closed untracked streams")
	}

	d.writeMu.Lock()
	d.encoder.Close()
	d.writeMu.Unlock()
}

// Wait blocks until every handler has returned.
func (d *Driver) Wait() {
	d.wg.Wait()
}

func (d *Driver) track(x *Exchange) {
	d.mu.Lock()
	d.exchanges[x.stream.ID] = x
	d.mu.Unlock()
	streamsOpen.Inc()
}

func (d *Driver) exchange(id uint32) (*Exchange, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	x, ok := d.exchanges[id]
	return x, ok
}

func (d *Driver) serve(x *Exchange) {
	defer d.wg.Done()
	// DATA arriving after the handler returns is dropped, never buffered.
	defer x.body.abandon()

	if err := d.invoke(x); err != nil {
		if _, ferr := d.execute(x, stream.AppFault(err)); ferr != nil {
			d.log.Debug().Err(ferr).Uint32("stream_id", x.stream.ID).Msg("fault termination not written")
		}
		return
	}
	p := x.stream.Progress()
	if !p.ResponseEnded && x.stream.State() != stream.StateClosed {
		if err := x.Complete(); err != nil && !errors.Is(err, stream.ErrStreamClosed) {
			d.log.Debug().Err(err).Uint32("stream_id", x.stream.ID).Msg("implicit completion failed")
		}
	}
}

func (d *Driver) invoke(x *Exchange) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return d.handler.ServeStream(x)
}

// execute translates cause and carries out the action. It is idempotent:
// once the stream is closed every later cause is suppressed.
func (d *Driver) execute(x *Exchange, cause stream.Cause) (reset.Action, error) {
	d.writeMu.Lock()
	a, closed, err := d.executeLocked(x, cause)
	d.writeMu.Unlock()
	if closed {
		d.finish(x, a)
	}
	return a, err
}

func (d *Driver) executeLocked(x *Exchange, cause stream.Cause) (reset.Action, bool, error) {
	s := x.stream
	a := d.translator.Translate(cause, s.Progress())
	switch a.Kind {
	case reset.Reject:
		abortRejected.Inc()
		return a, false, a.Err
	case reset.Suppress:
		return a, false, nil
	}
	if !s.Terminate(cause) {
		return reset.Action{Kind: reset.Suppress}, false, nil
	}
	x.discard()
	if err := d.emitLocked(s.ID, a); err != nil {
		return a, true, err
	}
	return a, true, d.flushLocked()
}

// emitLocked writes the frames of a terminating action.
func (d *Driver) emitLocked(id uint32, a reset.Action) error {
	if a.Status != 0 {
		block, err := d.encoder.Encode([][2]string{{":status", strconv.Itoa(a.Status)}})
		if err != nil {
			return err
		}
		if err := d.writer.WriteHeaders(id, false, block, d.maxFrameSize); err != nil {
			return err
		}
	}
	if a.EmptyDataFirst {
		if err := d.writer.WriteData(id, false, nil); err != nil {
			return err
		}
	}
	if a.Status != 0 {
		if err := d.writer.WriteData(id, true, nil); err != nil {
			return err
		}
	}
	if a.Kind == reset.Emit {
		return d.writer.WriteRSTStream(id, a.Code)
	}
	return nil
}

// refuse writes REFUSED_STREAM for a stream the manager closed on open.
func (d *Driver) refuse(s *stream.Stream) {
	a := d.translator.Translate(stream.Refused(), s.Progress())
	d.writeMu.Lock()
	err := d.emitLocked(s.ID, a)
	if err == nil {
		err = d.flushLocked()
	}
	d.writeMu.Unlock()
	if err != nil {
		d.log.Debug().Err(err).Uint32("stream_id", s.ID).Msg("refusal not written")
	}
	streamTerminations.WithLabelValues(stream.CauseRefused.String(), codeLabel(a)).Inc()
	d.log.Debug().Uint32("stream_id", s.ID).Msg("stream refused: concurrency limit")
}

// writeResponse sends the response headers if needed and the buffered body.
// With end set the body is terminated with END_STREAM.
func (d *Driver) writeResponse(x *Exchange, end bool) error {
	d.writeMu.Lock()
	a, closed, err := d.writeResponseLocked(x, end)
	d.writeMu.Unlock()
	if closed {
		d.finish(x, a)
	}
	return err
}

func (d *Driver) writeResponseLocked(x *Exchange, end bool) (reset.Action, bool, error) {
	s := x.stream
	none := reset.Action{Kind: reset.Suppress}

	if s.State() == stream.StateClosed {
		x.discard()
		return none, false, fmt.Errorf("%w: stream %d", stream.ErrStreamClosed, s.ID)
	}
	if !s.Progress().ResponseStarted {
		if err := s.SendHeaders(false); err != nil {
			x.discard()
			return none, false, err
		}
		block, err := d.encoder.Encode(x.responseHeaders())
		if err != nil {
			return none, false, err
		}
		if err := d.writer.WriteHeaders(s.ID, false, block, d.maxFrameSize); err != nil {
			return none, false, err
		}
	}

	body := x.take()
	if end && !x.dataSent && d.translator.EmptyDataBeforeEnd(s.Progress()) {
		if err := s.SendData(false); err != nil {
			return none, false, err
		}
		if err := d.writer.WriteData(s.ID, false, nil); err != nil {
			return none, false, err
		}
		x.dataSent = true
	}
	for len(body) > 0 || end {
		n := min(len(body), int(d.maxFrameSize))
		chunk := body[:n]
		body = body[n:]
		last := end && len(body) == 0
		if err := s.SendData(last); err != nil {
			return none, false, err
		}
		if err := d.writer.WriteData(s.ID, last, chunk); err != nil {
			return none, false, err
		}
		x.dataSent = true
		if last {
			break
		}
	}

	if end {
		if s.State() == stream.StateClosed {
			return none, true, d.flushLocked()
		}
		// Request body still open.
		a, closed, err := d.executeLocked(x, stream.GracefulEnd())
		if err != nil || closed {
			return a, closed, err
		}
	}
	return none, false, d.flushLocked()
}

// finish runs once per tracked stream after it reaches Closed.
func (d *Driver) finish(x *Exchange, a reset.Action) {
	x.finishOnce.Do(func() {
		d.mu.Lock()
		delete(d.exchanges, x.stream.ID)
		d.mu.Unlock()

		x.body.closeWithError(stream.ErrStreamClosed)
		x.body.abandon()
		streamsOpen.Dec()

		cause, _ := x.stream.Cause()
		streamTerminations.WithLabelValues(cause.Kind.String(), codeLabel(a)).Inc()

		ev := d.log.Debug()
		if cause.Kind == stream.CauseAppFault {
			ev = d.log.Warn().AnErr("fault", cause.Err)
		}
		ev.Uint32("stream_id", x.stream.ID).
			Str("cause", cause.Kind.String()).
			Str("action", a.String()).
			Msg("stream closed")
	})
}

func (d *Driver) flushLocked() error {
	if flusher, ok := d.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}
