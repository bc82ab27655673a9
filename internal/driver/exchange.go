package driver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/albertbausili/h2reset/internal/capability"
	"github.com/albertbausili/h2reset/internal/stream"
	"golang.org/x/net/http2"
)

// Exchange is the application's view of one stream: the request, a buffered
// response and the termination calls.
type Exchange struct {
	d       *Driver
	stream  *stream.Stream
	headers [][2]string
	body    *requestBody

	mu         sync.Mutex
	status     int
	respHeader [][2]string
	buf        []byte

	// dataSent is guarded by the driver's write lock.
	dataSent bool

	finishOnce sync.Once
}

func newExchange(d *Driver, s *stream.Stream, headers [][2]string) *Exchange {
	body := newRequestBody()
	body.release = func(n int) { d.consumed(s, n) }
	return &Exchange{
		d:       d,
		stream:  s,
		headers: headers,
		body:    body,
		status:  http.StatusOK,
	}
}

// StreamID returns the HTTP/2 stream id.
func (x *Exchange) StreamID() uint32 { return x.stream.ID }

// Context is cancelled when the stream closes for any reason.
func (x *Exchange) Context() context.Context { return x.stream.Context() }

// Profile returns the connection's capability profile.
func (x *Exchange) Profile() capability.Profile { return x.d.profile }

// Headers returns the request header block, pseudo-headers first.
func (x *Exchange) Headers() [][2]string { return x.headers }

// Header returns the first request header named name.
func (x *Exchange) Header(name string) string {
	name = strings.ToLower(name)
	for _, h := range x.headers {
		if h[0] == name {
			return h[1]
		}
	}
	return ""
}

// Method returns :method.
func (x *Exchange) Method() string { return x.Header(":method") }

// Path returns :path.
func (x *Exchange) Path() string { return x.Header(":path") }

// Authority returns :authority.
func (x *Exchange) Authority() string { return x.Header(":authority") }

// Body reads the request body. Reads block until DATA arrives and fail with
// stream.ErrStreamClosed once the stream is reset.
func (x *Exchange) Body() io.Reader { return x.body }

// SetStatus sets the response status. It has no effect once headers are sent.
func (x *Exchange) SetStatus(code int) {
	x.mu.Lock()
	x.status = code
	x.mu.Unlock()
}

// Status returns the response status.
func (x *Exchange) Status() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.status
}

// SetHeader replaces a response header.
func (x *Exchange) SetHeader(name, value string) {
	name = strings.ToLower(name)
	x.mu.Lock()
	defer x.mu.Unlock()
	for i, h := range x.respHeader {
		if h[0] == name {
			x.respHeader[i][1] = value
			return
		}
	}
	x.respHeader = append(x.respHeader, [2]string{name, value})
}

// ResponseHeader returns the first response header named name.
func (x *Exchange) ResponseHeader(name string) string {
	name = strings.ToLower(name)
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, h := range x.respHeader {
		if h[0] == name {
			return h[1]
		}
	}
	return ""
}

// Write buffers response body bytes until Flush or Complete. Output for a
// closed stream is discarded and reported as an error.
func (x *Exchange) Write(p []byte) (int, error) {
	if x.stream.State() == stream.StateClosed || x.stream.Progress().ResponseEnded {
		return 0, fmt.Errorf("%w: stream %d", stream.ErrStreamClosed, x.stream.ID)
	}
	x.mu.Lock()
	x.buf = append(x.buf, p...)
	x.mu.Unlock()
	return len(p), nil
}

// Buffered returns the response bytes not yet flushed.
func (x *Exchange) Buffered() []byte {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf
}

// ResetBuffer drops unflushed response bytes.
func (x *Exchange) ResetBuffer() { x.discard() }

// Flush sends the response headers, if not yet sent, and the buffered body
// without END_STREAM.
func (x *Exchange) Flush() error {
	return x.d.writeResponse(x, false)
}

// Complete sends any pending headers and body and ends the response.
func (x *Exchange) Complete() error {
	return x.d.writeResponse(x, true)
}

// ReportFault terminates the stream as an application fault.
func (x *Exchange) ReportFault(err error) error {
	_, werr := x.d.execute(x, stream.AppFault(err))
	return werr
}

// Abort resets the stream with an application reason code. A second call,
// or a call after the stream closed, does nothing. Transports without stream
// resets fail with reset.ErrResetNotSupported.
func (x *Exchange) Abort(code http2.ErrCode) error {
	_, err := x.d.execute(x, stream.AppAbort(code))
	return err
}

// Termination returns the recorded termination cause.
func (x *Exchange) Termination() (stream.Cause, bool) {
	return x.stream.Cause()
}

// Progress reports the framing progress of the stream.
func (x *Exchange) Progress() stream.Progress {
	return x.stream.Progress()
}

func (x *Exchange) responseHeaders() [][2]string {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([][2]string, 0, len(x.respHeader)+1)
	out = append(out, [2]string{":status", strconv.Itoa(x.status)})
	return append(out, x.respHeader...)
}

func (x *Exchange) take() []byte {
	x.mu.Lock()
	defer x.mu.Unlock()
	b := x.buf
	x.buf = nil
	return b
}

func (x *Exchange) discard() {
	x.mu.Lock()
	x.buf = nil
	x.mu.Unlock()
}
