package h2reset

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/albertbausili/h2reset/internal/capability"
	"github.com/albertbausili/h2reset/internal/driver"
	"github.com/albertbausili/h2reset/internal/stream"
	"golang.org/x/net/http2"
)

// Context represents one HTTP/2 request-response exchange.
//
// Output is buffered until Flush or Complete. A handler that returns nil
// completes the response; a handler that returns an error, or panics, has
// its stream terminated as an application fault.
type Context struct {
	StreamID uint32
	x        *driver.Exchange

	mu     sync.Mutex
	ctx    context.Context
	values map[string]any
	params map[string]string

	// respMu orders response writes against seal.
	respMu sync.Mutex
	sealed bool
}

func newContext(x *driver.Exchange) *Context {
	return &Context{StreamID: x.StreamID(), x: x}
}

// fork returns a Context for the same exchange that can be sealed on its own.
func (c *Context) fork() *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Context{
		StreamID: c.StreamID,
		x:        c.x,
		ctx:      c.ctx,
		values:   maps.Clone(c.values),
		params:   c.params,
	}
}

// seal stops every later response write through c. It waits for a write in
// progress to finish.
func (c *Context) seal() {
	c.respMu.Lock()
	c.sealed = true
	c.respMu.Unlock()
}

// respond runs fn unless c has been sealed.
func (c *Context) respond(fn func() error) error {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	if c.sealed {
		return ErrResponseTakenOver
	}
	return fn()
}

// Method returns the HTTP request method.
func (c *Context) Method() string { return c.x.Method() }

// Path returns the HTTP request path including the query.
func (c *Context) Path() string { return c.x.Path() }

// Scheme returns the HTTP request scheme (http or https).
func (c *Context) Scheme() string { return c.x.Header(":scheme") }

// Authority returns the HTTP request authority (host).
func (c *Context) Authority() string { return c.x.Authority() }

// Header returns a request header. Lookup is case-insensitive.
func (c *Context) Header(name string) string { return c.x.Header(name) }

// Headers returns the full request header block.
func (c *Context) Headers() [][2]string { return c.x.Headers() }

// Body returns the request body reader. Reads fail with ErrStreamClosed
// once the stream is reset.
func (c *Context) Body() io.Reader { return c.x.Body() }

// BodyBytes reads and returns the entire request body as bytes.
func (c *Context) BodyBytes() ([]byte, error) {
	return io.ReadAll(c.x.Body())
}

// BindJSON parses the request body as JSON into the provided value.
func (c *Context) BindJSON(v any) error {
	data, err := c.BodyBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Context is cancelled when the stream closes for any reason. The cause is
// available through context.Cause.
func (c *Context) Context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		return c.ctx
	}
	return c.x.Context()
}

// withContext replaces the context seen by inner handlers and returns the
// previous override.
func (c *Context) withContext(ctx context.Context) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.ctx
	c.ctx = ctx
	return prev
}

// outcome names how the exchange ended, or will end once the handler's
// error is handled.
func (c *Context) outcome(err error) string {
	if cause, ok := c.x.Termination(); ok {
		return cause.Kind.String()
	}
	if err != nil {
		return stream.CauseAppFault.String()
	}
	return stream.CauseGracefulEnd.String()
}

// Profile returns the capability profile of the connection.
func (c *Context) Profile() capability.Profile { return c.x.Profile() }

// SetStatus sets the HTTP response status code.
func (c *Context) SetStatus(code int) {
	_ = c.respond(func() error {
		c.x.SetStatus(code)
		return nil
	})
}

// Status returns the current HTTP response status code.
func (c *Context) Status() int { return c.x.Status() }

// SetHeader sets an HTTP response header. Names are lowercased.
func (c *Context) SetHeader(key, value string) {
	_ = c.respond(func() error {
		c.x.SetHeader(key, value)
		return nil
	})
}

// ResponseHeader returns a response header set so far.
func (c *Context) ResponseHeader(key string) string { return c.x.ResponseHeader(key) }

// Write buffers data for the response body.
func (c *Context) Write(data []byte) (n int, err error) {
	err = c.respond(func() error {
		n, err = c.x.Write(data)
		return err
	})
	return n, err
}

// WriteString buffers a string for the response body.
func (c *Context) WriteString(s string) (int, error) { return c.Write([]byte(s)) }

// String buffers a formatted text response with the given status code.
func (c *Context) String(status int, format string, values ...any) error {
	return c.Data(status, "text/plain; charset=utf-8", fmt.Appendf(nil, format, values...))
}

// JSON buffers a JSON response with the given status code.
func (c *Context) JSON(status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Data(status, "application/json", data)
}

// Data buffers a response with custom content type and data.
func (c *Context) Data(status int, contentType string, data []byte) error {
	return c.respond(func() error {
		c.x.SetStatus(status)
		c.x.SetHeader("content-type", contentType)
		_, err := c.x.Write(data)
		return err
	})
}

// NoContent sets the status of a response without a body.
func (c *Context) NoContent(status int) error {
	return c.respond(func() error {
		c.x.SetStatus(status)
		return nil
	})
}

// Flush sends the response headers, if not yet sent, and the buffered body
// without ending the stream.
func (c *Context) Flush() error { return c.respond(c.x.Flush) }

// Complete sends what is buffered and ends the response.
func (c *Context) Complete() error { return c.respond(c.x.Complete) }

// Abort resets the stream with an application reason code. Peers on
// platforms without reason codes observe CANCEL. Repeated calls do nothing.
// Without stream reset support the call fails with ErrResetNotSupported and
// the response proceeds.
func (c *Context) Abort(code http2.ErrCode) error { return c.x.Abort(code) }

// ReportFault terminates the stream as an application fault, as if the
// handler had returned err.
func (c *Context) ReportFault(err error) error { return c.x.ReportFault(err) }

// Termination returns why the stream closed, once it has.
func (c *Context) Termination() (stream.Cause, bool) { return c.x.Termination() }

// Closed reports whether the stream has terminated.
func (c *Context) Closed() bool {
	_, ok := c.x.Termination()
	return ok
}

// Set stores a key-value pair in the context.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]any, 4)
	}
	c.values[key] = value
}

// Get retrieves a value from the context by key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	val, ok := c.values[key]
	return val, ok
}

// Param returns the value of a route parameter.
func (c *Context) Param(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params[name]
}

func (c *Context) setParams(p map[string]string) {
	c.mu.Lock()
	c.params = p
	c.mu.Unlock()
}

// Query returns the query parameter value for the given key.
func (c *Context) Query(key string) string {
	p := c.Path()
	idx := strings.IndexByte(p, '?')
	if idx < 0 {
		return ""
	}
	values, err := url.ParseQuery(p[idx+1:])
	if err != nil {
		return ""
	}
	return values.Get(key)
}

// QueryInt returns the query parameter value as an integer.
func (c *Context) QueryInt(key string) (int, error) {
	value := c.Query(key)
	if value == "" {
		return 0, fmt.Errorf("query parameter %q not found", key)
	}
	return strconv.Atoi(value)
}
