package h2reset

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/albertbausili/h2reset/internal/capability"
	"github.com/albertbausili/h2reset/internal/h2/frame"
	"github.com/albertbausili/h2reset/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func TestContext_StringCompletesOnReturn(t *testing.T) {
	c := newConn(t, fullTier, HandlerFunc(func(ctx *Context) error {
		return ctx.String(201, "hello %s", "world")
	}))
	c.get(1, "/")

	records := c.records(1)
	assert.Equal(t, []string{"HEADERS :status=201", "DATA len=11 END_STREAM"}, frame.Summaries(records))
	assert.Equal(t, "text/plain; charset=utf-8", records[0].Header("content-type"))
	assert.Equal(t, "hello world", string(body(records)))
}

func TestContext_JSON(t *testing.T) {
	c := newConn(t, fullTier, HandlerFunc(func(ctx *Context) error {
		return ctx.JSON(200, map[string]string{"tier": ctx.Profile().Tier.String()})
	}))
	c.get(1, "/")

	records := c.records(1)
	assert.Equal(t, "application/json", records[0].Header("content-type"))
	assert.JSONEq(t, `{"tier":"full-reason"}`, string(body(records)))
}

func TestContext_RequestAccessors(t *testing.T) {
	type seen struct {
		method, path, scheme, authority, agent, query string
		n                                            int
		nerr                                         error
	}
	got := make(chan seen, 1)

	c := newConn(t, fullTier, HandlerFunc(func(ctx *Context) error {
		n, err := ctx.QueryInt("n")
		got <- seen{
			method:    ctx.Method(),
			path:      ctx.Path(),
			scheme:    ctx.Scheme(),
			authority: ctx.Authority(),
			agent:     ctx.Header("User-Agent"),
			query:     ctx.Query("q"),
			n:         n,
			nerr:      err,
		}
		return ctx.NoContent(204)
	}))
	c.get(1, "/search?q=a%20b&n=3", [2]string{"user-agent", "test"})

	s := <-got
	assert.Equal(t, "GET", s.method)
	assert.Equal(t, "/search?q=a%20b&n=3", s.path)
	assert.Equal(t, "https", s.scheme)
	assert.Equal(t, "localhost", s.authority)
	assert.Equal(t, "test", s.agent)
	assert.Equal(t, "a b", s.query)
	require.NoError(t, s.nerr)
	assert.Equal(t, 3, s.n)
	assert.Equal(t, []string{"HEADERS :status=204", "DATA len=0 END_STREAM"}, c.frames(1))
}

func TestContext_BindJSON(t *testing.T) {
	c := newConn(t, fullTier, HandlerFunc(func(ctx *Context) error {
		var in struct {
			Name string `json:"name"`
		}
		if err := ctx.BindJSON(&in); err != nil {
			return err
		}
		return ctx.String(200, "hi %s", in.Name)
	}))
	c.post(1, "/", `{"name":"ana"}`)

	assert.Equal(t, "hi ana", string(body(c.records(1))))
}

func TestContext_Values(t *testing.T) {
	c := newConn(t, fullTier, HandlerFunc(func(ctx *Context) error {
		_, ok := ctx.Get("missing")
		assert.False(t, ok)
		ctx.Set("k", 42)
		v, ok := ctx.Get("k")
		assert.True(t, ok)
		assert.Equal(t, 42, v)
		return nil
	}))
	c.get(1, "/")
	c.frames(1)
}

func TestContext_AbortRecordsTermination(t *testing.T) {
	type result struct {
		first, second error
		cause         stream.Cause
		ctxErr        error
		writeErr      error
	}
	got := make(chan result, 1)

	c := newConn(t, fullTier, HandlerFunc(func(ctx *Context) error {
		var r result
		r.first = ctx.Abort(1111)
		r.second = ctx.Abort(7)
		r.cause, _ = ctx.Termination()
		r.ctxErr = context.Cause(ctx.Context())
		_, r.writeErr = ctx.WriteString("late")
		got <- r
		return nil
	}))
	c.get(1, "/")

	assert.Equal(t, []string{rst1111}, c.frames(1))
	r := <-got
	require.NoError(t, r.first)
	require.NoError(t, r.second)
	assert.Equal(t, stream.AppAbort(1111), r.cause)
	assert.ErrorIs(t, r.ctxErr, ErrStreamClosed)
	assert.ErrorIs(t, r.writeErr, ErrStreamClosed)
}

func TestContext_AbortWithoutResetSupport(t *testing.T) {
	errs := make(chan error, 1)
	c := newConn(t, noReset, HandlerFunc(func(ctx *Context) error {
		errs <- ctx.Abort(http2.ErrCodeCancel)
		return ctx.String(200, "still here")
	}))
	c.get(1, "/")

	records := c.records(1)
	assert.ErrorIs(t, <-errs, ErrResetNotSupported)
	assert.Equal(t, "still here", string(body(records)))
	assert.Equal(t, "HEADERS :status=200", records[0].String())
}

func TestContext_FaultAfterFlush(t *testing.T) {
	c := newConn(t, genericTier, HandlerFunc(func(ctx *Context) error {
		if _, err := ctx.WriteString("partial"); err != nil {
			return err
		}
		if err := ctx.Flush(); err != nil {
			return err
		}
		return errors.New("backend went away")
	}))
	c.get(1, "/")

	assert.Equal(t, []string{"HEADERS :status=200", "DATA len=7", "RST_STREAM CANCEL"}, c.frames(1))
}

func TestContext_ReportFault(t *testing.T) {
	c := newConn(t, capability.Profile{Tier: capability.FullReasonSupport, EmptyDataBeforeReset: true},
		HandlerFunc(func(ctx *Context) error {
			_ = ctx.ReportFault(errors.New("bad state"))
			assert.True(t, ctx.Closed())
			return nil
		}))
	c.get(1, "/")

	assert.Equal(t, []string{"HEADERS :status=500", "DATA len=0", "DATA len=0 END_STREAM", "RST_STREAM INTERNAL_ERROR"}, c.frames(1))
}

func TestContext_BodyUnblockedByPeerCancel(t *testing.T) {
	errs := make(chan error, 1)
	c := newConn(t, fullTier, HandlerFunc(func(ctx *Context) error {
		_, err := io.ReadAll(ctx.Body())
		errs <- err
		return err
	}))
	c.send(1, false, [2]string{":method", "PUT"}, [2]string{":scheme", "https"}, [2]string{":path", "/upload"})
	require.NoError(t, c.fr.WriteRSTStream(1, http2.ErrCodeCancel))
	c.process()

	assert.ErrorIs(t, <-errs, ErrStreamClosed)
}

const rst1111 = "RST_STREAM unknown error code 0x457"
