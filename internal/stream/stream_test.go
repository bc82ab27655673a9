package stream

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func TestStream_GracefulExchange(t *testing.T) {
	s := NewStream(1)
	require.NoError(t, s.ReceiveHeaders(true))
	assert.Equal(t, StateHalfClosedRemote, s.State())

	require.NoError(t, s.SendHeaders(false))
	assert.Equal(t, StateResponseHeadersSent, s.State())

	require.NoError(t, s.SendData(false))
	assert.Equal(t, StateResponseBodyOpen, s.State())

	require.NoError(t, s.SendData(true))
	assert.Equal(t, StateClosed, s.State())

	cause, ok := s.Cause()
	require.True(t, ok)
	assert.Equal(t, CauseGracefulEnd, cause.Kind)
	assert.Error(t, s.Context().Err())
	assert.False(t, s.ClosedAt().IsZero())
}

func TestStream_RequestBodyThenResponse(t *testing.T) {
	s := NewStream(3)
	require.NoError(t, s.ReceiveHeaders(false))
	assert.Equal(t, StateHeadersReceived, s.State())

	require.NoError(t, s.ReceiveData(false))
	assert.Equal(t, StateHeadersReceived, s.State())

	require.NoError(t, s.ReceiveData(true))
	assert.Equal(t, StateHalfClosedRemote, s.State())
	assert.True(t, s.Progress().RequestEnded)

	err := s.ReceiveData(false)
	assert.True(t, errors.Is(err, ErrStreamClosed))
}

func TestStream_ResponseEndsBeforeRequest(t *testing.T) {
	s := NewStream(5)
	require.NoError(t, s.ReceiveHeaders(false))
	require.NoError(t, s.SendHeaders(false))
	require.NoError(t, s.SendData(true))
	assert.Equal(t, StateHalfClosedLocal, s.State())
	assert.Equal(t, Progress{ResponseStarted: true, ResponseEnded: true}, s.Progress())

	assert.ErrorIs(t, s.SendData(false), ErrStreamClosed)

	require.NoError(t, s.ReceiveData(true))
	assert.Equal(t, StateClosed, s.State())
	cause, _ := s.Cause()
	assert.Equal(t, CauseGracefulEnd, cause.Kind)
}

func TestStream_RequestEndsAfterResponseHeaders(t *testing.T) {
	s := NewStream(7)
	require.NoError(t, s.ReceiveHeaders(false))
	require.NoError(t, s.SendHeaders(false))
	require.NoError(t, s.ReceiveData(true))
	assert.Equal(t, StateResponseHeadersSent, s.State())

	assert.ErrorIs(t, s.ReceiveData(true), ErrStreamClosed)

	require.NoError(t, s.SendData(true))
	assert.Equal(t, StateClosed, s.State())
}

func TestStream_HeadersWithEndStream(t *testing.T) {
	s := NewStream(9)
	require.NoError(t, s.ReceiveHeaders(true))
	require.NoError(t, s.SendHeaders(true))
	assert.Equal(t, StateClosed, s.State())
}

func TestStream_InvalidTransitions(t *testing.T) {
	s := NewStream(1)
	assert.ErrorIs(t, s.ReceiveData(false), ErrInvalidTransition)
	assert.ErrorIs(t, s.SendHeaders(false), ErrInvalidTransition)
	assert.ErrorIs(t, s.SendData(false), ErrInvalidTransition)

	require.NoError(t, s.ReceiveHeaders(false))
	assert.ErrorIs(t, s.ReceiveHeaders(false), ErrInvalidTransition)
	assert.ErrorIs(t, s.SendData(false), ErrInvalidTransition, "DATA must follow response HEADERS")

	require.NoError(t, s.SendHeaders(false))
	assert.ErrorIs(t, s.SendHeaders(false), ErrInvalidTransition)
}

func TestStream_TerminateOnce(t *testing.T) {
	s := NewStream(1)
	require.NoError(t, s.ReceiveHeaders(false))

	assert.True(t, s.Terminate(AppAbort(1111)))
	assert.False(t, s.Terminate(AppFault(errors.New("late"))))
	assert.False(t, s.Terminate(PeerCancelled(http2.ErrCodeCancel)))

	cause, ok := s.Cause()
	require.True(t, ok)
	assert.Equal(t, CauseAppAbort, cause.Kind)
	assert.Equal(t, http2.ErrCode(1111), cause.Code)
	assert.ErrorIs(t, context.Cause(s.Context()), ErrStreamClosed)
}

func TestStream_ClosedRejectsEverything(t *testing.T) {
	s := NewStream(1)
	require.NoError(t, s.ReceiveHeaders(true))
	require.True(t, s.Terminate(PeerCancelled(http2.ErrCodeCancel)))

	for name, err := range map[string]error{
		"receive headers": s.ReceiveHeaders(false),
		"receive data":    s.ReceiveData(false),
		"send headers":    s.SendHeaders(false),
		"send data":       s.SendData(true),
	} {
		assert.ErrorIs(t, err, ErrStreamClosed, name)
	}
	assert.Equal(t, StateClosed, s.State())
}

func TestStream_GracefulEndDominatesLateFault(t *testing.T) {
	s := NewStream(1)
	require.NoError(t, s.ReceiveHeaders(true))
	require.NoError(t, s.SendHeaders(false))
	require.NoError(t, s.SendData(true))

	assert.False(t, s.Terminate(AppFault(errors.New("finalizer failed"))))
	cause, _ := s.Cause()
	assert.Equal(t, CauseGracefulEnd, cause.Kind)
}

func TestCause_String(t *testing.T) {
	assert.Equal(t, "app_abort(1111)", AppAbort(1111).String())
	assert.Equal(t, "peer_cancelled(8)", PeerCancelled(http2.ErrCodeCancel).String())
	assert.Equal(t, "app_fault(boom)", AppFault(errors.New("boom")).String())
	assert.Equal(t, "graceful_end", GracefulEnd().String())
	assert.Equal(t, "refused", Refused().String())
	assert.Equal(t, "protocol_error(5)", Protocol(http2.ErrCodeStreamClosed).String())
	assert.Equal(t, "none", Cause{}.String())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "half-closed-remote", StateHalfClosedRemote.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "state(42)", State(42).String())
}
