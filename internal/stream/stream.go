// Package stream implements the per-stream HTTP/2 lifecycle: states, legal
// transitions and the single recorded termination cause.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the state of an HTTP/2 stream
type State int

// Stream states. The response-side states refine RFC 7540 "open".
const (
	StateIdle State = iota
	StateHeadersReceived
	StateResponseHeadersSent
	StateResponseBodyOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHeadersReceived:
		return "headers-received"
	case StateResponseHeadersSent:
		return "response-headers-sent"
	case StateResponseBodyOpen:
		return "response-body-open"
	case StateHalfClosedLocal:
		return "half-closed-local"
	case StateHalfClosedRemote:
		return "half-closed-remote"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrStreamClosed is returned for any frame sent or received on a stream
	// that can no longer carry it.
	ErrStreamClosed = errors.New("stream closed")
	// ErrInvalidTransition is returned when a frame is not legal in the
	// current state.
	ErrInvalidTransition = errors.New("invalid stream transition")
)

// Stream represents an HTTP/2 stream
type Stream struct {
	ID      uint32
	Created time.Time

	mu                     sync.RWMutex
	state                  State
	requestBodyEndReceived bool
	responseStarted        bool
	responseEnded          bool
	cause                  Cause
	closed                 time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewStream creates a new stream
func NewStream(id uint32) *Stream {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Stream{
		ID:      id,
		Created: time.Now(),
		state:   StateIdle,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Context is cancelled once the stream reaches Closed.
func (s *Stream) Context() context.Context {
	return s.ctx
}

// State returns the current stream state
func (s *Stream) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Cause returns the termination cause, if one has been recorded.
func (s *Stream) Cause() (Cause, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cause, s.cause.Kind != CauseNone
}

// Progress snapshots the framing flags.
func (s *Stream) Progress() Progress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Progress{
		RequestEnded:    s.requestBodyEndReceived,
		ResponseStarted: s.responseStarted,
		ResponseEnded:   s.responseEnded,
	}
}

// ClosedAt returns when the stream reached Closed, or the zero time.
func (s *Stream) ClosedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// ReceiveHeaders applies the request HEADERS.
func (s *Stream) ReceiveHeaders(endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle:
		s.state = StateHeadersReceived
		if endStream {
			s.requestBodyEndReceived = true
			s.state = StateHalfClosedRemote
		}
		return nil
	case StateClosed:
		return s.closedErr()
	default:
		return fmt.Errorf("%w: HEADERS in %s", ErrInvalidTransition, s.state)
	}
}

// ReceiveData applies an inbound DATA frame (or trailers when endStream is
// carried by HEADERS).
func (s *Stream) ReceiveData(endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle:
		return fmt.Errorf("%w: DATA on idle stream", ErrInvalidTransition)
	case StateClosed, StateHalfClosedRemote:
		return s.closedErr()
	}
	if s.requestBodyEndReceived {
		return s.closedErr()
	}
	if !endStream {
		return nil
	}
	s.requestBodyEndReceived = true
	switch s.state {
	case StateHeadersReceived:
		s.state = StateHalfClosedRemote
	case StateHalfClosedLocal:
		s.closeLocked(GracefulEnd())
	}
	return nil
}

// SendHeaders applies the response HEADERS.
func (s *Stream) SendHeaders(endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateHeadersReceived, StateHalfClosedRemote:
		s.state = StateResponseHeadersSent
		s.responseStarted = true
		if endStream {
			s.endLocalLocked()
		}
		return nil
	case StateClosed:
		return s.closedErr()
	default:
		return fmt.Errorf("%w: response HEADERS in %s", ErrInvalidTransition, s.state)
	}
}

// SendData applies an outbound DATA frame.
func (s *Stream) SendData(endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateResponseHeadersSent, StateResponseBodyOpen:
		if endStream {
			s.endLocalLocked()
		} else {
			s.state = StateResponseBodyOpen
		}
		return nil
	case StateClosed, StateHalfClosedLocal:
		return s.closedErr()
	default:
		return fmt.Errorf("%w: DATA before response headers in %s", ErrInvalidTransition, s.state)
	}
}

func (s *Stream) endLocalLocked() {
	s.responseEnded = true
	if s.requestBodyEndReceived {
		s.closeLocked(GracefulEnd())
		return
	}
	s.state = StateHalfClosedLocal
}

// Terminate moves the stream to Closed and records cause. It reports false,
// changing nothing, when the stream was already closed.
func (s *Stream) Terminate(cause Cause) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.closeLocked(cause)
	return true
}

func (s *Stream) closeLocked(cause Cause) {
	s.state = StateClosed
	if s.cause.Kind == CauseNone {
		s.cause = cause
	}
	s.closed = time.Now()
	s.cancel(ErrStreamClosed)
}

func (s *Stream) closedErr() error {
	if s.cause.Kind != CauseNone {
		return fmt.Errorf("%w: stream %d (%s)", ErrStreamClosed, s.ID, s.cause)
	}
	return fmt.Errorf("%w: stream %d", ErrStreamClosed, s.ID)
}
