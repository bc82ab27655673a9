// Package reset decides what goes on the wire when a stream terminates.
package reset

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/albertbausili/h2reset/internal/capability"
	"github.com/albertbausili/h2reset/internal/stream"
	"golang.org/x/net/http2"
)

// ErrResetNotSupported is returned when an application abort is requested on
// a transport with no stream concept.
var ErrResetNotSupported = errors.New("stream reset not supported on this transport")

// Kind is the action to take for a termination cause.
type Kind int

const (
	// Suppress leaves the stream untouched and writes nothing.
	Suppress Kind = iota
	// Emit closes the stream and writes RST_STREAM with Code.
	Emit
	// Respond closes the stream with an ordinary failure response and no
	// RST_STREAM.
	Respond
	// Close marks the stream closed without writing anything.
	Close
	// Reject fails the triggering call with Err.
	Reject
)

func (k Kind) String() string {
	switch k {
	case Suppress:
		return "suppress"
	case Emit:
		return "emit"
	case Respond:
		return "respond"
	case Close:
		return "close"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Action is the translated termination.
type Action struct {
	Kind Kind
	Code http2.ErrCode
	// Status, when non-zero, is the failure response to synthesize before
	// anything else: HEADERS(:status) then DATA(len 0, END_STREAM).
	Status int
	// EmptyDataFirst inserts a zero-length DATA frame without END_STREAM
	// directly after the response headers.
	EmptyDataFirst bool
	Err            error
}

func (a Action) String() string {
	switch a.Kind {
	case Emit:
		s := fmt.Sprintf("emit(%s)", a.Code)
		if a.Status != 0 {
			s = fmt.Sprintf("%d+%s", a.Status, s)
		}
		if a.EmptyDataFirst {
			s += "+empty-data"
		}
		return s
	case Respond:
		return fmt.Sprintf("respond(%d)", a.Status)
	default:
		return a.Kind.String()
	}
}

// Translator maps termination causes onto actions for one connection.
type Translator struct {
	Tier capability.Tier
	// EmptyDataBeforeReset enables the platform quirk for app faults.
	EmptyDataBeforeReset bool
}

// New builds the Translator for a resolved profile.
func New(p capability.Profile) Translator {
	return Translator{Tier: p.Tier, EmptyDataBeforeReset: p.EmptyDataBeforeReset}
}

// Translate maps cause on a tier without platform quirks.
func Translate(cause stream.Cause, tier capability.Tier, p stream.Progress) Action {
	return Translator{Tier: tier}.Translate(cause, p)
}

// Translate returns the action for cause given the stream's framing progress.
func (t Translator) Translate(cause stream.Cause, p stream.Progress) Action {
	switch cause.Kind {
	case stream.CauseAppFault:
		return t.fault(p)
	case stream.CauseAppAbort:
		switch t.Tier {
		case capability.FullReasonSupport:
			return Action{Kind: Emit, Code: cause.Code}
		case capability.GenericCancelOnly:
			return Action{Kind: Emit, Code: http2.ErrCodeCancel}
		default:
			return Action{Kind: Reject, Err: fmt.Errorf("abort(%d): %w", uint32(cause.Code), ErrResetNotSupported)}
		}
	case stream.CausePeerCancelled:
		return Action{Kind: Close}
	case stream.CauseGracefulEnd:
		// The response is complete but the peer is still sending. Only a
		// full-reason host can tell it to stop without signalling failure.
		if t.Tier == capability.FullReasonSupport && p.ResponseEnded && !p.RequestEnded {
			return Action{Kind: Emit, Code: http2.ErrCodeNo}
		}
		return Action{Kind: Suppress}
	case stream.CauseRefused:
		return Action{Kind: Emit, Code: http2.ErrCodeRefusedStream}
	case stream.CauseProtocol:
		return Action{Kind: Emit, Code: cause.Code}
	default:
		return Action{Kind: Suppress}
	}
}

// EmptyDataBeforeEnd reports whether the platform quirk puts a zero-length
// DATA frame ahead of the response's first DATA frame when the response
// completes while the request body is still open, the case answered with
// RST_STREAM(NO_ERROR).
func (t Translator) EmptyDataBeforeEnd(p stream.Progress) bool {
	return t.EmptyDataBeforeReset && t.Tier == capability.FullReasonSupport && !p.RequestEnded
}

func (t Translator) fault(p stream.Progress) Action {
	if p.ResponseEnded {
		return Action{Kind: Suppress}
	}
	if !p.ResponseStarted {
		if t.Tier == capability.Unsupported {
			return Action{Kind: Respond, Status: http.StatusInternalServerError}
		}
		return Action{
			Kind:           Emit,
			Code:           http2.ErrCodeInternal,
			Status:         http.StatusInternalServerError,
			EmptyDataFirst: t.EmptyDataBeforeReset,
		}
	}
	code := http2.ErrCodeInternal
	if t.Tier != capability.FullReasonSupport {
		code = http2.ErrCodeCancel
	}
	return Action{Kind: Emit, Code: code, EmptyDataFirst: t.EmptyDataBeforeReset}
}
