package stream

import (
	"fmt"

	"golang.org/x/net/http2"
)

// CauseKind tags why a stream stopped.
type CauseKind int

// Termination cause kinds
const (
	CauseNone CauseKind = iota
	CauseAppFault
	CauseAppAbort
	CausePeerCancelled
	CauseGracefulEnd
	CauseRefused
	CauseProtocol
)

func (k CauseKind) String() string {
	switch k {
	case CauseNone:
		return "none"
	case CauseAppFault:
		return "app_fault"
	case CauseAppAbort:
		return "app_abort"
	case CausePeerCancelled:
		return "peer_cancelled"
	case CauseGracefulEnd:
		return "graceful_end"
	case CauseRefused:
		return "refused"
	case CauseProtocol:
		return "protocol_error"
	default:
		return fmt.Sprintf("cause(%d)", int(k))
	}
}

// Cause records why a stream was terminated. Code is the application reason
// for CauseAppAbort, the peer's code for CausePeerCancelled and the stream
// error code for CauseProtocol; Err carries the application fault or the
// reason a stream was refused.
type Cause struct {
	Kind CauseKind
	Code http2.ErrCode
	Err  error
}

// AppFault is an unhandled application error or panic.
func AppFault(err error) Cause { return Cause{Kind: CauseAppFault, Err: err} }

// AppAbort is an explicit application reset with an opaque reason code.
func AppAbort(code http2.ErrCode) Cause { return Cause{Kind: CauseAppAbort, Code: code} }

// PeerCancelled is a RST_STREAM received from the peer.
func PeerCancelled(code http2.ErrCode) Cause { return Cause{Kind: CausePeerCancelled, Code: code} }

// GracefulEnd is a completed exchange.
func GracefulEnd() Cause { return Cause{Kind: CauseGracefulEnd} }

// Refused is a stream the server would not process.
func Refused() Cause { return Cause{Kind: CauseRefused} }

// Protocol is a stream error caused by the peer breaking framing rules.
func Protocol(code http2.ErrCode) Cause { return Cause{Kind: CauseProtocol, Code: code} }

func (c Cause) String() string {
	switch c.Kind {
	case CauseAppAbort, CausePeerCancelled, CauseProtocol:
		return fmt.Sprintf("%s(%d)", c.Kind, uint32(c.Code))
	case CauseAppFault:
		if c.Err != nil {
			return fmt.Sprintf("%s(%v)", c.Kind, c.Err)
		}
	}
	return c.Kind.String()
}

// Progress is the framing progress of a stream as seen by the termination
// logic.
type Progress struct {
	RequestEnded    bool
	ResponseStarted bool
	ResponseEnded   bool
}
