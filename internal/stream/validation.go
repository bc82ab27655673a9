package stream

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidStreamID is a connection-level PROTOCOL_ERROR on a new stream id.
var ErrInvalidStreamID = errors.New("invalid stream id")

// ValidateRequestHeaders checks the decoded request header block: lowercase
// names, pseudo-headers first and unique, the required :method, :scheme and
// :path, and no connection-specific fields.
func ValidateRequestHeaders(headers [][2]string) error {
	var (
		seenRegular bool
		seenPseudo  = make(map[string]bool, 4)
	)

	for _, h := range headers {
		name, value := h[0], h[1]
		if name != strings.ToLower(name) {
			return fmt.Errorf("header field name must be lowercase: %s", name)
		}

		if !strings.HasPrefix(name, ":") {
			seenRegular = true
			if err := checkFieldAllowed(name, value); err != nil {
				return err
			}
			continue
		}

		if seenRegular {
			return fmt.Errorf("pseudo-header %s appears after regular header", name)
		}
		if seenPseudo[name] {
			return fmt.Errorf("duplicate pseudo-header: %s", name)
		}
		seenPseudo[name] = true

		switch name {
		case ":method", ":scheme", ":authority":
		case ":path":
			if value == "" {
				return fmt.Errorf("empty :path pseudo-header")
			}
		default:
			return fmt.Errorf("unknown pseudo-header: %s", name)
		}
	}

	for _, required := range [...]string{":method", ":scheme", ":path"} {
		if !seenPseudo[required] {
			return fmt.Errorf("missing required %s pseudo-header", required)
		}
	}
	return nil
}

// ValidateTrailerHeaders validates trailing headers for HTTP/2 requests.
// Trailers MUST NOT contain pseudo-headers and follow the same connection-specific
// header restrictions as regular headers.
func ValidateTrailerHeaders(headers [][2]string) error {
	for _, h := range headers {
		name := h[0]
		if name != strings.ToLower(name) {
			return fmt.Errorf("header field name must be lowercase: %s", name)
		}
		if strings.HasPrefix(name, ":") {
			return fmt.Errorf("pseudo-header not allowed in trailers: %s", name)
		}
		if err := checkFieldAllowed(name, h[1]); err != nil {
			return fmt.Errorf("trailers: %w", err)
		}
	}
	return nil
}

func checkFieldAllowed(name, value string) error {
	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
		return fmt.Errorf("connection-specific header not allowed: %s", name)
	case "te":
		if value != "trailers" {
			return fmt.Errorf("TE header must be 'trailers', got: %s", value)
		}
	}
	return nil
}

func validateStreamID(streamID uint32, lastClientStream uint32) error {
	if streamID == 0 {
		return fmt.Errorf("%w: stream ID 0 is reserved", ErrInvalidStreamID)
	}
	if streamID%2 == 0 {
		return fmt.Errorf("%w: client sent even-numbered stream ID: %d", ErrInvalidStreamID, streamID)
	}
	if streamID <= lastClientStream {
		return fmt.Errorf("%w: stream ID %d is not greater than last stream %d", ErrInvalidStreamID, streamID, lastClientStream)
	}
	return nil
}
