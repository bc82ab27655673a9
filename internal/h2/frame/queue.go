package frame

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// ErrQueueTimeout is returned when no frame arrives in time.
var ErrQueueTimeout = errors.New("frame queue: timed out waiting for frame")

// Record is one outbound frame as observed by a Queue.
type Record struct {
	Type      http2.FrameType
	StreamID  uint32
	EndStream bool
	Ack       bool
	Headers   [][2]string
	Data      []byte
	Code      http2.ErrCode
	Settings  []http2.Setting
	Increment uint32
}

// Header returns the first value of name in a HEADERS record.
func (r Record) Header(name string) string {
	for _, h := range r.Headers {
		if h[0] == name {
			return h[1]
		}
	}
	return ""
}

// String renders the record compactly, e.g. "HEADERS :status=200",
// "DATA len=0 END_STREAM" or "RST_STREAM CANCEL".
func (r Record) String() string {
	var b strings.Builder
	b.WriteString(r.Type.String())
	switch r.Type {
	case http2.FrameHeaders:
		if s := r.Header(":status"); s != "" {
			fmt.Fprintf(&b, " :status=%s", s)
		}
	case http2.FrameData:
		fmt.Fprintf(&b, " len=%d", len(r.Data))
	case http2.FrameRSTStream, http2.FrameGoAway:
		fmt.Fprintf(&b, " %s", r.Code)
	case http2.FrameSettings, http2.FramePing:
		if r.Ack {
			b.WriteString(" ACK")
		}
	case http2.FrameWindowUpdate:
		fmt.Fprintf(&b, " +%d", r.Increment)
	}
	if r.EndStream {
		b.WriteString(" END_STREAM")
	}
	return b.String()
}

// Queue is an in-memory frame writer that records every frame in write order
// on a channel. Header blocks are HPACK-decoded as they are written, so a
// Queue must observe every HEADERS frame of its connection.
type Queue struct {
	mu      sync.Mutex
	decoder *HeaderDecoder
	frames  chan Record
	closed  bool
}

// NewQueue creates a Queue buffering up to size records.
func NewQueue(size int) *Queue {
	return &Queue{
		decoder: NewHeaderDecoder(HeaderTableSize),
		frames:  make(chan Record, size),
	}
}

func (q *Queue) push(r Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("frame queue closed")
	}
	select {
	case q.frames <- r:
		return nil
	default:
		return errors.New("frame queue full")
	}
}

// WriteSettings implements the frame writer contract.
func (q *Queue) WriteSettings(settings ...http2.Setting) error {
	return q.push(Record{Type: http2.FrameSettings, Settings: append([]http2.Setting(nil), settings...)})
}

// WriteSettingsAck implements the frame writer contract.
func (q *Queue) WriteSettingsAck() error {
	return q.push(Record{Type: http2.FrameSettings, Ack: true})
}

// WriteHeaders decodes headerBlock and records it as a single HEADERS frame.
func (q *Queue) WriteHeaders(streamID uint32, endStream bool, headerBlock []byte, _ uint32) error {
	q.mu.Lock()
	headers, err := q.decoder.Decode(headerBlock)
	q.mu.Unlock()
	if err != nil {
		return err
	}
	return q.push(Record{Type: http2.FrameHeaders, StreamID: streamID, EndStream: endStream, Headers: headers})
}

// WriteData implements the frame writer contract.
func (q *Queue) WriteData(streamID uint32, endStream bool, data []byte) error {
	return q.push(Record{Type: http2.FrameData, StreamID: streamID, EndStream: endStream, Data: append([]byte{}, data...)})
}

// WriteWindowUpdate implements the frame writer contract.
func (q *Queue) WriteWindowUpdate(streamID uint32, increment uint32) error {
	return q.push(Record{Type: http2.FrameWindowUpdate, StreamID: streamID, Increment: increment})
}

// WriteRSTStream implements the frame writer contract.
func (q *Queue) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	return q.push(Record{Type: http2.FrameRSTStream, StreamID: streamID, Code: code})
}

// WriteGoAway implements the frame writer contract.
func (q *Queue) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debugData []byte) error {
	return q.push(Record{Type: http2.FrameGoAway, StreamID: lastStreamID, Code: code, Data: append([]byte{}, debugData...)})
}

// WritePing implements the frame writer contract.
func (q *Queue) WritePing(ack bool, data [8]byte) error {
	return q.push(Record{Type: http2.FramePing, Ack: ack, Data: data[:]})
}

// Close stops accepting frames. Records already queued can still be read.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.frames)
	}
}

// Next returns the next record or ErrQueueTimeout.
func (q *Queue) Next(timeout time.Duration) (Record, error) {
	select {
	case r, ok := <-q.frames:
		if !ok {
			return Record{}, errors.New("frame queue closed")
		}
		return r, nil
	case <-time.After(timeout):
		return Record{}, ErrQueueTimeout
	}
}

// Stream collects the records of streamID, skipping WINDOW_UPDATE and other
// streams. It returns once a RST_STREAM or END_STREAM frame has been seen and
// nothing else arrives within settle.
func (q *Queue) Stream(streamID uint32, timeout, settle time.Duration) ([]Record, error) {
	var out []Record
	deadline := time.Now().Add(timeout)
	wait := timeout
	for {
		r, err := q.Next(wait)
		if err != nil {
			if errors.Is(err, ErrQueueTimeout) && len(out) > 0 && terminal(out[len(out)-1]) {
				return out, nil
			}
			return out, err
		}
		if r.StreamID == streamID && r.Type != http2.FrameWindowUpdate && r.Type != http2.FrameGoAway {
			out = append(out, r)
		}
		wait = time.Until(deadline)
		if len(out) > 0 && terminal(out[len(out)-1]) {
			wait = min(wait, settle)
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
	}
}

// Drain returns every record currently queued without waiting.
func (q *Queue) Drain() []Record {
	var out []Record
	for {
		select {
		case r, ok := <-q.frames:
			if !ok {
				return out
			}
			out = append(out, r)
		default:
			return out
		}
	}
}

func terminal(r Record) bool {
	return r.Type == http2.FrameRSTStream || r.EndStream
}

// Summaries renders records with Record.String.
func Summaries(records []Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.String()
	}
	return out
}
