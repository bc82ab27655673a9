// Package frame reads and writes HTTP/2 frames on top of http2.Framer.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// DefaultMaxFrameSize is the RFC 7540 initial SETTINGS_MAX_FRAME_SIZE.
const DefaultMaxFrameSize = 16384

// HeaderTableSize is the HPACK dynamic table size used on both directions.
const HeaderTableSize = 4096

// Reader parses inbound frames. HEADERS and their CONTINUATION frames are
// merged into a single *http2.MetaHeadersFrame.
type Reader struct {
	framer *http2.Framer
}

// NewReader binds a Reader to r. The same Reader must be used for the whole
// connection so the HPACK decoder state and CONTINUATION expectations carry
// across frames.
func NewReader(r io.Reader, maxHeaderListSize uint32) *Reader {
	fr := http2.NewFramer(nil, r)
	fr.SetMaxReadFrameSize(1 << 20)
	fr.ReadMetaHeaders = hpack.NewDecoder(HeaderTableSize, nil)
	fr.MaxHeaderListSize = maxHeaderListSize
	return &Reader{framer: fr}
}

// ReadFrame reads the next frame.
func (r *Reader) ReadFrame() (http2.Frame, error) {
	return r.framer.ReadFrame()
}

// ErrorDetail returns extra information about the last ReadFrame error.
func (r *Reader) ErrorDetail() error {
	return r.framer.ErrorDetail()
}

// Writer handles HTTP/2 frame writing
type Writer struct {
	framer *http2.Framer
	writer io.Writer
	mu     sync.Mutex
}

// NewWriter creates a new frame writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		framer: http2.NewFramer(w, nil),
		writer: w,
	}
}

// Flush flushes any buffered data
func (w *Writer) Flush() error {
	if flusher, ok := w.writer.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	return nil
}

// WriteSettings writes a SETTINGS frame
func (w *Writer) WriteSettings(settings ...http2.Setting) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteSettings(settings...)
}

// WriteSettingsAck writes a SETTINGS acknowledgment frame
func (w *Writer) WriteSettingsAck() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteSettingsAck()
}

// WriteHeaders writes HEADERS (and CONTINUATION) frames, fragmenting by maxFrameSize
func (w *Writer) WriteHeaders(streamID uint32, endStream bool, headerBlock []byte, maxFrameSize uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}

	remaining := headerBlock
	first := true
	for first || len(remaining) > 0 {
		n := min(len(remaining), int(maxFrameSize))
		frag := remaining[:n]
		remaining = remaining[n:]

		var flags http2.Flags
		ftype := http2.FrameContinuation
		if first {
			ftype = http2.FrameHeaders
			if endStream {
				flags |= http2.FlagHeadersEndStream
			}
		}
		if len(remaining) == 0 {
			flags |= http2.FlagHeadersEndHeaders
		}
		if err := w.framer.WriteRawFrame(ftype, flags, streamID, frag); err != nil {
			return err
		}
		first = false
	}
	return nil
}

// WriteData writes a DATA frame. Zero-length frames without END_STREAM are
// written as given.
func (w *Writer) WriteData(streamID uint32, endStream bool, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteData(streamID, endStream, data)
}

// WriteWindowUpdate writes a WINDOW_UPDATE frame
func (w *Writer) WriteWindowUpdate(streamID uint32, increment uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteWindowUpdate(streamID, increment)
}

// WriteRSTStream writes a RST_STREAM frame
func (w *Writer) WriteRSTStream(streamID uint32, code http2.ErrCode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteRSTStream(streamID, code)
}

// WriteGoAway writes a GOAWAY frame
func (w *Writer) WriteGoAway(lastStreamID uint32, code http2.ErrCode, debugData []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WriteGoAway(lastStreamID, code, debugData)
}

// WritePing writes a PING frame
func (w *Writer) WritePing(ack bool, data [8]byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.framer.WritePing(ack, data)
}

// ErrEncoderClosed is returned by Encode after Close.
var ErrEncoderClosed = errors.New("header encoder closed")

// HeaderEncoder encodes HTTP headers using HPACK. It keeps the dynamic table
// of one connection and is not safe for concurrent use.
type HeaderEncoder struct {
	encoder *hpack.Encoder
	buf     *bytes.Buffer
}

// headerBufPool reuses temporary buffers used during HPACK encoding to reduce allocations.
var headerBufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// NewHeaderEncoder creates a new header encoder
func NewHeaderEncoder() *HeaderEncoder {
	buf, ok := headerBufPool.Get().(*bytes.Buffer)
	if !ok {
		buf = new(bytes.Buffer)
	}
	buf.Reset()
	return &HeaderEncoder{
		encoder: hpack.NewEncoder(buf),
		buf:     buf,
	}
}

// Encode encodes headers to HPACK format. The result is a copy.
func (e *HeaderEncoder) Encode(headers [][2]string) ([]byte, error) {
	if e.buf == nil {
		return nil, ErrEncoderClosed
	}
	e.buf.Reset()
	for _, h := range headers {
		if err := e.encoder.WriteField(hpack.HeaderField{Name: h[0], Value: h[1]}); err != nil {
			return nil, err
		}
	}
	return bytes.Clone(e.buf.Bytes()), nil
}

// Close releases internal resources back to the pool. The encoder instance should
// not be used after Close.
func (e *HeaderEncoder) Close() {
	if e.buf != nil {
		e.buf.Reset()
		headerBufPool.Put(e.buf)
		e.buf = nil
		e.encoder = hpack.NewEncoder(io.Discard)
	}
}

// HeaderDecoder decodes HTTP headers using HPACK
type HeaderDecoder struct {
	decoder *hpack.Decoder
}

// NewHeaderDecoder creates a new header decoder
func NewHeaderDecoder(maxSize uint32) *HeaderDecoder {
	return &HeaderDecoder{
		decoder: hpack.NewDecoder(maxSize, nil),
	}
}

// Decode decodes a complete HPACK header block.
func (d *HeaderDecoder) Decode(data []byte) ([][2]string, error) {
	fields, err := d.decoder.DecodeFull(data)
	if err != nil {
		return nil, fmt.Errorf("hpack decode error: %w", err)
	}
	headers := make([][2]string, 0, len(fields))
	for _, hf := range fields {
		headers = append(headers, [2]string{hf.Name, hf.Value})
	}
	return headers, nil
}

// MetaHeaders flattens a decoded HEADERS frame into name/value pairs.
func MetaHeaders(f *http2.MetaHeadersFrame) [][2]string {
	headers := make([][2]string, 0, len(f.Fields))
	for _, hf := range f.Fields {
		headers = append(headers, [2]string{hf.Name, hf.Value})
	}
	return headers
}
