package frame

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func TestWriter_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	enc := NewHeaderEncoder()
	defer enc.Close()

	block, err := enc.Encode([][2]string{{":status", "500"}, {"content-type", "text/plain"}})
	require.NoError(t, err)

	require.NoError(t, w.WriteHeaders(1, false, block, 0))
	require.NoError(t, w.WriteData(1, false, nil))
	require.NoError(t, w.WriteData(1, true, nil))
	require.NoError(t, w.WriteRSTStream(1, http2.ErrCodeInternal))
	require.NoError(t, w.Flush())

	r := NewReader(&buf, 1<<16)

	f, err := r.ReadFrame()
	require.NoError(t, err)
	mh, ok := f.(*http2.MetaHeadersFrame)
	require.True(t, ok)
	assert.Equal(t, [][2]string{{":status", "500"}, {"content-type", "text/plain"}}, MetaHeaders(mh))
	assert.False(t, mh.StreamEnded())

	f, err = r.ReadFrame()
	require.NoError(t, err)
	df := f.(*http2.DataFrame)
	assert.Empty(t, df.Data())
	assert.False(t, df.StreamEnded(), "empty non-final DATA must be written")

	f, err = r.ReadFrame()
	require.NoError(t, err)
	assert.True(t, f.(*http2.DataFrame).StreamEnded())

	f, err = r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, http2.ErrCodeInternal, f.(*http2.RSTStreamFrame).ErrCode)
}

func TestWriter_HeadersContinuation(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	enc := NewHeaderEncoder()
	defer enc.Close()

	block, err := enc.Encode([][2]string{{":status", "200"}, {"x-long", strings.Repeat("a", 300)}})
	require.NoError(t, err)
	require.NoError(t, w.WriteHeaders(3, true, block, 100))

	fr := http2.NewFramer(nil, &buf)
	first, err := fr.ReadFrame()
	require.NoError(t, err)
	hf := first.(*http2.HeadersFrame)
	assert.False(t, hf.HeadersEnded())
	assert.True(t, hf.StreamEnded())

	var last http2.Frame
	for {
		f, err := fr.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, http2.FrameContinuation, f.Header().Type)
		last = f
		if f.(*http2.ContinuationFrame).HeadersEnded() {
			break
		}
	}
	assert.Equal(t, uint32(3), last.Header().StreamID)
}

func TestQueue_RecordsInOrder(t *testing.T) {
	q := NewQueue(16)
	enc := NewHeaderEncoder()
	defer enc.Close()

	block, err := enc.Encode([][2]string{{":status", "200"}})
	require.NoError(t, err)

	require.NoError(t, q.WriteHeaders(1, false, block, 0))
	require.NoError(t, q.WriteData(1, false, []byte("partial")))
	require.NoError(t, q.WriteWindowUpdate(1, 7))
	require.NoError(t, q.WriteData(3, true, nil))
	require.NoError(t, q.WriteRSTStream(1, 1111))

	records, err := q.Stream(1, time.Second, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"HEADERS :status=200",
		"DATA len=7",
		"RST_STREAM unknown error code 0x457",
	}, Summaries(records))
	assert.Equal(t, "200", records[0].Header(":status"))
}

func TestQueue_StreamTimesOutWithoutTerminalFrame(t *testing.T) {
	q := NewQueue(4)
	require.NoError(t, q.WriteData(1, false, []byte("x")))

	records, err := q.Stream(1, 30*time.Millisecond, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueTimeout)
	assert.Len(t, records, 1)
}

func TestQueue_CloseAndDrain(t *testing.T) {
	q := NewQueue(4)
	require.NoError(t, q.WritePing(true, [8]byte{1}))
	require.NoError(t, q.WriteSettingsAck())
	q.Close()

	assert.Error(t, q.WriteSettingsAck())
	assert.Equal(t, []string{"PING ACK", "SETTINGS ACK"}, Summaries(q.Drain()))
}

func TestQueue_Full(t *testing.T) {
	q := NewQueue(1)
	require.NoError(t, q.WriteRSTStream(1, http2.ErrCodeCancel))
	assert.Error(t, q.WriteRSTStream(3, http2.ErrCodeCancel))
}

func TestHeaderEncoder_EncodeAfterClose(t *testing.T) {
	enc := NewHeaderEncoder()
	enc.Close()
	enc.Close()

	_, err := enc.Encode([][2]string{{":status", "200"}})
	assert.ErrorIs(t, err, ErrEncoderClosed)
}
