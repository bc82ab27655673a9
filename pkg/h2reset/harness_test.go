package h2reset

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/albertbausili/h2reset/internal/capability"
	"github.com/albertbausili/h2reset/internal/driver"
	"github.com/albertbausili/h2reset/internal/h2/frame"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

var (
	fullTier    = capability.Profile{Tier: capability.FullReasonSupport}
	genericTier = capability.Profile{Tier: capability.GenericCancelOnly}
	noReset     = capability.Profile{Tier: capability.Unsupported}
)

// conn drives a Handler over one in-memory connection.
type conn struct {
	t   *testing.T
	buf bytes.Buffer
	fr  *http2.Framer
	in  *frame.Reader
	enc *frame.HeaderEncoder
	q   *frame.Queue
	d   *driver.Driver
}

func newConn(t *testing.T, profile capability.Profile, h Handler) *conn {
	c := &conn{t: t, q: frame.NewQueue(512), enc: frame.NewHeaderEncoder()}
	c.fr = http2.NewFramer(&c.buf, nil)
	c.in = frame.NewReader(&c.buf, 1<<16)
	c.d = driver.New(c.q, exchangeHandler{handler: h}, driver.Options{Profile: profile, Logger: zerolog.Nop()})
	t.Cleanup(func() {
		c.d.Close()
		c.d.Wait()
		c.enc.Close()
	})
	return c
}

func (c *conn) send(id uint32, end bool, fields ...[2]string) {
	c.t.Helper()
	block, err := c.enc.Encode(fields)
	require.NoError(c.t, err)
	require.NoError(c.t, c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: block,
		EndStream:     end,
		EndHeaders:    true,
	}))
	c.process()
}

func (c *conn) get(id uint32, path string, extra ...[2]string) {
	c.t.Helper()
	fields := [][2]string{{":method", "GET"}, {":scheme", "https"}, {":authority", "localhost"}, {":path", path}}
	c.send(id, true, append(fields, extra...)...)
}

func (c *conn) post(id uint32, path, body string) {
	c.t.Helper()
	c.send(id, false, [2]string{":method", "POST"}, [2]string{":scheme", "https"}, [2]string{":authority", "localhost"}, [2]string{":path", path})
	require.NoError(c.t, c.fr.WriteData(id, true, []byte(body)))
	c.process()
}

func (c *conn) process() {
	c.t.Helper()
	f, err := c.in.ReadFrame()
	require.NoError(c.t, err)
	require.NoError(c.t, c.d.ProcessFrame(f))
}

func (c *conn) records(id uint32) []frame.Record {
	c.t.Helper()
	records, err := c.q.Stream(id, 2*time.Second, 50*time.Millisecond)
	require.NoError(c.t, err)
	return records
}

func (c *conn) frames(id uint32) []string {
	c.t.Helper()
	return frame.Summaries(c.records(id))
}

// body concatenates the DATA payloads of records.
func body(records []frame.Record) []byte {
	var b []byte
	for _, r := range records {
		if r.Type == http2.FrameData {
			b = append(b, r.Data...)
		}
	}
	return b
}

// syncBuffer collects log output written from handler goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
