package integration

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/albertbausili/h2reset/pkg/h2reset"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const (
	fullReasonPlatform    = "10.0.19530"
	genericCancelPlatform = "10.0.17763"
	quirkPlatform         = "10.0.20348"
	legacyPlatform        = "6.3.9600"
)

var testPortCounter uint32

func getTestPort() string {
	// Use atomic counter to ensure unique ports across parallel tests
	port := 21000 + atomic.AddUint32(&testPortCounter, 1)
	return fmt.Sprintf(":%d", port)
}

func waitForServer(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", "127.0.0.1"+addr, 50*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("server %s not ready", addr)
}

func createHTTP2Client() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
		Timeout: 5 * time.Second,
	}
}

// startServer runs handler on a fresh port for a host reporting platform.
func startServer(t *testing.T, platform string, handler h2reset.Handler) string {
	t.Helper()
	config := h2reset.DefaultConfig()
	config.Addr = getTestPort()
	config.Multicore = false
	config.PlatformVersion = platform
	server := h2reset.New(config)

	go func() {
		if err := server.ListenAndServe(handler); err != nil {
			t.Logf("server stopped: %v", err)
		}
	}()
	select {
	case <-server.Ready():
	case <-time.After(5 * time.Second):
		t.Fatalf("server %s did not start", config.Addr)
	}
	require.NoError(t, waitForServer(config.Addr, 2*time.Second))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Stop(ctx)
	})
	return config.Addr
}

// rawClient speaks HTTP/2 frames directly so tests can observe exactly what
// the server writes for each stream.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	fr   *http2.Framer
	enc  *hpack.Encoder
	hbuf bytes.Buffer
}

func dialRaw(t *testing.T, addr string) *rawClient {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1"+addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &rawClient{t: t, conn: conn}
	c.fr = http2.NewFramer(conn, conn)
	c.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	c.enc = hpack.NewEncoder(&c.hbuf)

	_, err = conn.Write([]byte(http2.ClientPreface))
	require.NoError(t, err)
	require.NoError(t, c.fr.WriteSettings())
	return c
}

func (c *rawClient) request(id uint32, method, path string, end bool) {
	c.t.Helper()
	c.hbuf.Reset()
	for _, f := range [][2]string{{":method", method}, {":scheme", "http"}, {":authority", "localhost"}, {":path", path}} {
		require.NoError(c.t, c.enc.WriteField(hpack.HeaderField{Name: f[0], Value: f[1]}))
	}
	require.NoError(c.t, c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: c.hbuf.Bytes(),
		EndStream:     end,
		EndHeaders:    true,
	}))
}

func (c *rawClient) data(id uint32, end bool, payload string) {
	c.t.Helper()
	require.NoError(c.t, c.fr.WriteData(id, end, []byte(payload)))
}

// stream reads frames until stream id ends or is reset and renders them as
// "HEADERS :status=200", "DATA len=12", "DATA len=0 END_STREAM" or
// "RST_STREAM CANCEL". Connection frames and WINDOW_UPDATE are skipped.
func (c *rawClient) stream(id uint32) []string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var out []string
	for {
		f, err := c.fr.ReadFrame()
		require.NoError(c.t, err, "frames so far: %v", out)
		if f.Header().StreamID != id {
			continue
		}
		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			s := fmt.Sprintf("HEADERS :status=%s", f.PseudoValue("status"))
			if f.StreamEnded() {
				s += " END_STREAM"
			}
			out = append(out, s)
			if f.StreamEnded() {
				return c.settle(id, out)
			}
		case *http2.DataFrame:
			s := fmt.Sprintf("DATA len=%d", len(f.Data()))
			if f.StreamEnded() {
				s += " END_STREAM"
			}
			out = append(out, s)
			if f.StreamEnded() {
				return c.settle(id, out)
			}
		case *http2.RSTStreamFrame:
			return append(out, "RST_STREAM "+f.ErrCode.String())
		}
	}
}

// settle collects a RST_STREAM that follows END_STREAM within a short window.
func (c *rawClient) settle(id uint32, out []string) []string {
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	for {
		f, err := c.fr.ReadFrame()
		if err != nil {
			return out
		}
		if rst, ok := f.(*http2.RSTStreamFrame); ok && rst.StreamID == id {
			return append(out, "RST_STREAM "+rst.ErrCode.String())
		}
	}
}
