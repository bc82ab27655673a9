package driver

import (
	"bytes"
	"io"
	"sync"
)

// requestBody carries inbound DATA to the application. Writes come from the
// connection read loop and never block; reads block until data arrives or the
// body is closed. The peer cannot send more than the stream window, which is
// only reopened through release as the application reads.
type requestBody struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  bytes.Buffer
	err  error
	// closed for writes once the application has finished with the stream
	done bool
	// release is called with the number of bytes each Read consumed.
	release func(n int)
}

func newRequestBody() *requestBody {
	b := &requestBody{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Read implements io.Reader.
func (b *requestBody) Read(p []byte) (int, error) {
	b.mu.Lock()
	for b.buf.Len() == 0 && b.err == nil {
		b.cond.Wait()
	}
	if b.buf.Len() == 0 {
		err := b.err
		b.mu.Unlock()
		return 0, err
	}
	n, _ := b.buf.Read(p)
	release := b.release
	b.mu.Unlock()

	if release != nil && n > 0 {
		release(n)
	}
	return n, nil
}

// write buffers p for the application. It reports false once the body has
// been abandoned or closed, in which case p is dropped.
func (b *requestBody) write(p []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil || b.done {
		return false
	}
	if len(p) > 0 {
		b.buf.Write(p)
		b.cond.Signal()
	}
	return true
}

// buffered returns the number of bytes waiting to be read.
func (b *requestBody) buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// closeWithError ends the body. The first error wins; io.EOF marks a
// complete request body.
func (b *requestBody) closeWithError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
	b.cond.Broadcast()
}

// abandon drops buffered data and makes later writes no-ops.
func (b *requestBody) abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.done = true
	b.buf.Reset()
}

var _ io.Reader = (*requestBody)(nil)
