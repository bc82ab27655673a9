package stream

import (
	"errors"
	"fmt"
	"sync"
)

// ErrTooManyStreams is returned by Open when the concurrency limit is reached.
var ErrTooManyStreams = errors.New("exceeds MAX_CONCURRENT_STREAMS")

// Manager owns the streams of one connection. Streams are kept after they
// close, in creation order, until pruned.
type Manager struct {
	mu               sync.RWMutex
	streams          map[uint32]*Stream
	order            []uint32
	lastClientStream uint32
	maxStreams       uint32
	retainClosed     int
}

// NewManager creates a new stream manager
func NewManager() *Manager {
	return &Manager{
		streams:      make(map[uint32]*Stream),
		maxStreams:   100,
		retainClosed: 128,
	}
}

// SetMaxConcurrentStreams sets the maximum number of concurrent peer-initiated streams allowed.
func (m *Manager) SetMaxConcurrentStreams(n uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxStreams = n
}

// GetMaxConcurrentStreams returns the currently configured max concurrent streams value.
func (m *Manager) GetMaxConcurrentStreams() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxStreams
}

// SetRetainClosed bounds how many closed streams are kept for diagnostics.
func (m *Manager) SetRetainClosed(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retainClosed = n
}

// Open creates the stream for inbound request HEADERS. The id must be odd and
// greater than every id seen before, so a closed stream's state is never
// reused. When the concurrency limit is reached the stream is still created,
// closed with cause Refused, and returned together with ErrTooManyStreams.
func (m *Manager) Open(id uint32, endStream bool) (*Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := validateStreamID(id, m.lastClientStream); err != nil {
		return nil, err
	}
	m.lastClientStream = id

	s := NewStream(id)
	if err := s.ReceiveHeaders(endStream); err != nil {
		return nil, err
	}
	refused := uint32(m.activeLocked()) >= m.maxStreams
	m.streams[id] = s
	m.order = append(m.order, id)
	m.pruneLocked()

	if refused {
		s.Terminate(Refused())
		return s, fmt.Errorf("%w: %d", ErrTooManyStreams, m.maxStreams)
	}
	return s, nil
}

// Get returns a stream by ID
func (m *Manager) Get(id uint32) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[id]
	return s, ok
}

// IsIdle reports whether id has never been opened by the peer.
func (m *Manager) IsIdle(id uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return id > m.lastClientStream
}

// LastStreamID returns the highest client stream id seen.
func (m *Manager) LastStreamID() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastClientStream
}

// Streams returns the retained streams in creation order.
func (m *Manager) Streams() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Stream, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.streams[id])
	}
	return out
}

// Active returns the number of streams that are not closed.
func (m *Manager) Active() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLocked()
}

func (m *Manager) activeLocked() int {
	n := 0
	for _, s := range m.streams {
		if s.State() != StateClosed {
			n++
		}
	}
	return n
}

// pruneLocked drops the oldest closed streams beyond the retention limit.
func (m *Manager) pruneLocked() {
	closed := 0
	for _, id := range m.order {
		if m.streams[id].State() == StateClosed {
			closed++
		}
	}
	excess := closed - m.retainClosed
	if excess <= 0 {
		return
	}
	kept := m.order[:0]
	for _, id := range m.order {
		if excess > 0 && m.streams[id].State() == StateClosed {
			delete(m.streams, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
}

// CloseAll terminates every open stream with cause, e.g. on connection loss.
func (m *Manager) CloseAll(cause Cause) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.streams {
		if s.Terminate(cause) {
			n++
		}
	}
	return n
}
