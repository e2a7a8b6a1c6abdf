package transporttest

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/energizer-project/proxytransport/internal/buffer"
	"github.com/energizer-project/proxytransport/internal/network"
)

// Link is an in-memory network.Link. Frames pushed with Deliver are read
// by the session; frames the session writes are collected.
type Link struct {
	// StatsFunc backs Stats. Nil reports no native statistics.
	StatsFunc func() (network.Stats, error)

	in     chan *buffer.Buffer
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	written  [][]byte
	activity time.Time
	notify   chan struct{}
}

// NewLink returns an open link.
func NewLink() *Link {
	return &Link{
		in:     make(chan *buffer.Buffer, 64),
		closed: make(chan struct{}),
		notify: make(chan struct{}, 1024),
	}
}

// Deliver queues a frame payload for the session to read.
func (l *Link) Deliver(payload []byte) {
	select {
	case l.in <- buffer.Default.Copy(payload):
	case <-l.closed:
	}
}

// ReadFrame implements network.Link.
func (l *Link) ReadFrame() (*buffer.Buffer, error) {
	select {
	case b := <-l.in:
		return b, nil
	case <-l.closed:
		return nil, io.EOF
	}
}

// WriteFrame implements network.Link.
func (l *Link) WriteFrame(parts ...[]byte) error {
	select {
	case <-l.closed:
		return network.ErrConnectionClosed
	default:
	}

	frame := bytes.Join(parts, nil)
	l.mu.Lock()
	l.written = append(l.written, frame)
	l.activity = time.Now()
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

// LastActivity returns when the last frame was written, or the zero time.
func (l *Link) LastActivity() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.activity
}

// Close implements network.Link.
func (l *Link) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

// IsClosed implements network.Link.
func (l *Link) IsClosed() bool {
	select {
	case <-l.closed:
		return true
	default:
		return false
	}
}

func (l *Link) Kind() network.Kind { return network.KindTCP }

func (l *Link) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func (l *Link) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 19132}
}

// Stats implements network.Link.
func (l *Link) Stats() (network.Stats, error) {
	if l.StatsFunc == nil {
		return network.Stats{}, network.ErrStatsUnsupported
	}
	return l.StatsFunc()
}

// Written returns the frame payloads written so far.
func (l *Link) Written() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.written...)
}

// WaitWritten blocks until at least n frames were written or the timeout
// passes, and returns what was written.
func (l *Link) WaitWritten(n int, timeout time.Duration) [][]byte {
	deadline := time.After(timeout)
	for {
		if got := l.Written(); len(got) >= n {
			return got
		}
		select {
		case <-l.notify:
		case <-deadline:
			return l.Written()
		}
	}
}

// Closed is closed once the link is.
func (l *Link) Closed() <-chan struct{} {
	return l.closed
}
