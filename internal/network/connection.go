// Package network dials downstream servers and carries length-prefixed
// frames over TCP connections and QUIC streams.
package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/proxytransport/internal/buffer"
	"github.com/energizer-project/proxytransport/internal/protocol"
)

const (
	// DefaultWriteTimeout bounds a single frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultWriteQueue is the number of frames a connection buffers for
	// its writer goroutine.
	DefaultWriteQueue = 1024

	readBufferSize  = 64 * 1024
	writeBufferSize = 64 * 1024
)

var (
	// ErrConnectionClosed is returned when writing to a closed connection.
	ErrConnectionClosed = errors.New("connection is closed")
	// ErrWriteQueueFull is returned when the peer does not keep up with
	// the frames written to it.
	ErrWriteQueueFull = errors.New("write queue is full")
)

// Kind is the transport a link runs over.
type Kind string

const (
	KindTCP  Kind = "tcp"
	KindQUIC Kind = "quic"
)

// ParseKind parses a transport name. The empty string selects TCP.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "", KindTCP:
		return KindTCP, nil
	case KindQUIC:
		return KindQUIC, nil
	}
	return "", fmt.Errorf("unknown transport kind %q", s)
}

// Link is one framed, bidirectional byte stream to a downstream server.
type Link interface {
	// ReadFrame blocks for the next frame. The caller owns the buffer.
	ReadFrame() (*buffer.Buffer, error)
	// WriteFrame queues one frame made of parts without blocking. The
	// parts may be reused once it returns. A failed asynchronous write
	// closes the link and is reported by ReadFrame.
	WriteFrame(parts ...[]byte) error
	Close() error
	IsClosed() bool
	Kind() Kind
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// Stats returns native transport statistics or ErrStatsUnsupported.
	Stats() (Stats, error)
}

// ConnOptions configures a Connection.
type ConnOptions struct {
	MaxFrame     int
	WriteTimeout time.Duration
	WriteQueue   int
	Pool         *buffer.Pool
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.MaxFrame <= 0 {
		o.MaxFrame = protocol.MaxFrameSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.WriteQueue <= 0 {
		o.WriteQueue = DefaultWriteQueue
	}
	if o.Pool == nil {
		o.Pool = buffer.Default
	}
	return o
}

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// Connection is a Link over a TCP connection or a QUIC stream. Reads happen
// on a single reader goroutine. Writes are queued and performed by the
// connection's own writer goroutine, so a stalled peer never blocks the
// caller.
type Connection struct {
	mu       sync.Mutex
	rwc      io.ReadWriteCloser
	reader   *bufio.Reader
	writer   *bufio.Writer
	queue    chan *buffer.Buffer
	closed   bool
	draining atomic.Bool
	writeErr error
	done     chan struct{}

	tcp    *net.TCPConn
	kind   Kind
	local  net.Addr
	remote net.Addr
	opts   ConnOptions
	logger zerolog.Logger

	lastActivity atomic.Int64
}

// NewConnection wraps an established net.Conn.
func NewConnection(conn net.Conn, opts ConnOptions) *Connection {
	c := newConnection(conn, KindTCP, conn.LocalAddr(), conn.RemoteAddr(), opts)
	if tcp, ok := conn.(*net.TCPConn); ok {
		c.tcp = tcp
	}
	return c
}

// NewStreamConnection wraps a QUIC stream of conn.
func NewStreamConnection(stream quic.Stream, conn MuxConn, opts ConnOptions) *Connection {
	return newConnection(streamCloser{stream}, KindQUIC, conn.LocalAddr(), conn.RemoteAddr(), opts)
}

func newConnection(rwc io.ReadWriteCloser, kind Kind, local, remote net.Addr, opts ConnOptions) *Connection {
	opts = opts.withDefaults()
	c := &Connection{
		rwc:    rwc,
		reader: bufio.NewReaderSize(rwc, readBufferSize),
		writer: bufio.NewWriterSize(rwc, writeBufferSize),
		queue:  make(chan *buffer.Buffer, opts.WriteQueue),
		done:   make(chan struct{}),
		kind:   kind,
		local:  local,
		remote: remote,
		opts:   opts,
		logger: log.With().
			Str("component", "connection").
			Str("kind", string(kind)).
			Str("remote", remote.String()).
			Logger(),
	}
	c.touch()
	go c.writeLoop()
	return c
}

// ReadFrame reads the next frame into a pooled buffer. Once a queued write
// has failed, that error is returned instead of the read error it caused.
func (c *Connection) ReadFrame() (*buffer.Buffer, error) {
	buf := c.opts.Pool.Get()
	if _, err := protocol.ReadFrameTo(buf, c.reader, c.opts.MaxFrame); err != nil {
		buf.Release()
		if werr := c.writeError(); werr != nil {
			return nil, werr
		}
		return nil, err
	}
	c.touch()
	return buf, nil
}

// WriteFrame queues one frame whose payload is the concatenation of parts.
// The parts are copied; the caller keeps ownership of them.
func (c *Connection) WriteFrame(parts ...[]byte) error {
	total := 0
	for _, p := range parts {
		total += len(p)
	}

	buf := c.opts.Pool.Get()
	buf.Grow(protocol.FrameHeaderSize + total)
	if err := protocol.WriteFrame(buf, parts...); err != nil {
		buf.Release()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeErr != nil {
		buf.Release()
		return c.writeErr
	}
	if c.closed {
		buf.Release()
		return ErrConnectionClosed
	}
	select {
	case c.queue <- buf:
		return nil
	default:
		buf.Release()
		return ErrWriteQueueFull
	}
}

// writeLoop writes queued frames, flushing whenever the queue runs empty.
// After Close it writes what is still queued and then closes the
// underlying stream.
func (c *Connection) writeLoop() {
	defer close(c.done)
	defer c.rwc.Close()

	for buf := range c.queue {
		if !c.draining.Load() {
			if d, ok := c.rwc.(deadlineWriter); ok {
				d.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			}
		}
		_, err := c.writer.Write(buf.Bytes())
		buf.Release()
		if err == nil && len(c.queue) == 0 {
			if err = c.writer.Flush(); err != nil {
				err = fmt.Errorf("failed to flush frame: %w", err)
			}
		}
		if err != nil {
			c.failWrite(err)
			for rest := range c.queue {
				rest.Release()
			}
			return
		}
		c.touch()
	}
	c.writer.Flush()
}

// failWrite records err and closes the connection so the reader stops.
func (c *Connection) failWrite(err error) {
	c.mu.Lock()
	if c.writeErr == nil {
		c.writeErr = err
	}
	c.mu.Unlock()

	c.logger.Debug().Err(err).Msg("write failed")
	c.Close()
	// Unblock the reader now; the writer loop would only close on return.
	c.rwc.Close()
}

func (c *Connection) writeError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeErr
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Close stops accepting frames. Frames already queued are still written,
// bounded by the write timeout, before the underlying connection closes.
// It is safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.draining.Store(true)
	if d, ok := c.rwc.(deadlineWriter); ok {
		d.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	close(c.queue)
	c.logger.Debug().Msg("connection closed")
	return nil
}

// Done is closed once the writer has finished and the underlying
// connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Kind returns the transport of this connection.
func (c *Connection) Kind() Kind {
	return c.kind
}

// LastActivity returns the time a frame was last read or written.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// LocalAddr returns the local address of the connection.
func (c *Connection) LocalAddr() net.Addr {
	return c.local
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.remote
}

// Stats samples native TCP statistics. QUIC streams and platforms without
// TCP_INFO return ErrStatsUnsupported.
func (c *Connection) Stats() (Stats, error) {
	if c.tcp == nil {
		return Stats{}, ErrStatsUnsupported
	}
	return tcpStats(c.tcp)
}

// streamCloser closes both directions of a QUIC stream. The multiplexed
// connection underneath stays open for other sessions.
type streamCloser struct {
	quic.Stream
}

func (s streamCloser) Close() error {
	s.Stream.CancelRead(0)
	return s.Stream.Close()
}
