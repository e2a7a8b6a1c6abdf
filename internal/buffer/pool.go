// Package buffer provides pooled byte buffers with single-owner semantics.
// Every Buffer obtained from a Pool must be released exactly once.
package buffer

import (
	"bytes"
	"sync/atomic"

	"github.com/oxtoacart/bpool"
)

const (
	// DefaultPoolSize is the number of idle buffers kept by the default pool.
	DefaultPoolSize = 1024
	// DefaultAlloc is the capacity a pooled buffer is trimmed back to.
	DefaultAlloc = 64 * 1024
)

// Default is the process-wide pool used when no pool is injected.
var Default = NewPool(DefaultPoolSize, DefaultAlloc)

// Pool hands out reusable buffers and counts the ones still owned by callers.
type Pool struct {
	pool        *bpool.SizedBufferPool
	outstanding atomic.Int64
}

// NewPool creates a pool keeping up to size idle buffers of alloc capacity.
// Buffers that grew beyond alloc are replaced instead of being kept.
func NewPool(size, alloc int) *Pool {
	return &Pool{pool: bpool.NewSizedBufferPool(size, alloc)}
}

// Get returns an empty buffer owned by the caller.
func (p *Pool) Get() *Buffer {
	p.outstanding.Add(1)
	return &Buffer{buf: p.pool.Get(), pool: p}
}

// Copy returns a pooled buffer holding a copy of data.
func (p *Pool) Copy(data []byte) *Buffer {
	b := p.Get()
	b.Write(data)
	return b
}

// Outstanding returns the number of buffers handed out and not yet released.
func (p *Pool) Outstanding() int64 {
	return p.outstanding.Load()
}

// Buffer is a single-owner byte buffer. Ownership moves with the value; the
// final owner calls Release.
type Buffer struct {
	buf      *bytes.Buffer
	pool     *Pool
	released atomic.Bool
}

// Wrap returns an unpooled buffer around data. Release only marks it released.
func Wrap(data []byte) *Buffer {
	return &Buffer{buf: bytes.NewBuffer(data)}
}

// Bytes returns the buffered bytes. The slice is invalid after Release.
func (b *Buffer) Bytes() []byte {
	return b.buf.Bytes()
}

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int {
	return b.buf.Len()
}

// Write appends p.
func (b *Buffer) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

// WriteByte appends c.
func (b *Buffer) WriteByte(c byte) error {
	return b.buf.WriteByte(c)
}

// Grow reserves space for n more bytes.
func (b *Buffer) Grow(n int) {
	b.buf.Grow(n)
}

// Reset empties the buffer without giving it back.
func (b *Buffer) Reset() {
	b.buf.Reset()
}

// Released reports whether Release has been called.
func (b *Buffer) Released() bool {
	return b.released.Load()
}

// Release hands the buffer back to its pool. Releasing twice is an ownership
// bug and panics.
func (b *Buffer) Release() {
	if !b.released.CompareAndSwap(false, true) {
		panic("buffer: released twice")
	}
	if b.pool == nil {
		return
	}
	b.pool.outstanding.Add(-1)
	b.pool.pool.Put(b.buf)
	b.buf = nil
}
