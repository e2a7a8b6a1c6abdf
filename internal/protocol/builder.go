package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
)

// PacketBuilder constructs packet bodies in the little-endian layout the
// downstream servers expect.
type PacketBuilder struct {
	buf bytes.Buffer
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
}

// WriteByte writes a single byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteBool writes 1 for true and 0 for false.
func (b *PacketBuilder) WriteBool(v bool) *PacketBuilder {
	if v {
		return b.WriteByte(1)
	}
	return b.WriteByte(0)
}

// WriteInt64 writes an int64 in little-endian order.
func (b *PacketBuilder) WriteInt64(v int64) *PacketBuilder {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	b.buf.Write(tmp[:])
	return b
}

// WriteUvarint writes an unsigned LEB128 varint.
func (b *PacketBuilder) WriteUvarint(v uint64) *PacketBuilder {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	b.buf.Write(tmp[:n])
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Build returns the constructed bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// Len returns the number of bytes written so far.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// PacketReader is the read side of PacketBuilder.
type PacketReader struct {
	data []byte
	off  int
}

// NewPacketReader reads from data without copying it.
func NewPacketReader(data []byte) *PacketReader {
	return &PacketReader{data: data}
}

// ReadByte reads a single byte.
func (r *PacketReader) ReadByte() (byte, error) {
	if r.off >= len(r.data) {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.data[r.off]
	r.off++
	return v, nil
}

// ReadBool reads a byte and reports whether it is non-zero.
func (r *PacketReader) ReadBool() (bool, error) {
	v, err := r.ReadByte()
	return v != 0, err
}

// ReadInt64 reads a little-endian int64.
func (r *PacketReader) ReadInt64() (int64, error) {
	if len(r.data)-r.off < 8 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return int64(v), nil
}

// ReadUvarint reads an unsigned LEB128 varint.
func (r *PacketReader) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.off:])
	switch {
	case n == 0:
		return 0, io.ErrUnexpectedEOF
	case n < 0:
		return 0, NewError(ErrCodeBadPayload, "varint overflows 64 bits")
	}
	r.off += n
	return v, nil
}

// ReadSlice returns the next n bytes without copying.
func (r *PacketReader) ReadSlice(n int) ([]byte, error) {
	if n < 0 || len(r.data)-r.off < n {
		return nil, io.ErrUnexpectedEOF
	}
	s := r.data[r.off : r.off+n]
	r.off += n
	return s, nil
}

// Remaining returns the number of unread bytes.
func (r *PacketReader) Remaining() int {
	return len(r.data) - r.off
}

// Offset returns the read position.
func (r *PacketReader) Offset() int {
	return r.off
}
