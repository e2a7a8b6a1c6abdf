package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// FrameHeaderSize is the size of the big-endian length prefix.
	FrameHeaderSize = 4

	// MaxFrameSize is the largest frame length the format can express.
	MaxFrameSize = math.MaxInt32

	// DefaultMaxFrame bounds the bytes a FrameDecoder holds for one frame
	// when no limit is configured.
	DefaultMaxFrame = 64 * 1024 * 1024
)

// AppendFrame appends [4-byte BE length][payload] to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes one frame whose payload is the concatenation of parts.
// Nothing is flushed; callers writing through a buffered writer flush explicitly.
func WriteFrame(w io.Writer, parts ...[]byte) error {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	if total > MaxFrameSize {
		return Errorf(ErrCodeFrameTooLarge, "frame of %d bytes exceeds %d", total, MaxFrameSize)
	}

	var header [FrameHeaderSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(total))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame length: %w", err)
	}
	for _, p := range parts {
		if len(p) == 0 {
			continue
		}
		if _, err := w.Write(p); err != nil {
			return fmt.Errorf("failed to write frame payload (%d bytes): %w", total, err)
		}
	}
	return nil
}

// ReadFrameLength reads and validates a frame length prefix.
// max <= 0 selects MaxFrameSize.
func ReadFrameLength(r io.Reader, max int) (int, error) {
	if max <= 0 || max > MaxFrameSize {
		max = MaxFrameSize
	}

	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, err
	}

	length := binary.BigEndian.Uint32(header[:])
	if uint64(length) > uint64(max) {
		return 0, Errorf(ErrCodeFrameTooLarge, "frame length %d exceeds %d", length, max)
	}
	return int(length), nil
}

// ReadFrameTo copies the next frame's payload into w and returns its length.
// The payload is copied incrementally, so a peer announcing a huge length
// cannot make the reader allocate memory for bytes that never arrive.
func ReadFrameTo(w io.Writer, r io.Reader, max int) (int, error) {
	length, err := ReadFrameLength(r, max)
	if err != nil {
		return 0, err
	}
	if length == 0 {
		return 0, nil
	}

	n, err := io.CopyN(w, r, int64(length))
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return int(n), fmt.Errorf("failed to read frame payload (%d/%d bytes): %w", n, length, err)
	}
	return length, nil
}

// ReadFrame reads a single length-prefixed frame from r.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var buf growBuffer
	if _, err := ReadFrameTo(&buf, r, max); err != nil {
		return nil, err
	}
	return buf.b, nil
}

type growBuffer struct {
	b []byte
}

func (g *growBuffer) Write(p []byte) (int, error) {
	g.b = append(g.b, p...)
	return len(p), nil
}

// FrameDecoder splits an arbitrary byte stream into frames.
// Partial frames are buffered until the rest of the bytes arrive. Memory
// grows only with the bytes fed, never with the announced length, and a
// length above Max is rejected before anything is buffered for it.
type FrameDecoder struct {
	// Max is the largest accepted frame length; zero selects DefaultMaxFrame.
	Max int

	buf []byte
}

// Feed appends p to the pending bytes and returns every complete frame.
// Returned frames do not alias p or the decoder's internal buffer.
func (d *FrameDecoder) Feed(p []byte) ([][]byte, error) {
	max := d.Max
	if max <= 0 {
		max = DefaultMaxFrame
	} else if max > MaxFrameSize {
		max = MaxFrameSize
	}

	d.buf = append(d.buf, p...)

	var frames [][]byte
	offset := 0
	for len(d.buf)-offset >= FrameHeaderSize {
		length := binary.BigEndian.Uint32(d.buf[offset:])
		if uint64(length) > uint64(max) {
			d.buf = d.buf[:0]
			return frames, Errorf(ErrCodeFrameTooLarge, "frame length %d exceeds %d", length, max)
		}
		end := offset + FrameHeaderSize + int(length)
		if end > len(d.buf) {
			break
		}
		frame := make([]byte, length)
		copy(frame, d.buf[offset+FrameHeaderSize:end])
		frames = append(frames, frame)
		offset = end
	}

	// Compact so the pending tail starts at index zero.
	remaining := copy(d.buf, d.buf[offset:])
	d.buf = d.buf[:remaining]

	return frames, nil
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *FrameDecoder) Buffered() int {
	return len(d.buf)
}
