package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"empty", nil},
		{"one byte", []byte{0xFE}},
		{"small", []byte("hello frame")},
		{"large", bytes.Repeat([]byte{0xAB}, 256*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, tt.payload); err != nil {
				t.Fatalf("WriteFrame: %v", err)
			}
			if got := buf.Len(); got != FrameHeaderSize+len(tt.payload) {
				t.Fatalf("encoded length = %d, want %d", got, FrameHeaderSize+len(tt.payload))
			}

			got, err := ReadFrame(&buf, 0)
			if err != nil {
				t.Fatalf("ReadFrame: %v", err)
			}
			if !bytes.Equal(got, tt.payload) {
				t.Fatalf("payload mismatch: got %d bytes, want %d", len(got), len(tt.payload))
			}
		})
	}
}

func TestWriteFrameParts(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte{0xFE}, []byte("abc"), nil); err != nil {
		t.Fatal(err)
	}
	want := AppendFrame(nil, []byte{0xFE, 'a', 'b', 'c'})
	if diff := cmp.Diff(want, buf.Bytes()); diff != "" {
		t.Fatalf("frame mismatch (-want +got):\n%s", diff)
	}
}

func TestZeroLengthFrame(t *testing.T) {
	r := bytes.NewReader([]byte{0, 0, 0, 0})
	got, err := ReadFrame(r, 0)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d bytes, want 0", len(got))
	}
}

func TestReadFrameTooLarge(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1025)

	_, err := ReadFrame(bytes.NewReader(header[:]), 1024)
	if !HasCode(err, ErrCodeFrameTooLarge) {
		t.Fatalf("err = %v, want frame_too_large", err)
	}
}

func TestReadFrameAboveInt32(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], math.MaxInt32+1)

	_, err := ReadFrame(bytes.NewReader(header[:]), 0)
	if !HasCode(err, ErrCodeFrameTooLarge) {
		t.Fatalf("err = %v, want frame_too_large", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	// Announces 1 GiB but carries 3 bytes; must fail without allocating the announced size.
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 1<<30)
	data := append(header[:], 1, 2, 3)

	_, err := ReadFrame(bytes.NewReader(data), 0)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want unexpected EOF", err)
	}
}

func TestReadFrameEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), 0)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want EOF", err)
	}
}

func TestFrameDecoderPartial(t *testing.T) {
	stream := AppendFrame(nil, []byte("first"))
	stream = AppendFrame(stream, nil)
	stream = AppendFrame(stream, []byte("second frame"))

	var d FrameDecoder
	var got [][]byte
	// Feed one byte at a time so every boundary is split.
	for i := range stream {
		frames, err := d.Feed(stream[i : i+1])
		if err != nil {
			t.Fatalf("Feed at %d: %v", i, err)
		}
		got = append(got, frames...)
	}

	want := [][]byte{[]byte("first"), {}, []byte("second frame")}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("frames mismatch (-want +got):\n%s", diff)
	}
	if d.Buffered() != 0 {
		t.Fatalf("buffered = %d, want 0", d.Buffered())
	}
}

func TestFrameDecoderRejectsOversized(t *testing.T) {
	d := FrameDecoder{Max: 8}
	_, err := d.Feed(AppendFrame(nil, make([]byte, 9)))
	if !HasCode(err, ErrCodeFrameTooLarge) {
		t.Fatalf("err = %v, want frame_too_large", err)
	}
}

func TestFrameDecoderDefaultLimit(t *testing.T) {
	var d FrameDecoder

	header := binary.BigEndian.AppendUint32(nil, DefaultMaxFrame+1)
	if _, err := d.Feed(header); !HasCode(err, ErrCodeFrameTooLarge) {
		t.Fatalf("err = %v, want frame_too_large", err)
	}
	if d.Buffered() != 0 {
		t.Fatalf("buffered = %d after rejecting a frame", d.Buffered())
	}

	// A length that is allowed but never delivered holds only what arrived.
	partial := binary.BigEndian.AppendUint32(nil, 1<<20)
	partial = append(partial, make([]byte, 10)...)
	frames, err := d.Feed(partial)
	if err != nil || len(frames) != 0 {
		t.Fatalf("Feed = %d frames, %v", len(frames), err)
	}
	if d.Buffered() != len(partial) {
		t.Fatalf("buffered = %d, want %d", d.Buffered(), len(partial))
	}
}
