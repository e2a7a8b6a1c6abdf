package compression

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/energizer-project/proxytransport/internal/batch"
	"github.com/energizer-project/proxytransport/internal/buffer"
	"github.com/energizer-project/proxytransport/internal/metrics"
	"github.com/energizer-project/proxytransport/internal/protocol"
)

type recordingSink struct {
	mu           sync.Mutex
	passed       int
	compressed   int
	decompressed int
}

func (s *recordingSink) RecordPassedThrough(n int, _ metrics.Direction) {
	s.mu.Lock()
	s.passed += n
	s.mu.Unlock()
}

func (s *recordingSink) RecordCompressed(n int, _ metrics.Direction) {
	s.mu.Lock()
	s.compressed += n
	s.mu.Unlock()
}

func (s *recordingSink) RecordDecompressed(n int, _ metrics.Direction) {
	s.mu.Lock()
	s.decompressed += n
	s.mu.Unlock()
}

func newCodec(t *testing.T, opts Options) *Codec {
	t.Helper()
	c, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func rawBatch(pool *buffer.Pool, data []byte, alg protocol.CompressionAlgorithm) *batch.Batch {
	b := batch.New()
	b.SetRaw(pool.Copy(data))
	b.SetAlgorithm(alg)
	return b
}

func join(parts [][]byte) []byte {
	return bytes.Join(parts, nil)
}

var payload = bytes.Repeat([]byte("framed batch payload "), 64)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		wire   protocol.WireVersion
		alg    protocol.CompressionAlgorithm
		header byte
	}{
		{"batch zstd", protocol.WireBatch, protocol.CompressionZstd, 0xFE},
		{"batch zlib", protocol.WireBatch, protocol.CompressionZlib, 0x00},
		{"batch snappy", protocol.WireBatch, protocol.CompressionSnappy, 0x01},
		{"legacy zstd", protocol.WireLegacy, protocol.CompressionZstd, 0x01},
		{"legacy zlib", protocol.WireLegacy, protocol.CompressionZlib, 0x00},
		{"legacy snappy", protocol.WireLegacy, protocol.CompressionSnappy, 0x02},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := buffer.NewPool(8, 4096)
			c := newCodec(t, Options{Wire: tt.wire, Algorithm: tt.alg, Pool: pool})

			b := rawBatch(pool, payload, tt.alg)
			parts, err := c.Encode(b)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			frame := join(parts)
			if frame[0] != tt.header {
				t.Fatalf("header = 0x%02x, want 0x%02x", frame[0], tt.header)
			}

			got, err := c.Decode(pool.Copy(frame))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if got.Algorithm() != tt.alg {
				t.Fatalf("algorithm = %v, want %v", got.Algorithm(), tt.alg)
			}
			if !bytes.Equal(got.Raw(), payload) {
				t.Fatal("raw payload mismatch after round trip")
			}

			got.Release()
			b.Release()
			if n := pool.Outstanding(); n != 0 {
				t.Fatalf("outstanding buffers = %d", n)
			}
		})
	}
}

func TestEncodeNoneStaysNone(t *testing.T) {
	c := newCodec(t, Options{Wire: protocol.WireBatch})
	b := rawBatch(buffer.Default, []byte("abc"), protocol.CompressionNone)
	defer b.Release()

	parts, err := c.Encode(b)
	if err != nil {
		t.Fatal(err)
	}
	if got := join(parts); !bytes.Equal(got, []byte{0xFF, 'a', 'b', 'c'}) {
		t.Fatalf("frame = %x", got)
	}
}

func TestPassThroughIsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	pool := buffer.NewPool(8, 4096)
	c := newCodec(t, Options{Wire: protocol.WireBatch, Pool: pool, Metrics: sink})

	src := rawBatch(pool, payload, protocol.CompressionZstd)
	first, err := c.Encode(src)
	if err != nil {
		t.Fatal(err)
	}
	frame := append([]byte(nil), join(first)...)

	b, err := c.Decode(pool.Copy(frame))
	if err != nil {
		t.Fatal(err)
	}
	before := append([]byte(nil), b.Compressed()...)

	for i := 0; i < 3; i++ {
		parts, err := c.Encode(b)
		if err != nil {
			t.Fatalf("Encode #%d: %v", i, err)
		}
		if !bytes.Equal(join(parts), frame) {
			t.Fatalf("pass-through #%d changed the frame", i)
		}
		if !bytes.Equal(b.Compressed(), before) {
			t.Fatalf("pass-through #%d rewrote the compressed bytes", i)
		}
		if b.Algorithm() != protocol.CompressionZstd {
			t.Fatalf("pass-through #%d changed the algorithm to %v", i, b.Algorithm())
		}
	}
	if sink.passed != 3*len(frame) {
		t.Fatalf("passed-through bytes = %d, want %d", sink.passed, 3*len(frame))
	}

	b.Release()
	src.Release()
}

func TestPassThroughAddsMissingHeader(t *testing.T) {
	pool := buffer.NewPool(8, 4096)
	legacy := newCodec(t, Options{Wire: protocol.WireLegacy, Pool: pool})
	current := newCodec(t, Options{Wire: protocol.WireBatch, Pool: pool})

	// A legacy peer sends zstd without a header.
	src := rawBatch(pool, payload, protocol.CompressionZstd)
	defer src.Release()
	parts, _ := current.Encode(src)
	bare := join(parts)[1:]

	b, err := legacy.Decode(pool.Copy(bare))
	if err != nil {
		t.Fatalf("legacy Decode of bare zstd: %v", err)
	}
	defer b.Release()
	if _, ok := b.CompressedHeader(); ok {
		t.Fatal("bare zstd reported a header")
	}

	// Forwarded on the current wire the private header is put in front,
	// the compressed bytes themselves stay untouched.
	out, err := current.Encode(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || !bytes.Equal(out[0], []byte{PrivateZstdHeader}) || !bytes.Equal(out[1], bare) {
		t.Fatalf("unexpected parts: %d", len(out))
	}

	// Forwarded on the legacy wire it stays bare.
	out, err = legacy.Encode(b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(join(out), bare) {
		t.Fatal("legacy pass-through did not stay bare")
	}
}

func TestModifiedBatchIsRecompressed(t *testing.T) {
	pool := buffer.NewPool(8, 4096)
	c := newCodec(t, Options{Wire: protocol.WireBatch, Pool: pool, Algorithm: protocol.CompressionZstd})

	src := rawBatch(pool, payload, protocol.CompressionSnappy)
	defer src.Release()
	snappyCodec := newCodec(t, Options{Wire: protocol.WireBatch, Pool: pool, Algorithm: protocol.CompressionSnappy})
	parts, _ := snappyCodec.Encode(src)

	b, err := c.Decode(pool.Copy(join(parts)))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Release()

	b.Modify()
	b.SetRaw(pool.Copy([]byte("replacement")))
	out, err := c.Encode(b)
	if err != nil {
		t.Fatal(err)
	}
	if out[0][0] != PrivateZstdHeader {
		t.Fatalf("header = 0x%02x, want private zstd", out[0][0])
	}
	if b.Modified() {
		t.Fatal("batch still modified after encode")
	}
}

func TestEncodeWithoutAnyForm(t *testing.T) {
	c := newCodec(t, Options{})
	b := batch.New()
	defer b.Release()

	_, err := c.Encode(b)
	if !protocol.HasCode(err, protocol.ErrCodeNotEncoded) {
		t.Fatalf("err = %v, want not_encoded", err)
	}
}

func TestDecodeUnknownHeader(t *testing.T) {
	pool := buffer.NewPool(4, 64)
	c := newCodec(t, Options{Wire: protocol.WireBatch, Pool: pool})

	_, err := c.Decode(pool.Copy([]byte{0x07, 1, 2, 3}))
	if !protocol.HasCode(err, protocol.ErrCodeUnknownCompression) {
		t.Fatalf("err = %v, want unknown_compression", err)
	}
	if pool.Outstanding() != 0 {
		t.Fatal("frame leaked on error path")
	}

	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %T, want *DecodeError", err)
	}
	if !bytes.Equal(de.Frame, []byte{0x07, 1, 2, 3}) {
		t.Fatalf("dump = %x", de.Frame)
	}
}

func TestDecodeErrorDumpIsBounded(t *testing.T) {
	pool := buffer.NewPool(4, 64)
	c := newCodec(t, Options{Wire: protocol.WireBatch, Pool: pool})

	frame := append([]byte{0x07}, bytes.Repeat([]byte{0xEE}, MaxDumpSize+100)...)
	_, err := c.Decode(pool.Copy(frame))

	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("err = %v, want *DecodeError", err)
	}
	if len(de.Frame) != MaxDumpSize {
		t.Fatalf("dump holds %d bytes, want %d", len(de.Frame), MaxDumpSize)
	}
	if pool.Outstanding() != 0 {
		t.Fatal("frame leaked on error path")
	}
}

func TestDecodeEmptyFrame(t *testing.T) {
	pool := buffer.NewPool(4, 64)
	c := newCodec(t, Options{Pool: pool})

	b, err := c.Decode(pool.Get())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(b.Raw()) != 0 {
		t.Fatal("empty frame produced data")
	}
	b.Release()
	if pool.Outstanding() != 0 {
		t.Fatal("buffers leaked")
	}
}

func TestDecompressionIsBounded(t *testing.T) {
	const max = 1024
	big := bytes.Repeat([]byte{'z'}, max+1)
	exact := bytes.Repeat([]byte{'z'}, max)

	for _, alg := range []protocol.CompressionAlgorithm{
		protocol.CompressionZstd, protocol.CompressionZlib, protocol.CompressionSnappy, protocol.CompressionNone,
	} {
		t.Run(alg.String(), func(t *testing.T) {
			pool := buffer.NewPool(8, 4096)
			producer := newCodec(t, Options{Wire: protocol.WireBatch, Algorithm: algOrZstd(alg), Pool: pool})
			bounded := newCodec(t, Options{Wire: protocol.WireBatch, Pool: pool, MaxDecompressed: max})

			for _, tc := range []struct {
				data    []byte
				wantErr bool
			}{{exact, false}, {big, true}} {
				src := rawBatch(pool, tc.data, alg)
				parts, err := producer.Encode(src)
				if err != nil {
					t.Fatal(err)
				}
				b, err := bounded.Decode(pool.Copy(join(parts)))
				src.Release()

				if tc.wantErr {
					if !protocol.HasCode(err, protocol.ErrCodeDecompressedTooLarge) {
						t.Fatalf("%d bytes: err = %v, want decompressed_too_large", len(tc.data), err)
					}
					continue
				}
				if err != nil {
					t.Fatalf("%d bytes: %v", len(tc.data), err)
				}
				b.Release()
			}
			if pool.Outstanding() != 0 {
				t.Fatalf("outstanding buffers = %d", pool.Outstanding())
			}
		})
	}
}

func algOrZstd(alg protocol.CompressionAlgorithm) protocol.CompressionAlgorithm {
	if alg == protocol.CompressionNone {
		return protocol.CompressionZstd
	}
	return alg
}

func TestHeaderTablesDoNotCollide(t *testing.T) {
	// The host table alone must never claim the private zstd byte.
	if alg, ok := HostAlgorithm(PrivateZstdHeader); ok {
		t.Fatalf("host table maps 0x%02x to %v", PrivateZstdHeader, alg)
	}
	if alg, ok := AlgorithmFor(protocol.WireBatch, PrivateZstdHeader); !ok || alg != protocol.CompressionZstd {
		t.Fatalf("private header maps to %v, %v", alg, ok)
	}

	for _, wire := range []protocol.WireVersion{protocol.WireBatch, protocol.WireLegacy} {
		seen := map[byte]protocol.CompressionAlgorithm{}
		for _, alg := range []protocol.CompressionAlgorithm{
			protocol.CompressionNone, protocol.CompressionZlib, protocol.CompressionSnappy, protocol.CompressionZstd,
		} {
			h, ok := HeaderFor(wire, alg)
			if !ok {
				continue
			}
			if other, dup := seen[h]; dup {
				t.Fatalf("%s wire: header 0x%02x used by %v and %v", wire, h, other, alg)
			}
			seen[h] = alg
			back, ok := AlgorithmFor(wire, h)
			if !ok || back != alg {
				t.Fatalf("%s wire: 0x%02x decodes to %v, want %v", wire, h, back, alg)
			}
		}
	}
}

func TestNewRejectsInexpressibleAlgorithm(t *testing.T) {
	_, err := New(Options{Wire: protocol.WireLegacy, Algorithm: 99})
	if err == nil {
		t.Fatal("New accepted an algorithm without a legacy header")
	}
}
