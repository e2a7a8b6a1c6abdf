package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"

	"github.com/energizer-project/proxytransport/internal/buffer"
	"github.com/energizer-project/proxytransport/internal/protocol"
)

// compressor appends compressed or decompressed bytes to dst. decompress
// never writes more than max bytes.
type compressor interface {
	compress(dst *buffer.Buffer, src []byte) error
	decompress(dst *buffer.Buffer, src []byte, max int) error
}

func tooLarge(max int) error {
	return protocol.Errorf(protocol.ErrCodeDecompressedTooLarge, "decompressed batch exceeds %d bytes", max)
}

func corrupt(alg protocol.CompressionAlgorithm, err error) error {
	return protocol.WrapError(protocol.ErrCodeCorruptCompressed, alg.String()+" decode", err)
}

// deflateCompressor speaks raw deflate, which is what the game calls zlib.
type deflateCompressor struct {
	level   int
	writers sync.Pool
}

func newDeflateCompressor(level int) *deflateCompressor {
	return &deflateCompressor{level: level}
}

func (d *deflateCompressor) compress(dst *buffer.Buffer, src []byte) error {
	w, _ := d.writers.Get().(*flate.Writer)
	if w == nil {
		var err error
		w, err = flate.NewWriter(dst, d.level)
		if err != nil {
			return fmt.Errorf("failed to create deflate writer: %w", err)
		}
	} else {
		w.Reset(dst)
	}
	defer d.writers.Put(w)

	if _, err := w.Write(src); err != nil {
		return fmt.Errorf("deflate write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("deflate close: %w", err)
	}
	return nil
}

func (d *deflateCompressor) decompress(dst *buffer.Buffer, src []byte, max int) error {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()

	// Read one byte past the limit to tell "exactly max" from "more than max".
	n, err := io.Copy(dst, io.LimitReader(r, int64(max)+1))
	if err != nil {
		return corrupt(protocol.CompressionZlib, err)
	}
	if n > int64(max) {
		return tooLarge(max)
	}
	return nil
}

type snappyCompressor struct{}

func (snappyCompressor) compress(dst *buffer.Buffer, src []byte) error {
	dst.Write(snappy.Encode(nil, src))
	return nil
}

func (snappyCompressor) decompress(dst *buffer.Buffer, src []byte, max int) error {
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return corrupt(protocol.CompressionSnappy, err)
	}
	if n > max {
		return tooLarge(max)
	}
	out, err := snappy.Decode(make([]byte, n), src)
	if err != nil {
		return corrupt(protocol.CompressionSnappy, err)
	}
	dst.Write(out)
	return nil
}

// zstdCompressor shares one encoder and one decoder; both are safe for
// concurrent EncodeAll/DecodeAll calls.
type zstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newZstdCompressor(level, max int) (*zstdCompressor, error) {
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(uint64(max)),
		zstd.WithDecoderConcurrency(0),
	)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &zstdCompressor{encoder: enc, decoder: dec}, nil
}

func (z *zstdCompressor) compress(dst *buffer.Buffer, src []byte) error {
	dst.Write(z.encoder.EncodeAll(src, nil))
	return nil
}

func (z *zstdCompressor) decompress(dst *buffer.Buffer, src []byte, max int) error {
	out, err := z.decoder.DecodeAll(src, nil)
	if err != nil {
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return tooLarge(max)
		}
		return corrupt(protocol.CompressionZstd, err)
	}
	if len(out) > max {
		return tooLarge(max)
	}
	dst.Write(out)
	return nil
}

func (z *zstdCompressor) close() {
	z.encoder.Close()
	z.decoder.Close()
}

type noneCompressor struct{}

func (noneCompressor) compress(dst *buffer.Buffer, src []byte) error {
	dst.Write(src)
	return nil
}

func (noneCompressor) decompress(dst *buffer.Buffer, src []byte, max int) error {
	if len(src) > max {
		return tooLarge(max)
	}
	dst.Write(src)
	return nil
}
