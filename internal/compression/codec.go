package compression

import (
	"github.com/klauspost/compress/flate"

	"github.com/energizer-project/proxytransport/internal/batch"
	"github.com/energizer-project/proxytransport/internal/buffer"
	"github.com/energizer-project/proxytransport/internal/metrics"
	"github.com/energizer-project/proxytransport/internal/protocol"
)

const (
	// DefaultMaxDecompressed bounds the inflated size of one batch.
	DefaultMaxDecompressed = 12 * 1024 * 1024
	// DefaultZstdLevel is the zstd level used for batches the proxy compresses itself.
	DefaultZstdLevel = 3
)

// Options configures a Codec.
type Options struct {
	Wire protocol.WireVersion

	// Algorithm is used for batches the proxy compresses itself (default zstd).
	Algorithm protocol.CompressionAlgorithm
	// Level is the zstd level (1-22); zero selects DefaultZstdLevel.
	Level int
	// MaxDecompressed bounds every decompression; zero selects DefaultMaxDecompressed.
	MaxDecompressed int

	Pool    *buffer.Pool
	Metrics metrics.Sink

	// Outbound and Inbound tag metrics for Encode and Decode respectively.
	Outbound metrics.Direction
	Inbound  metrics.Direction
}

// Codec encodes batches into frame payloads and decodes frame payloads into
// batches. It is safe for concurrent use.
type Codec struct {
	opts        Options
	compressors map[protocol.CompressionAlgorithm]compressor
	zstd        *zstdCompressor
}

// New creates a codec, filling unset options with defaults.
func New(opts Options) (*Codec, error) {
	if opts.Algorithm == protocol.CompressionNone {
		opts.Algorithm = protocol.CompressionZstd
	}
	if opts.Level <= 0 {
		opts.Level = DefaultZstdLevel
	}
	if opts.MaxDecompressed <= 0 {
		opts.MaxDecompressed = DefaultMaxDecompressed
	}
	if opts.Pool == nil {
		opts.Pool = buffer.Default
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Outbound == "" {
		opts.Outbound = metrics.ToServer
	}
	if opts.Inbound == "" {
		opts.Inbound = metrics.FromServer
	}
	if _, ok := HeaderFor(opts.Wire, opts.Algorithm); !ok {
		return nil, protocol.Errorf(protocol.ErrCodeUnsupportedCompression,
			"%s cannot be announced on the %s wire", opts.Algorithm, opts.Wire)
	}

	z, err := newZstdCompressor(opts.Level, opts.MaxDecompressed)
	if err != nil {
		return nil, err
	}

	return &Codec{
		opts: opts,
		zstd: z,
		compressors: map[protocol.CompressionAlgorithm]compressor{
			protocol.CompressionNone:   noneCompressor{},
			protocol.CompressionZlib:   newDeflateCompressor(flate.DefaultCompression),
			protocol.CompressionSnappy: snappyCompressor{},
			protocol.CompressionZstd:   z,
		},
	}, nil
}

// Close releases the zstd encoder and decoder.
func (c *Codec) Close() {
	c.zstd.close()
}

// Wire returns the header table this codec speaks.
func (c *Codec) Wire() protocol.WireVersion {
	return c.opts.Wire
}

// Encode returns the frame payload for b as one or more parts to be written
// back to back. The parts reference memory owned by b and stay valid until
// b is released.
//
// An unmodified batch that already has a compressed form is passed through:
// its bytes are never rewritten, at most a missing header byte is emitted in
// front of them. Otherwise the raw form is compressed and stored on b.
func (c *Codec) Encode(b *batch.Batch) ([][]byte, error) {
	if b.HasCompressed() && !b.Modified() {
		if parts, ok := c.passThrough(b); ok {
			return parts, nil
		}
	}
	if !b.HasRaw() {
		return nil, protocol.NewError(protocol.ErrCodeNotEncoded, "batch has neither a raw nor a current compressed form")
	}

	// A batch negotiated as uncompressed stays uncompressed where the wire
	// can say so; everything else gets the codec's algorithm.
	alg := c.opts.Algorithm
	if c.opts.Wire == protocol.WireBatch && b.Algorithm() == protocol.CompressionNone {
		alg = protocol.CompressionNone
	}
	header, _ := HeaderFor(c.opts.Wire, alg)

	out := c.opts.Pool.Get()
	out.WriteByte(header)
	if err := c.compressors[alg].compress(out, b.Raw()); err != nil {
		out.Release()
		return nil, protocol.WrapError(protocol.ErrCodeCorruptCompressed, alg.String()+" encode", err)
	}
	b.SetCompressed(out, alg, 1, c.opts.Wire)

	c.opts.Metrics.RecordCompressed(out.Len(), c.opts.Outbound)
	return [][]byte{out.Bytes()}, nil
}

func (c *Codec) passThrough(b *batch.Batch) ([][]byte, bool) {
	alg := b.Algorithm()

	if wire, ok := b.CompressedHeader(); ok && wire == c.opts.Wire {
		// Already prefixed for this wire: forwarded byte for byte.
		data := b.Compressed()
		c.opts.Metrics.RecordPassedThrough(len(data), c.opts.Outbound)
		return [][]byte{data}, true
	}

	body := b.CompressedBody()
	if c.opts.Wire == protocol.WireLegacy && alg == protocol.CompressionZstd {
		c.opts.Metrics.RecordPassedThrough(len(body), c.opts.Outbound)
		return [][]byte{body}, true
	}

	header, ok := HeaderFor(c.opts.Wire, alg)
	if !ok {
		// Not expressible on this wire; the caller recompresses from raw.
		return nil, false
	}
	c.opts.Metrics.RecordPassedThrough(len(body)+1, c.opts.Outbound)
	return [][]byte{{header}, body}, true
}

// Decode turns a frame payload into a batch carrying both the compressed and
// the raw form. Ownership of frame moves to the codec: it ends up in the
// returned batch or is released on error.
func (c *Codec) Decode(frame *buffer.Buffer) (*batch.Batch, error) {
	data := frame.Bytes()
	b := batch.New()

	if len(data) == 0 {
		frame.Release()
		b.SetRaw(c.opts.Pool.Get())
		return b, nil
	}

	var (
		alg       protocol.CompressionAlgorithm
		headerLen int
	)
	if c.opts.Wire == protocol.WireLegacy && isBareZstd(data) {
		alg = protocol.CompressionZstd
	} else {
		var ok bool
		alg, ok = AlgorithmFor(c.opts.Wire, data[0])
		if !ok {
			return nil, decodeFailed(frame, protocol.Errorf(protocol.ErrCodeUnknownCompression,
				"unknown compression header 0x%02x on %s wire", data[0], c.opts.Wire))
		}
		headerLen = 1
	}

	raw := c.opts.Pool.Get()
	if err := c.compressors[alg].decompress(raw, data[headerLen:], c.opts.MaxDecompressed); err != nil {
		raw.Release()
		return nil, decodeFailed(frame, err)
	}

	b.SetCompressed(frame, alg, headerLen, c.opts.Wire)
	b.SetRaw(raw)
	c.opts.Metrics.RecordDecompressed(raw.Len(), c.opts.Inbound)
	return b, nil
}

// MaxDumpSize caps the frame bytes kept by a DecodeError.
const MaxDumpSize = 64 * 1024

// DecodeError wraps a Decode failure with the start of the offending frame.
type DecodeError struct {
	Err   error
	Frame []byte
}

func (e *DecodeError) Error() string {
	return e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// decodeFailed copies at most MaxDumpSize bytes of frame, releases it and
// wraps err.
func decodeFailed(frame *buffer.Buffer, err error) error {
	data := frame.Bytes()
	if len(data) > MaxDumpSize {
		data = data[:MaxDumpSize]
	}
	dump := append([]byte(nil), data...)
	frame.Release()
	return &DecodeError{Err: err, Frame: dump}
}
