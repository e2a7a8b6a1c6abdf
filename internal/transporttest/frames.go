package transporttest

import (
	"github.com/energizer-project/proxytransport/internal/batch"
	"github.com/energizer-project/proxytransport/internal/buffer"
	"github.com/energizer-project/proxytransport/internal/compression"
	"github.com/energizer-project/proxytransport/internal/protocol"
)

// Frames encodes and decodes frame payloads the way a downstream server
// does.
type Frames struct {
	Packets *protocol.Registry
	Codec   *compression.Codec
	asm     *batch.Assembler
}

// NewFrames returns a helper speaking wire, compressing with zstd.
func NewFrames(wire protocol.WireVersion) (*Frames, error) {
	packets := protocol.NewRegistry()
	codec, err := compression.New(compression.Options{Wire: wire})
	if err != nil {
		return nil, err
	}
	return &Frames{
		Packets: packets,
		Codec:   codec,
		asm:     batch.NewAssembler(packets),
	}, nil
}

// Encode builds one frame payload carrying packets.
func (f *Frames) Encode(packets ...*protocol.Wrapped) ([]byte, error) {
	b := batch.New(packets...)
	b.SetAlgorithm(protocol.CompressionZstd)
	defer b.Release()

	if err := f.asm.AssembleInto(b); err != nil {
		return nil, err
	}
	parts, err := f.Codec.Encode(b)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out, nil
}

// EncodePackets builds one frame payload from decoded packets.
func (f *Frames) EncodePackets(packets ...protocol.Packet) ([]byte, error) {
	wrapped := make([]*protocol.Wrapped, len(packets))
	for i, p := range packets {
		wrapped[i] = protocol.Wrap(p)
	}
	return f.Encode(wrapped...)
}

// Decoded is the content of one frame.
type Decoded struct {
	Packets []*protocol.Wrapped
	// Probes counts zero-timestamp latency probes in the frame.
	Probes int
}

// Decode splits a frame payload into sub-packets. Payloads are copied so
// they outlive the frame.
func (f *Frames) Decode(payload []byte) (Decoded, error) {
	var out Decoded
	b, err := f.Codec.Decode(buffer.Default.Copy(payload))
	if err != nil {
		return out, err
	}
	defer b.Release()

	d := batch.Disassembler{Codec: f.Packets, OnLatencyProbe: func() { out.Probes++ }}
	if err := d.Disassemble(b); err != nil {
		return out, err
	}
	for _, w := range b.Packets {
		w.Payload = append([]byte(nil), w.Payload...)
		out.Packets = append(out.Packets, w)
	}
	return out, nil
}

// Close releases the compression codec.
func (f *Frames) Close() {
	f.Codec.Close()
}
