// Package batch holds the unit of transfer between the proxy and a
// downstream server: an ordered list of sub-packets plus the raw and
// compressed encodings that may already exist for it.
package batch

import (
	"github.com/energizer-project/proxytransport/internal/buffer"
	"github.com/energizer-project/proxytransport/internal/protocol"
)

// Batch is owned by exactly one component at a time and released exactly once.
//
// A batch received from a server keeps its compressed bytes so it can be
// forwarded untouched. Any change to Packets must be followed by Modify,
// which invalidates both encodings.
type Batch struct {
	Packets []*protocol.Wrapped

	raw        *buffer.Buffer
	rawStale   bool
	compressed *buffer.Buffer
	algorithm  protocol.CompressionAlgorithm

	headerLen  int
	headerWire protocol.WireVersion

	modified bool
	released bool

	// Superseded buffers still backing Packets payloads.
	retained []*buffer.Buffer
}

// New creates a batch that has not been encoded yet.
func New(packets ...*protocol.Wrapped) *Batch {
	return &Batch{Packets: packets}
}

// Of wraps decoded packets addressed to the given client id.
func Of(clientID uint8, packets ...protocol.Packet) *Batch {
	b := &Batch{Packets: make([]*protocol.Wrapped, 0, len(packets))}
	for _, p := range packets {
		w := protocol.Wrap(p)
		w.Header.ClientID = clientID
		b.Packets = append(b.Packets, w)
	}
	return b
}

// Raw returns the uncompressed concatenation of sub-frames, or nil.
func (b *Batch) Raw() []byte {
	if b.raw == nil {
		return nil
	}
	return b.raw.Bytes()
}

// HasRaw reports whether an up to date raw form exists.
func (b *Batch) HasRaw() bool {
	return b.raw != nil && !b.rawStale
}

// SetRaw installs a new raw form. The previous one stays alive until Release
// because decoded packets may still reference it.
func (b *Batch) SetRaw(raw *buffer.Buffer) {
	if b.raw != nil {
		b.retained = append(b.retained, b.raw)
	}
	b.raw = raw
	b.rawStale = false
}

// Compressed returns the compressed bytes including any header byte, or nil.
func (b *Batch) Compressed() []byte {
	if b.compressed == nil {
		return nil
	}
	return b.compressed.Bytes()
}

// HasCompressed reports whether a compressed form exists, current or not.
func (b *Batch) HasCompressed() bool {
	return b.compressed != nil
}

// CompressedBody returns the compressed bytes without the header byte.
func (b *Batch) CompressedBody() []byte {
	data := b.Compressed()
	if len(data) < b.headerLen {
		return nil
	}
	return data[b.headerLen:]
}

// CompressedHeader reports which wire table's header byte the compressed
// bytes start with. ok is false when they carry no header.
func (b *Batch) CompressedHeader() (wire protocol.WireVersion, ok bool) {
	return b.headerWire, b.headerLen > 0
}

// SetCompressed installs the compressed form. headerLen is the number of
// leading header bytes (0 or 1) written with the given wire table. The batch
// is considered unmodified afterwards.
func (b *Batch) SetCompressed(data *buffer.Buffer, alg protocol.CompressionAlgorithm, headerLen int, wire protocol.WireVersion) {
	if b.compressed != nil && b.compressed != data {
		b.compressed.Release()
	}
	b.compressed = data
	b.algorithm = alg
	b.headerLen = headerLen
	b.headerWire = wire
	b.modified = false
}

// Algorithm returns the algorithm of the compressed form, or the algorithm
// negotiated for the batch before it is compressed.
func (b *Batch) Algorithm() protocol.CompressionAlgorithm {
	return b.algorithm
}

// SetAlgorithm sets the negotiated algorithm of a batch not yet compressed.
func (b *Batch) SetAlgorithm(alg protocol.CompressionAlgorithm) {
	b.algorithm = alg
}

// Modify marks the packet list as changed so both encodings are rebuilt.
func (b *Batch) Modify() {
	b.modified = true
	b.rawStale = true
}

// Modified reports whether the compressed form no longer matches Packets.
func (b *Batch) Modified() bool {
	return b.modified
}

// NeedsAssembly reports whether the raw form must be rebuilt from Packets
// before the batch can be sent.
func (b *Batch) NeedsAssembly() bool {
	if b.compressed != nil && !b.modified {
		return false
	}
	return b.raw == nil || b.rawStale
}

// Remove drops the packet at index i and marks the batch modified.
func (b *Batch) Remove(i int) {
	b.Packets = append(b.Packets[:i], b.Packets[i+1:]...)
	b.Modify()
}

// Released reports whether Release has been called.
func (b *Batch) Released() bool {
	return b.released
}

// Release frees every buffer the batch owns. Releasing twice panics.
func (b *Batch) Release() {
	if b.released {
		panic("batch: released twice")
	}
	b.released = true

	if b.raw != nil {
		b.raw.Release()
		b.raw = nil
	}
	if b.compressed != nil {
		b.compressed.Release()
		b.compressed = nil
	}
	for _, r := range b.retained {
		r.Release()
	}
	b.retained = nil
	b.Packets = nil
}
