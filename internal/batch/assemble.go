package batch

import (
	"encoding/binary"

	"github.com/energizer-project/proxytransport/internal/buffer"
	"github.com/energizer-project/proxytransport/internal/protocol"
)

// Assembler concatenates sub-packets into the raw batch layout:
// [varint length][varint header][payload] per packet, in order.
type Assembler struct {
	Codec protocol.Codec
	Pool  *buffer.Pool
}

// NewAssembler creates an assembler using the default buffer pool.
func NewAssembler(codec protocol.Codec) *Assembler {
	return &Assembler{Codec: codec, Pool: buffer.Default}
}

// Assemble encodes packets into a new buffer owned by the caller.
func (a *Assembler) Assemble(packets []*protocol.Wrapped) (*buffer.Buffer, error) {
	out := a.Pool.Get()

	var tmp [binary.MaxVarintLen32]byte
	for _, w := range packets {
		header := w.Header
		payload := w.Payload

		if w.Packet != nil {
			id, encoded, err := a.Codec.Encode(w.Packet)
			if err != nil {
				out.Release()
				return nil, err
			}
			header.ID = id
			payload = encoded
		}
		if header.ID > protocol.MaxPacketID {
			out.Release()
			return nil, protocol.Errorf(protocol.ErrCodeBadPayload, "packet id %d exceeds header range", header.ID)
		}

		hn := binary.PutUvarint(tmp[:], uint64(header.Pack()))
		var lenBuf [binary.MaxVarintLen32]byte
		ln := binary.PutUvarint(lenBuf[:], uint64(hn+len(payload)))

		out.Write(lenBuf[:ln])
		out.Write(tmp[:hn])
		out.Write(payload)
	}

	return out, nil
}

// AssembleInto assembles b.Packets and installs the result as b's raw form.
func (a *Assembler) AssembleInto(b *Batch) error {
	raw, err := a.Assemble(b.Packets)
	if err != nil {
		return err
	}
	b.SetRaw(raw)
	return nil
}
