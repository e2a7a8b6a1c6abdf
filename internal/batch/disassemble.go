package batch

import (
	"errors"
	"io"

	"github.com/energizer-project/proxytransport/internal/protocol"
)

// Disassembler splits a raw batch into sub-packets.
type Disassembler struct {
	Codec protocol.Codec

	// Wants selects the ids whose bodies are decoded. Nil decodes every id
	// the codec knows. Other packets keep only their raw payload.
	Wants func(id uint32) bool

	// OnLatencyProbe is called once for every zero-timestamp latency packet
	// removed from a batch.
	OnLatencyProbe func()
}

func (d *Disassembler) wants(id uint32) bool {
	if d.Wants != nil {
		return d.Wants(id)
	}
	return d.Codec.Knows(id)
}

// Disassemble fills b.Packets from b's raw form. Payloads alias the raw
// buffer. Latency probe replies are intercepted and removed; the batch is
// then marked modified.
func (d *Disassembler) Disassemble(b *Batch) error {
	r := protocol.NewPacketReader(b.Raw())
	packets := make([]*protocol.Wrapped, 0, 8)
	intercepted := 0

	for r.Remaining() > 0 {
		header, payload, err := nextSubPacket(r)
		if err != nil {
			return err
		}

		if header.ID == protocol.IDNetworkStackLatency && protocol.IsLatencyProbe(payload) {
			intercepted++
			continue
		}

		w := &protocol.Wrapped{Header: header, Payload: payload}
		if d.wants(header.ID) {
			p, err := d.Codec.Decode(header.ID, payload)
			if err != nil {
				return err
			}
			w.Packet = p
		}
		packets = append(packets, w)
	}

	b.Packets = packets
	if intercepted > 0 {
		b.Modify()
		if d.OnLatencyProbe != nil {
			for i := 0; i < intercepted; i++ {
				d.OnLatencyProbe()
			}
		}
	}
	return nil
}

// Skim walks the sub-packet headers of raw without decoding bodies and
// reports whether any packet must be decoded or intercepted. A batch for
// which Skim returns false can be forwarded without Disassemble.
func (d *Disassembler) Skim(raw []byte) (bool, error) {
	r := protocol.NewPacketReader(raw)
	for r.Remaining() > 0 {
		header, payload, err := nextSubPacket(r)
		if err != nil {
			return false, err
		}
		if header.ID == protocol.IDNetworkStackLatency && protocol.IsLatencyProbe(payload) {
			return true, nil
		}
		if d.wants(header.ID) {
			return true, nil
		}
	}
	return false, nil
}

func nextSubPacket(r *protocol.PacketReader) (protocol.Header, []byte, error) {
	length, err := r.ReadUvarint()
	if err != nil {
		return protocol.Header{}, nil, subPacketError("length", err)
	}
	if length == 0 {
		return protocol.Header{}, nil, protocol.NewError(protocol.ErrCodeEmptyPacket, "packet cannot be empty")
	}
	if length > uint64(r.Remaining()) {
		return protocol.Header{}, nil, protocol.Errorf(protocol.ErrCodeBadPayload,
			"sub-packet length %d exceeds remaining %d bytes", length, r.Remaining())
	}

	slice, _ := r.ReadSlice(int(length))
	sub := protocol.NewPacketReader(slice)
	hv, err := sub.ReadUvarint()
	if err != nil {
		return protocol.Header{}, nil, subPacketError("header", err)
	}
	if hv > 0xFFFFFFFF {
		return protocol.Header{}, nil, protocol.NewError(protocol.ErrCodeBadPayload, "sub-packet header overflows 32 bits")
	}

	return protocol.UnpackHeader(uint32(hv)), slice[sub.Offset():], nil
}

func subPacketError(field string, err error) error {
	if _, ok := protocol.IsProtocolError(err); ok {
		return err
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return protocol.WrapError(protocol.ErrCodeBadPayload, "truncated sub-packet "+field, err)
	}
	return protocol.WrapError(protocol.ErrCodeBadPayload, "sub-packet "+field, err)
}
