// Package protocol defines the framed-batch wire format spoken between the
// proxy and its downstream servers: frames, sub-packet headers, compression
// tags, the packet codec contract and the handful of packets the transport
// itself produces or consumes.
package protocol

import "fmt"

// Packet ids the transport layer understands itself.
const (
	IDTickSync            uint32 = 23
	IDNetworkStackLatency uint32 = 115
)

// Sub-packet header layout: bits 0-9 packet id, 10-11 sender, 12-13 client.
const (
	headerIDMask     = 0x3FF
	headerSubMask    = 0x3
	headerSenderBits = 10
	headerClientBits = 12

	// MaxPacketID is the largest id representable in a sub-packet header.
	MaxPacketID = headerIDMask
)

// Header is the decoded sub-packet header.
type Header struct {
	ID       uint32
	SenderID uint8
	ClientID uint8
}

// Pack encodes the header into its varint value.
func (h Header) Pack() uint32 {
	return h.ID&headerIDMask |
		uint32(h.SenderID&headerSubMask)<<headerSenderBits |
		uint32(h.ClientID&headerSubMask)<<headerClientBits
}

// UnpackHeader splits a header varint into its fields.
func UnpackHeader(v uint32) Header {
	return Header{
		ID:       v & headerIDMask,
		SenderID: uint8((v >> headerSenderBits) & headerSubMask),
		ClientID: uint8((v >> headerClientBits) & headerSubMask),
	}
}

func (h Header) String() string {
	return fmt.Sprintf("id=%d sender=%d client=%d", h.ID, h.SenderID, h.ClientID)
}

// Packet is a decoded game packet. Concrete layouts belong to the codec.
type Packet interface {
	PacketID() uint32
}

// Wrapped carries one sub-packet of a batch. Payload holds the encoded body
// (without the header) and may alias the batch buffer it was read from, so
// it is only valid until that batch is released. Packet is nil when the
// codec did not decode the body.
type Wrapped struct {
	Header  Header
	Packet  Packet
	Payload []byte
}

// Wrap builds a Wrapped for a decoded packet addressed to client 0.
func Wrap(p Packet) *Wrapped {
	return &Wrapped{Header: Header{ID: p.PacketID()}, Packet: p}
}

// NetworkStackLatency is the ping packet. A zero timestamp marks a probe
// generated by the transport itself.
type NetworkStackLatency struct {
	Timestamp  int64
	FromServer bool
}

func (*NetworkStackLatency) PacketID() uint32 { return IDNetworkStackLatency }

// TickSync relays the measured latencies: RequestTimestamp carries the
// client-facing ping and ResponseTimestamp the downstream latency, both in ms.
type TickSync struct {
	RequestTimestamp  int64
	ResponseTimestamp int64
}

func (*TickSync) PacketID() uint32 { return IDTickSync }
