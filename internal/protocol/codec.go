package protocol

import (
	"fmt"
	"sync"
)

// Codec converts packet bodies to and from decoded packets.
// Decode returns (nil, nil) for ids the codec has no definition for.
type Codec interface {
	Decode(id uint32, payload []byte) (Packet, error)
	Encode(p Packet) (id uint32, payload []byte, err error)
	Knows(id uint32) bool
}

// DecodeFunc decodes one packet body.
type DecodeFunc func(payload []byte) (Packet, error)

// EncodeFunc appends one packet body to the builder.
type EncodeFunc func(b *PacketBuilder, p Packet) error

type definition struct {
	decode DecodeFunc
	encode EncodeFunc
}

// Registry is a Codec backed by per-id definitions. It is safe for
// concurrent use; registrations normally happen once during startup.
type Registry struct {
	mu   sync.RWMutex
	defs map[uint32]definition
}

// NewRegistry returns a registry with the transport's own packets registered.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[uint32]definition)}
	r.Register(IDNetworkStackLatency, decodeNetworkStackLatency, encodeNetworkStackLatency)
	r.Register(IDTickSync, decodeTickSync, encodeTickSync)
	return r
}

// Register adds or replaces the definition for id.
func (r *Registry) Register(id uint32, decode DecodeFunc, encode EncodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[id] = definition{decode: decode, encode: encode}
}

// Knows reports whether id has a definition.
func (r *Registry) Knows(id uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.defs[id]
	return ok
}

// Decode implements Codec.
func (r *Registry) Decode(id uint32, payload []byte) (Packet, error) {
	r.mu.RLock()
	def, ok := r.defs[id]
	r.mu.RUnlock()
	if !ok || def.decode == nil {
		return nil, nil
	}

	p, err := def.decode(payload)
	if err != nil {
		return nil, WrapError(ErrCodeBadPayload, fmt.Sprintf("packet %d", id), err)
	}
	return p, nil
}

// Encode implements Codec.
func (r *Registry) Encode(p Packet) (uint32, []byte, error) {
	id := p.PacketID()

	r.mu.RLock()
	def, ok := r.defs[id]
	r.mu.RUnlock()
	if !ok || def.encode == nil {
		return id, nil, Errorf(ErrCodeBadPayload, "no encoder registered for packet %d", id)
	}

	b := NewPacketBuilder()
	if err := def.encode(b, p); err != nil {
		return id, nil, WrapError(ErrCodeBadPayload, fmt.Sprintf("packet %d", id), err)
	}
	return id, b.Build(), nil
}

func decodeNetworkStackLatency(payload []byte) (Packet, error) {
	r := NewPacketReader(payload)
	ts, err := r.ReadInt64()
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	fromServer, err := r.ReadBool()
	if err != nil {
		return nil, fmt.Errorf("from_server: %w", err)
	}
	return &NetworkStackLatency{Timestamp: ts, FromServer: fromServer}, nil
}

func encodeNetworkStackLatency(b *PacketBuilder, p Packet) error {
	pkt, ok := p.(*NetworkStackLatency)
	if !ok {
		return fmt.Errorf("unexpected packet type %T", p)
	}
	b.WriteInt64(pkt.Timestamp).WriteBool(pkt.FromServer)
	return nil
}

func decodeTickSync(payload []byte) (Packet, error) {
	r := NewPacketReader(payload)
	req, err := r.ReadInt64()
	if err != nil {
		return nil, fmt.Errorf("request_timestamp: %w", err)
	}
	resp, err := r.ReadInt64()
	if err != nil {
		return nil, fmt.Errorf("response_timestamp: %w", err)
	}
	return &TickSync{RequestTimestamp: req, ResponseTimestamp: resp}, nil
}

func encodeTickSync(b *PacketBuilder, p Packet) error {
	pkt, ok := p.(*TickSync)
	if !ok {
		return fmt.Errorf("unexpected packet type %T", p)
	}
	b.WriteInt64(pkt.RequestTimestamp).WriteInt64(pkt.ResponseTimestamp)
	return nil
}

// IsLatencyProbe reports whether a NetworkStackLatency body carries the zero
// timestamp used by the transport's own probes. Only the timestamp is read.
func IsLatencyProbe(payload []byte) bool {
	ts, err := NewPacketReader(payload).ReadInt64()
	return err == nil && ts == 0
}
