// Package transporttest provides in-memory hosts, links and a downstream
// server for exercising sessions and the transport in tests.
package transporttest

import (
	"sync"
	"time"

	"github.com/energizer-project/proxytransport/internal/batch"
	"github.com/energizer-project/proxytransport/internal/network"
	"github.com/energizer-project/proxytransport/internal/protocol"
	"github.com/energizer-project/proxytransport/internal/session"
)

// Fallback records one SendToFallback call.
type Fallback struct {
	Target network.ServerInfo
	Reason string
}

// Upstream is what the host kept from a batch sent to the client.
type Upstream struct {
	IDs      []uint32
	Modified bool
	Raw      []byte
}

// Host is a session.Host recording everything the session asks of it.
type Host struct {
	HostName    string
	Version     int
	Algorithm   protocol.CompressionAlgorithm
	PingValue   time.Duration
	HasFallback bool

	// Handlers supplies packet handlers per kind; missing kinds get nil.
	Handlers map[session.HandlerKind]session.PacketHandler

	mu          sync.Mutex
	upstream    []Upstream
	disconnects []string
	fallbacks   []Fallback
	requested   []session.HandlerKind
	notify      chan struct{}
}

// NewHost returns a host named name negotiating zstd.
func NewHost(name string) *Host {
	return &Host{
		HostName:    name,
		Version:     1,
		Algorithm:   protocol.CompressionZstd,
		PingValue:   40 * time.Millisecond,
		HasFallback: true,
		notify:      make(chan struct{}, 1024),
	}
}

func (h *Host) Name() string                               { return h.HostName }
func (h *Host) ProtocolVersion() int                       { return h.Version }
func (h *Host) Compression() protocol.CompressionAlgorithm { return h.Algorithm }
func (h *Host) Ping() time.Duration                        { return h.PingValue }

// Disconnect records the client disconnect message.
func (h *Host) Disconnect(reason string) {
	h.mu.Lock()
	h.disconnects = append(h.disconnects, reason)
	h.mu.Unlock()
}

// SendToFallback records the redirect.
func (h *Host) SendToFallback(target network.ServerInfo, reason string) bool {
	h.mu.Lock()
	h.fallbacks = append(h.fallbacks, Fallback{Target: target, Reason: reason})
	h.mu.Unlock()
	return h.HasFallback
}

// SendUpstream records the batch's packet ids and releases it.
func (h *Host) SendUpstream(b *batch.Batch) {
	u := Upstream{Modified: b.Modified(), Raw: append([]byte(nil), b.Raw()...)}
	for _, p := range b.Packets {
		u.IDs = append(u.IDs, p.Header.ID)
	}
	b.Release()

	h.mu.Lock()
	h.upstream = append(h.upstream, u)
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// PacketHandler returns the configured handler for kind.
func (h *Host) PacketHandler(kind session.HandlerKind, _ *session.Session) session.PacketHandler {
	h.mu.Lock()
	h.requested = append(h.requested, kind)
	h.mu.Unlock()
	return h.Handlers[kind]
}

// Upstream returns the batches sent to the client so far.
func (h *Host) Upstream() []Upstream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Upstream(nil), h.upstream...)
}

// WaitUpstream blocks until at least n batches reached the client or the
// timeout passes, and returns what arrived.
func (h *Host) WaitUpstream(n int, timeout time.Duration) []Upstream {
	deadline := time.After(timeout)
	for {
		if got := h.Upstream(); len(got) >= n {
			return got
		}
		select {
		case <-h.notify:
		case <-deadline:
			return h.Upstream()
		}
	}
}

// Disconnects returns the client disconnect messages.
func (h *Host) Disconnects() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.disconnects...)
}

// Fallbacks returns the fallback redirects.
func (h *Host) Fallbacks() []Fallback {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Fallback(nil), h.fallbacks...)
}

// RequestedHandlers returns the handler kinds asked for, in order.
func (h *Host) RequestedHandlers() []session.HandlerKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]session.HandlerKind(nil), h.requested...)
}
