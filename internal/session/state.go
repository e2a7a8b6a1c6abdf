// Package session drives one downstream session: its lifecycle state
// machine, handler swapping during server transfers, batch delivery in both
// directions, flood control and latency sampling.
package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/energizer-project/proxytransport/internal/batch"
	"github.com/energizer-project/proxytransport/internal/network"
	"github.com/energizer-project/proxytransport/internal/protocol"
)

// State is the lifecycle state of a session.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateConnected
	StateTransferring
	StateDisconnected
)

var stateStrings = map[State]string{
	StateConnecting:   "connecting",
	StateHandshaking:  "handshaking",
	StateConnected:    "connected",
	StateTransferring: "transferring",
	StateDisconnected: "disconnected",
}

func (s State) String() string {
	if str, ok := stateStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes State as a JSON string (e.g. "connected").
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON parses a state name written by MarshalJSON.
func (s *State) UnmarshalJSON(data []byte) error {
	name := strings.Trim(string(data), `"`)
	for state, str := range stateStrings {
		if str == name {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", name)
}

// Reason says why a session ended.
type Reason string

const (
	ReasonDisconnected   Reason = "disconnected"
	ReasonClosedByRemote Reason = "closed by remote peer"
	ReasonBadPacket      Reason = "bad packet"
	ReasonFlood          Reason = "too many packets"
	ReasonTimedOut       Reason = "timed out"
	ReasonShutdown       Reason = "transport shutdown"
)

// FallbackReason is the message given to the host when a session is
// dropped for a packet that could not be decoded.
const FallbackReason = "Downstream Timeout (Bad Packet)"

// FloodMessage is the message the host disconnects its client with when
// the client exceeds the packet ceiling.
const FloodMessage = "Too many packets!"

// HandlerKind selects which packet handler the host supplies.
type HandlerKind int

const (
	// HandlerInitial handles the first server a client joins.
	HandlerInitial HandlerKind = iota
	// HandlerSwitchingServer handles a server being switched to.
	HandlerSwitchingServer
	// HandlerConnected handles a server the client is fully on.
	HandlerConnected
)

func (k HandlerKind) String() string {
	switch k {
	case HandlerInitial:
		return "initial"
	case HandlerSwitchingServer:
		return "switching_server"
	case HandlerConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Signal is a packet handler's verdict on one packet.
type Signal int

const (
	// SignalUnhandled forwards the packet untouched.
	SignalUnhandled Signal = iota
	// SignalHandled forwards the packet after the handler changed it.
	SignalHandled
	// SignalCancel drops the packet.
	SignalCancel
)

// PacketHandler inspects decoded packets travelling from the server to
// the client. It runs on the session's event loop.
type PacketHandler interface {
	HandlePacket(p *protocol.Wrapped) Signal
}

// PacketHandlerFunc adapts a function to PacketHandler.
type PacketHandlerFunc func(p *protocol.Wrapped) Signal

// HandlePacket implements PacketHandler.
func (f PacketHandlerFunc) HandlePacket(p *protocol.Wrapped) Signal {
	return f(p)
}

// Host is the proxy-side owner of a session: the player connection the
// downstream session serves.
type Host interface {
	Name() string
	ProtocolVersion() int
	// Compression is the algorithm negotiated with the client.
	Compression() protocol.CompressionAlgorithm
	// Ping is the client-facing round trip time.
	Ping() time.Duration
	// Disconnect drops the client.
	Disconnect(reason string)
	// SendToFallback moves the client off target. It reports whether a
	// fallback server was found.
	SendToFallback(target network.ServerInfo, reason string) bool
	// SendUpstream forwards a batch to the client and takes ownership of it.
	SendUpstream(b *batch.Batch)
	// PacketHandler returns the handler for kind. Nil forwards everything.
	PacketHandler(kind HandlerKind, s *Session) PacketHandler
}
