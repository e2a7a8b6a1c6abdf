package session

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/energizer-project/proxytransport/internal/batch"
	"github.com/energizer-project/proxytransport/internal/compression"
	"github.com/energizer-project/proxytransport/internal/eventloop"
	"github.com/energizer-project/proxytransport/internal/events"
	"github.com/energizer-project/proxytransport/internal/metrics"
	"github.com/energizer-project/proxytransport/internal/network"
	"github.com/energizer-project/proxytransport/internal/protocol"
)

// ErrSessionClosed is returned when attaching a link to a closed session.
var ErrSessionClosed = errors.New("session closed")

// MaxDumpSize caps the bytes kept from a batch that failed to decode.
const MaxDumpSize = compression.MaxDumpSize

// Decode failures tend to come in bursts when a server misbehaves.
var decodeErrorLog = rate.Sometimes{First: 5, Interval: time.Second}

// Config holds everything a session needs. Server, Host, Loop, Packets and
// Compression are required.
type Config struct {
	ID          string
	Server      network.ServerInfo
	Host        Host
	Loop        *eventloop.Loop
	Packets     protocol.Codec
	Compression *compression.Codec
	Flow        FlowConfig

	// Skim scans sub-packet headers first and forwards batches holding
	// nothing of interest without decoding them.
	Skim bool

	Metrics metrics.SessionSink
	Events  *events.EventBus
}

// Session is one client's relationship with one downstream server.
//
// All mutation happens on the session's event loop. Methods may be called
// from any goroutine; they hand their work to the loop.
type Session struct {
	id      string
	server  network.ServerInfo
	host    Host
	loop    *eventloop.Loop
	codec   *compression.Codec
	asm     *batch.Assembler
	disasm  *batch.Disassembler
	skim    bool
	metrics metrics.SessionSink
	events  *events.EventBus
	logger  zerolog.Logger
	flow    *flowController

	link     network.Link
	linkSet  chan struct{}
	initOnce sync.Once

	state    atomic.Int32
	handlers atomic.Pointer[handlerSet]
	closed   atomic.Bool
	reason   atomic.Value // Reason

	mu                 sync.Mutex
	disconnectHandlers []func(Reason)

	createdAt time.Time
}

// New creates a session in the Connecting state.
func New(cfg Config) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Noop{}
	}

	s := &Session{
		id:        cfg.ID,
		server:    cfg.Server,
		host:      cfg.Host,
		loop:      cfg.Loop,
		codec:     cfg.Compression,
		asm:       batch.NewAssembler(cfg.Packets),
		skim:      cfg.Skim,
		metrics:   cfg.Metrics,
		events:    cfg.Events,
		linkSet:   make(chan struct{}),
		createdAt: time.Now(),
		logger: log.With().
			Str("component", "session").
			Str("session", cfg.ID).
			Str("server", cfg.Server.Name).
			Str("host", cfg.Host.Name()).
			Logger(),
	}
	s.flow = newFlowController(s, cfg.Flow)
	s.disasm = &batch.Disassembler{
		Codec:          cfg.Packets,
		OnLatencyProbe: s.flow.acknowledge,
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Server returns the downstream server.
func (s *Session) Server() network.ServerInfo {
	return s.server
}

// Host returns the owning host.
func (s *Session) Host() Host {
	return s.host
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// Loop returns the event loop owning the session.
func (s *Session) Loop() *eventloop.Loop {
	return s.loop
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// transition moves from one of the given states to to. It reports false
// when the session is in none of them.
func (s *Session) transition(to State, from ...State) bool {
	for _, f := range from {
		if s.state.CompareAndSwap(int32(f), int32(to)) {
			s.logger.Debug().
				Str("from", f.String()).
				Str("to", to.String()).
				Msg("session state changed")
			return true
		}
	}
	return false
}

// Attach hands the established link to the session: Connecting becomes
// Handshaking. It must be called at most once. The link is closed if the
// session was disconnected while connecting.
func (s *Session) Attach(link network.Link) error {
	if s.IsClosed() {
		link.Close()
		return ErrSessionClosed
	}
	s.link = link
	close(s.linkSet)
	s.transition(StateHandshaking, StateConnecting)
	s.metrics.SessionOpened(s.server.Name)

	// Disconnect may have raced with the assignment above.
	if s.IsClosed() {
		link.Close()
		return ErrSessionClosed
	}
	return nil
}

func (s *Session) attached() bool {
	select {
	case <-s.linkSet:
		return true
	default:
		return false
	}
}

func (s *Session) linkClosed() bool {
	return !s.attached() || s.link.IsClosed()
}

// Init installs the handlers for a first join (initial) or a server switch
// and starts reading and sampling. It is called after Attach; only the
// first call has an effect.
func (s *Session) Init(initial bool) {
	s.initOnce.Do(func() {
		s.loop.Run(func() { s.init(initial) })
	})
}

func (s *Session) init(initial bool) {
	if s.IsClosed() || !s.attached() {
		return
	}

	hs := &handlerSet{kind: HandlerInitial}
	if !initial {
		hs.kind = HandlerSwitchingServer
		hs.transfer = &transferQueue{}
		q := hs.transfer
		s.AddDisconnectHandler(func(Reason) {
			s.loop.Run(q.release)
		})
	}
	hs.packets = s.host.PacketHandler(hs.kind, s)
	s.handlers.Store(hs)

	s.flow.start(s.loop, s.link)
	go s.readLoop()

	s.emit(events.EventDownstreamInitialized, events.SessionPayload{Initial: initial})
}

// OnInitialServerConnected completes the first join: Handshaking becomes
// Connected and the connected packet handler is installed.
func (s *Session) OnInitialServerConnected() {
	s.loop.Run(func() {
		if s.IsClosed() {
			return
		}
		s.transition(StateConnected, StateHandshaking)
		s.swapPacketHandler(HandlerConnected)
		s.emit(events.EventInitialServerConnected, events.SessionPayload{})
	})
}

// OnServerConnected starts a transfer onto this server: batches are queued
// until OnTransferCompleted.
func (s *Session) OnServerConnected() {
	s.loop.Run(func() {
		if s.IsClosed() {
			return
		}
		if !s.transition(StateTransferring, StateHandshaking, StateConnected) {
			s.logger.Warn().Str("state", s.State().String()).Msg("transfer started in unexpected state")
			return
		}
		if hs := s.handlers.Load(); hs != nil && hs.transfer != nil {
			hs.transfer.locked = true
		}
		s.emit(events.EventTransferStarted, events.SessionPayload{})
	})
}

// OnTransferCompleted finishes a transfer: direct handlers are installed,
// queued batches are flushed in arrival order (client-bound after
// server-bound) ahead of anything submitted later, then cb runs.
func (s *Session) OnTransferCompleted(cb func()) {
	s.loop.Run(func() { s.transferCompleted(cb) })
}

func (s *Session) transferCompleted(cb func()) {
	old := s.handlers.Load()
	next := &handlerSet{
		kind:    HandlerConnected,
		packets: s.host.PacketHandler(HandlerConnected, s),
	}
	s.handlers.Store(next)

	if old != nil && old.transfer != nil {
		n := old.transfer.len()
		old.transfer.drain(s.writeBatch, func(b *batch.Batch) { s.deliverInbound(next, b) })
		if n > 0 {
			s.logger.Debug().Int("batches", n).Msg("flushed transfer queue")
		}
	}

	if cb != nil {
		cb()
	}

	if s.IsClosed() {
		return
	}
	s.transition(StateConnected, StateTransferring, StateHandshaking)
	s.emit(events.EventTransferCompleted, events.SessionPayload{})
}

func (s *Session) swapPacketHandler(kind HandlerKind) {
	old := s.handlers.Load()
	next := &handlerSet{kind: kind, packets: s.host.PacketHandler(kind, s)}
	if old != nil {
		next.transfer = old.transfer
	}
	s.handlers.Store(next)
}

// HandlerKind returns the kind of the installed packet handler.
func (s *Session) HandlerKind() (HandlerKind, bool) {
	hs := s.handlers.Load()
	if hs == nil {
		return 0, false
	}
	return hs.kind, true
}

// AddDisconnectHandler registers fn to run once when the session ends. It
// runs immediately if the session has already ended.
func (s *Session) AddDisconnectHandler(fn func(Reason)) {
	s.mu.Lock()
	if !s.closed.Load() {
		s.disconnectHandlers = append(s.disconnectHandlers, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	fn(s.Reason())
}

// Send sends one packet to the server. It is ordered with, and counted
// like, batches given to SendBatch.
func (s *Session) Send(p protocol.Packet) {
	s.SendBatch(s.single(p))
}

// SendPackets sends client packets to the server.
func (s *Session) SendPackets(packets []*protocol.Wrapped) {
	b := batch.New(packets...)
	b.SetAlgorithm(s.host.Compression())
	s.SendBatch(b)
}

// SendBatch sends a client batch to the server and takes ownership of it.
// The batch counts against the flood ceiling and is queued while a
// transfer is in progress.
func (s *Session) SendBatch(b *batch.Batch) {
	s.loop.Run(func() { s.sendBatch(b) })
}

func (s *Session) sendBatch(b *batch.Batch) {
	if s.IsClosed() {
		b.Release()
		return
	}
	if !s.flow.admit(len(b.Packets)) {
		b.Release()
		return
	}
	if hs := s.handlers.Load(); hs != nil && hs.queuing() {
		hs.transfer.pushOutbound(b)
	} else {
		s.writeBatch(b)
	}
	s.flow.checkFlood()
}

func (s *Session) single(p protocol.Packet) *batch.Batch {
	b := batch.Of(0, p)
	b.SetAlgorithm(s.host.Compression())
	return b
}

// writeBatch encodes b, queues it on the link and releases it. Runs on the
// loop. Latency probes and tick syncs use it directly and skip both flood
// accounting and the transfer queue.
func (s *Session) writeBatch(b *batch.Batch) {
	defer b.Release()

	if s.IsClosed() || !s.attached() {
		return
	}
	if b.NeedsAssembly() {
		if err := s.asm.AssembleInto(b); err != nil {
			s.logger.Error().Err(err).Int("packets", len(b.Packets)).Msg("failed to assemble batch")
			return
		}
	}

	parts, err := s.codec.Encode(b)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to encode batch")
		return
	}
	if err := s.link.WriteFrame(parts...); err != nil {
		if !s.IsClosed() {
			reason := ReasonClosedByRemote
			if errors.Is(err, network.ErrWriteQueueFull) {
				reason = ReasonTimedOut
			}
			s.logger.Debug().Err(err).Msg("write failed, closing session")
			s.Disconnect(reason)
		}
	}
}

// readLoop decompresses frames off the loop and hands batches to it.
func (s *Session) readLoop() {
	for {
		frame, err := s.link.ReadFrame()
		if err != nil {
			s.onReadError(err)
			return
		}

		b, err := s.codec.Decode(frame)
		if err != nil {
			var dump []byte
			var de *compression.DecodeError
			if errors.As(err, &de) {
				dump = de.Frame
			}
			s.loop.Run(func() { s.fail(err, dump) })
			return
		}

		if err := s.loop.Execute(func() { s.handleInbound(b) }); err != nil {
			b.Release()
			return
		}
	}
}

func (s *Session) onReadError(err error) {
	if s.IsClosed() {
		return
	}
	if _, ok := protocol.IsProtocolError(err); ok {
		s.loop.Run(func() { s.fail(err, nil) })
		return
	}

	reason := ReasonClosedByRemote
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, os.ErrDeadlineExceeded) {
		reason = ReasonTimedOut
	} else if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug().Err(err).Msg("read failed")
	}
	s.Disconnect(reason)
}

// handleInbound runs on the loop for every batch from the server.
func (s *Session) handleInbound(b *batch.Batch) {
	if s.IsClosed() {
		b.Release()
		return
	}

	if err := s.disassemble(b); err != nil {
		dump := dumpOf(b.Raw())
		b.Release()
		s.fail(err, dump)
		return
	}

	hs := s.handlers.Load()
	if hs.queuing() {
		hs.transfer.pushInbound(b)
		return
	}
	s.deliverInbound(hs, b)
}

func (s *Session) disassemble(b *batch.Batch) error {
	if s.skim {
		interesting, err := s.disasm.Skim(b.Raw())
		if err != nil || !interesting {
			return err
		}
	}
	return s.disasm.Disassemble(b)
}

// deliverInbound runs the packet handler over decoded packets and forwards
// what is left to the client.
func (s *Session) deliverInbound(hs *handlerSet, b *batch.Batch) {
	if s.IsClosed() {
		b.Release()
		return
	}

	if hs.packets != nil {
		for i := 0; i < len(b.Packets); {
			w := b.Packets[i]
			if w.Packet == nil {
				i++
				continue
			}
			switch hs.packets.HandlePacket(w) {
			case SignalCancel:
				b.Remove(i)
				continue
			case SignalHandled:
				b.Modify()
			}
			i++
		}
	}

	if len(b.Packets) == 0 && (b.Modified() || len(b.Raw()) == 0) {
		b.Release()
		return
	}
	s.host.SendUpstream(b)
}

// fail reports an undecodable batch and drops the session.
func (s *Session) fail(err error, dump []byte) {
	if s.IsClosed() {
		return
	}

	code := ""
	if pe, ok := protocol.IsProtocolError(err); ok {
		code = pe.Code.String()
	}
	latency, _ := s.Latency()

	decodeErrorLog.Do(func() {
		s.logger.Error().
			Err(err).
			Str("code", code).
			Str("state", s.State().String()).
			Int("dump_bytes", len(dump)).
			Msg("failed to decode downstream batch")
	})

	s.events.Emit(context.Background(), events.New(events.EventDownstreamException, s.source(), events.ExceptionPayload{
		SessionID: s.id,
		Server:    s.server.Name,
		Host:      s.host.Name(),
		State:     s.State().String(),
		Code:      code,
		Error:     err.Error(),
		Latency:   latency.Milliseconds(),
		Dump:      dump,
	}))

	s.Disconnect(ReasonBadPacket)
}

func dumpOf(raw []byte) []byte {
	if len(raw) > MaxDumpSize {
		raw = raw[:MaxDumpSize]
	}
	return append([]byte(nil), raw...)
}

// Disconnect ends the session. Only the first call has an effect: the
// disconnect handlers run, periodic tasks stop and the link closes. A bad
// packet additionally sends the client to a fallback server.
func (s *Session) Disconnect(reason Reason) {
	s.mu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return
	}
	s.reason.Store(reason)
	handlers := s.disconnectHandlers
	s.disconnectHandlers = nil
	s.mu.Unlock()

	prev := State(s.state.Swap(int32(StateDisconnected)))

	for _, fn := range handlers {
		fn(reason)
	}
	s.loop.Run(s.flow.stop)
	if s.attached() {
		s.link.Close()
		s.metrics.SessionClosed(s.server.Name, string(reason))
	}

	s.logger.Info().
		Str("reason", string(reason)).
		Str("state", prev.String()).
		Msg("session closed")
	s.emit(events.EventSessionClosed, events.SessionPayload{Reason: string(reason)})

	if reason == ReasonBadPacket {
		if !s.host.SendToFallback(s.server, FallbackReason) {
			s.logger.Warn().Msg("no fallback server for client")
		}
	}
}

// IsClosed reports whether Disconnect has been called.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Reason returns why the session ended, or "" while it is open.
func (s *Session) Reason() Reason {
	r, _ := s.reason.Load().(Reason)
	return r
}

// Latency returns the latest latency estimate: half the measured round
// trip. ok is false until the first sample.
func (s *Session) Latency() (time.Duration, bool) {
	return s.flow.currentLatency()
}

// LossPercentage returns the retransmission rate of the last sampling
// interval. Only links with native statistics report it.
func (s *Session) LossPercentage() (float64, bool) {
	return s.flow.currentLoss()
}

func (s *Session) onLatency(latency time.Duration, loss float64, hasLoss, native bool) {
	s.metrics.ObserveLatency(s.server.Name, latency)
	s.events.Emit(context.Background(), events.New(events.EventLatencySampled, s.source(), events.LatencyPayload{
		SessionID: s.id,
		Server:    s.server.Name,
		Host:      s.host.Name(),
		Latency:   latency,
		Loss:      loss,
		HasLoss:   hasLoss,
		Native:    native,
	}))
}

func (s *Session) source() string {
	return "session:" + s.id
}

func (s *Session) emit(t events.EventType, p events.SessionPayload) {
	p.SessionID = s.id
	p.Server = s.server.Name
	p.Host = s.host.Name()
	p.State = s.State().String()
	s.events.Emit(context.Background(), events.New(t, s.source(), p))
}

// Info is a point-in-time snapshot of a session.
type Info struct {
	ID        string       `json:"id"`
	Server    string       `json:"server"`
	Address   string       `json:"address"`
	Kind      network.Kind `json:"kind"`
	Host      string       `json:"host"`
	State     State        `json:"state"`
	Handler   string       `json:"handler,omitempty"`
	LatencyMS int64        `json:"latency_ms"`
	Loss      *float64     `json:"loss,omitempty"`
	Reason    Reason       `json:"reason,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	// LastActivity is when the link last carried a frame, for links that
	// track it.
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// Info returns a snapshot for reporting.
func (s *Session) Info() Info {
	info := Info{
		ID:        s.id,
		Server:    s.server.Name,
		Address:   s.server.Address,
		Kind:      s.server.Kind,
		Host:      s.host.Name(),
		State:     s.State(),
		LatencyMS: -1,
		Reason:    s.Reason(),
		CreatedAt: s.createdAt,
	}
	if kind, ok := s.HandlerKind(); ok {
		info.Handler = kind.String()
	}
	if latency, ok := s.Latency(); ok {
		info.LatencyMS = latency.Milliseconds()
	}
	if loss, ok := s.LossPercentage(); ok {
		info.Loss = &loss
	}
	if s.attached() {
		if a, ok := s.link.(interface{ LastActivity() time.Time }); ok {
			at := a.LastActivity()
			info.LastActivity = &at
		}
	}
	return info
}
