// Package transport owns the downstream side of the proxy: the event loop
// group, the QUIC connection pool, the dialers and the registry of live
// sessions.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/energizer-project/proxytransport/internal/buffer"
	"github.com/energizer-project/proxytransport/internal/compression"
	"github.com/energizer-project/proxytransport/internal/eventloop"
	"github.com/energizer-project/proxytransport/internal/events"
	"github.com/energizer-project/proxytransport/internal/future"
	"github.com/energizer-project/proxytransport/internal/metrics"
	"github.com/energizer-project/proxytransport/internal/network"
	"github.com/energizer-project/proxytransport/internal/protocol"
	"github.com/energizer-project/proxytransport/internal/session"
)

const tracerName = "github.com/energizer-project/proxytransport/internal/transport"

var (
	// ErrNotStarted is returned by CreateConnection before Start.
	ErrNotStarted = errors.New("transport not started")
	// ErrStopped is returned by CreateConnection after Stop.
	ErrStopped = errors.New("transport stopped")
)

// Metrics is what the transport reports to. metrics.Prometheus and
// metrics.Noop implement it.
type Metrics interface {
	metrics.Sink
	metrics.SessionSink
}

// Options configures a Transport. The zero value is usable.
type Options struct {
	// Packets decodes packets the sessions inspect. Nil selects a registry
	// with the transport's own packets.
	Packets protocol.Codec

	// ZstdLevel and MaxDecompressed tune the compression codecs.
	ZstdLevel       int
	MaxDecompressed int

	Flow session.FlowConfig
	Skim bool

	// EventLoops is the number of session loops; below one uses the CPU count.
	EventLoops  int
	DialTimeout time.Duration
	QUIC        network.QUICConfig
	Conn        network.ConnOptions

	Metrics Metrics
	Events  *events.EventBus
	Tracer  trace.Tracer
}

// Transport creates downstream sessions.
type Transport struct {
	opts   Options
	logger zerolog.Logger

	loops    *eventloop.Group
	pool     *network.Pool
	tcp      network.Dialer
	quic     network.Dialer
	codecs   map[protocol.WireVersion]*compression.Codec
	sessions *Registry

	ctx    context.Context
	cancel context.CancelFunc

	// mu orders pending.Add in CreateConnection against Stop.
	mu       sync.RWMutex
	started  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	pending  sync.WaitGroup
}

// New creates a transport. Nothing runs until Start.
func New(opts Options) (*Transport, error) {
	if opts.Packets == nil {
		opts.Packets = protocol.NewRegistry()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = network.DefaultDialTimeout
	}
	if opts.QUIC.ALPN == "" {
		opts.QUIC = network.DefaultQUICConfig()
	}
	if opts.Conn.Pool == nil {
		opts.Conn.Pool = buffer.Default
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		ctx:      ctx,
		cancel:   cancel,
		opts:     opts,
		logger:   log.With().Str("component", "transport").Logger(),
		loops:    eventloop.NewGroup("session", opts.EventLoops),
		codecs:   make(map[protocol.WireVersion]*compression.Codec, 2),
		sessions: NewRegistry(),
	}

	for _, wire := range []protocol.WireVersion{protocol.WireBatch, protocol.WireLegacy} {
		codec, err := compression.New(compression.Options{
			Wire:            wire,
			Level:           opts.ZstdLevel,
			MaxDecompressed: opts.MaxDecompressed,
			Pool:            opts.Conn.Pool,
			Metrics:         opts.Metrics,
		})
		if err != nil {
			t.closeCodecs()
			cancel()
			return nil, fmt.Errorf("failed to create %s codec: %w", wire, err)
		}
		t.codecs[wire] = codec
	}

	t.pool = network.NewPool(network.DialQUIC(opts.QUIC), opts.DialTimeout)
	t.pool.OnOpen = t.onPoolOpen
	t.pool.OnClose = t.onPoolClose
	t.tcp = &network.TCPDialer{Timeout: opts.DialTimeout, Conn: opts.Conn}
	t.quic = &network.QUICDialer{Pool: t.pool, Conn: opts.Conn}
	return t, nil
}

// Start starts the session loops.
func (t *Transport) Start() {
	if t.stopped.Load() || !t.started.CompareAndSwap(false, true) {
		return
	}
	t.loops.Start()
	t.logger.Info().
		Int("loops", t.loops.Size()).
		Dur("dial_timeout", t.opts.DialTimeout).
		Int("flood_ceiling", t.opts.Flow.FloodCeiling).
		Msg("transport started")
}

// Stop disconnects every session, closes the pool and stops the loops.
// Connections still being established fail with ErrStopped.
func (t *Transport) Stop(ctx context.Context) error {
	var err error
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.stopped.Store(true)
		t.mu.Unlock()
		t.cancel()
		t.logger.Info().Int("sessions", t.sessions.Count()).Msg("stopping transport")

		var g errgroup.Group
		g.Go(func() error {
			t.sessions.CloseAll(session.ReasonShutdown)
			return nil
		})
		g.Go(func() error {
			t.pool.Close()
			return nil
		})
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				t.pending.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("waiting for pending connections: %w", ctx.Err())
			}
		})
		err = g.Wait()

		// Sessions created by dials that were in flight.
		t.sessions.CloseAll(session.ReasonShutdown)
		if t.started.Load() {
			t.loops.Stop()
		}
		t.closeCodecs()
		t.opts.Events.Emit(context.Background(), events.New(events.EventShutdown, "transport", nil))
		t.logger.Info().Msg("transport stopped")
	})
	return err
}

func (t *Transport) closeCodecs() {
	for _, c := range t.codecs {
		c.Close()
	}
}

// CreateConnection connects a new session for host to server. The future
// completes with a session in the Handshaking state; the caller then calls
// Init. Cancelling ctx abandons the dial.
func (t *Transport) CreateConnection(ctx context.Context, server network.ServerInfo, host session.Host) *future.Future[*session.Session] {
	t.mu.RLock()
	defer t.mu.RUnlock()

	switch {
	case t.stopped.Load():
		return future.Failed[*session.Session](ErrStopped)
	case !t.started.Load():
		return future.Failed[*session.Session](ErrNotStarted)
	}
	if err := server.Validate(); err != nil {
		return future.Failed[*session.Session](err)
	}
	if server.Kind == "" {
		server.Kind = network.KindTCP
	}

	sess := session.New(session.Config{
		Server:      server,
		Host:        host,
		Loop:        t.loops.Next(),
		Packets:     t.opts.Packets,
		Compression: t.codecs[server.Wire],
		Flow:        t.opts.Flow,
		Skim:        t.opts.Skim,
		Metrics:     t.opts.Metrics,
		Events:      t.opts.Events,
	})
	t.sessions.Register(sess)

	t.opts.Events.Emit(ctx, events.New(events.EventConnectionInitialized, "transport", events.ConnectionPayload{
		SessionID: sess.ID(),
		Server:    server.Name,
		Address:   server.Address,
		Kind:      string(server.Kind),
	}))

	f := future.New[*session.Session]()
	t.pending.Add(1)
	go func() {
		defer t.pending.Done()
		t.connect(ctx, sess, f)
	}()
	return f
}

func (t *Transport) connect(ctx context.Context, sess *session.Session, f *future.Future[*session.Session]) {
	server := sess.Server()
	ctx, span := t.opts.Tracer.Start(ctx, "transport.connect", trace.WithAttributes(
		attribute.String("session.id", sess.ID()),
		attribute.String("server.name", server.Name),
		attribute.String("server.address", server.Address),
		attribute.String("server.kind", string(server.Kind)),
	))
	defer span.End()

	// Stop abandons dials still in flight.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(t.ctx, cancel)
	defer stop()

	start := time.Now()
	link, err := t.dialer(server.Kind).Dial(ctx, server)
	took := time.Since(start)
	t.opts.Metrics.ObserveDial(string(server.Kind), took, err)

	if err == nil && t.stopped.Load() {
		link.Close()
		err = ErrStopped
	}
	if err == nil {
		err = sess.Attach(link)
	}

	payload := events.ConnectionPayload{
		SessionID: sess.ID(),
		Server:    server.Name,
		Address:   server.Address,
		Kind:      string(server.Kind),
		Duration:  took,
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect failed")
		payload.Err = err.Error()
		t.opts.Events.Emit(context.Background(), events.New(events.EventConnectionComplete, "transport", payload))

		t.logger.Warn().
			Err(err).
			Str("session", sess.ID()).
			Str("server", server.Name).
			Dur("took", took).
			Msg("failed to connect downstream")
		sess.Disconnect(session.ReasonDisconnected)
		f.Fail(err)
		return
	}

	span.SetAttributes(attribute.String("link.local", link.LocalAddr().String()))
	t.opts.Events.Emit(context.Background(), events.New(events.EventConnectionComplete, "transport", payload))
	t.logger.Debug().
		Str("session", sess.ID()).
		Str("server", server.Name).
		Dur("took", took).
		Msg("downstream connected")

	if !f.Complete(sess) {
		// The caller cancelled the future while we were dialing.
		sess.Disconnect(session.ReasonDisconnected)
	}
}

func (t *Transport) dialer(kind network.Kind) network.Dialer {
	if kind == network.KindQUIC {
		return t.quic
	}
	return t.tcp
}

func (t *Transport) onPoolOpen(addr string, took time.Duration, err error) {
	t.opts.Metrics.ObserveDial("quic_pool", took, err)
	p := events.PoolPayload{Address: addr}
	if err != nil {
		p.Err = err.Error()
	}
	t.opts.Events.Emit(context.Background(), events.New(events.EventPoolConnectionOpened, "transport", p))
}

func (t *Transport) onPoolClose(addr string) {
	t.opts.Events.Emit(context.Background(), events.New(events.EventPoolConnectionClosed, "transport",
		events.PoolPayload{Address: addr}))
}

// Sessions returns the live sessions, oldest first.
func (t *Transport) Sessions() []*session.Session {
	return t.sessions.All()
}

// Session returns the live session with id.
func (t *Transport) Session(id string) (*session.Session, bool) {
	return t.sessions.Get(id)
}

// Disconnect ends the session with id. It reports whether it was live.
func (t *Transport) Disconnect(id string, reason session.Reason) bool {
	s, ok := t.sessions.Get(id)
	if !ok {
		return false
	}
	s.Disconnect(reason)
	return true
}

// PoolEntries describes the pooled QUIC connections.
func (t *Transport) PoolEntries() []network.PoolEntry {
	return t.pool.Entries()
}

// PoolAddresses returns the addresses with a pooled or pending connection.
func (t *Transport) PoolAddresses() []string {
	entries := t.pool.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Address
	}
	return out
}

// Codec returns the compression codec for wire.
func (t *Transport) Codec(wire protocol.WireVersion) *compression.Codec {
	return t.codecs[wire]
}

// Packets returns the packet codec sessions decode with.
func (t *Transport) Packets() protocol.Codec {
	return t.opts.Packets
}
