package transport_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/energizer-project/proxytransport/internal/events"
	"github.com/energizer-project/proxytransport/internal/network"
	"github.com/energizer-project/proxytransport/internal/protocol"
	"github.com/energizer-project/proxytransport/internal/session"
	"github.com/energizer-project/proxytransport/internal/transport"
	"github.com/energizer-project/proxytransport/internal/transporttest"
)

const waitFor = 5 * time.Second

func newTransport(t *testing.T, opts transport.Options) *transport.Transport {
	t.Helper()
	if opts.EventLoops == 0 {
		opts.EventLoops = 2
	}
	if opts.Flow.PingInterval == 0 {
		opts.Flow.PingInterval = time.Hour
	}
	tr, err := transport.New(opts)
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	tr.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		tr.Stop(ctx)
	})
	return tr
}

func newServer(t *testing.T, kind network.Kind) *transporttest.Server {
	t.Helper()
	srv, err := transporttest.NewServer(protocol.WireBatch)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	switch kind {
	case network.KindQUIC:
		err = srv.ListenQUIC(network.DefaultQUICConfig())
	default:
		err = srv.ListenTCP()
	}
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

func connect(t *testing.T, tr *transport.Transport, server network.ServerInfo, host session.Host) *session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := tr.CreateConnection(ctx, server, host).Await(ctx)
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}
	return s
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func opaque(id uint32) []*protocol.Wrapped {
	return []*protocol.Wrapped{{Header: protocol.Header{ID: id}, Payload: []byte{0x01, 0x02}}}
}

func TestCreateConnectionTCP(t *testing.T) {
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	completed := make(chan events.ConnectionPayload, 1)
	bus.Subscribe(events.EventConnectionComplete, "test", func(_ context.Context, e events.Event) error {
		completed <- e.Payload.(events.ConnectionPayload)
		return nil
	})

	srv := newServer(t, network.KindTCP)
	tr := newTransport(t, transport.Options{Events: bus})
	host := transporttest.NewHost("player")

	s := connect(t, tr, srv.Info("lobby", network.KindTCP), host)
	if got := s.State(); got != session.StateHandshaking {
		t.Fatalf("state = %s, want handshaking", got)
	}
	s.Init(true)
	s.OnInitialServerConnected()

	s.SendPackets(opaque(300))
	if got := srv.WaitReceived(1, waitFor); len(got) != 1 || got[0].Header.ID != 300 {
		t.Fatalf("server received %+v", got)
	}

	frame, err := srv.Frames.EncodePackets(&protocol.TickSync{RequestTimestamp: 9})
	if err != nil {
		t.Fatalf("EncodePackets: %v", err)
	}
	eventually(t, "server link", func() bool { return srv.Links() == 1 })
	if err := srv.Push(frame); err != nil {
		t.Fatalf("Push: %v", err)
	}
	up := host.WaitUpstream(1, waitFor)
	if len(up) != 1 || !cmp.Equal([]uint32{protocol.IDTickSync}, up[0].IDs) {
		t.Fatalf("host received %+v", up)
	}

	select {
	case p := <-completed:
		if p.SessionID != s.ID() || p.Err != "" || p.Kind != "tcp" {
			t.Fatalf("unexpected completion %+v", p)
		}
	case <-time.After(waitFor):
		t.Fatal("no connection complete event")
	}

	if got := tr.Sessions(); len(got) != 1 || got[0] != s {
		t.Fatalf("sessions = %v", got)
	}
	if !tr.Disconnect(s.ID(), session.ReasonDisconnected) {
		t.Fatal("Disconnect reported an unknown session")
	}
	eventually(t, "session removal", func() bool { return len(tr.Sessions()) == 0 })
	if tr.Disconnect(s.ID(), session.ReasonDisconnected) {
		t.Fatal("Disconnect found a removed session")
	}
}

func TestQUICSessionsSharePooledConnection(t *testing.T) {
	const sessions = 5
	srv := newServer(t, network.KindQUIC)
	tr := newTransport(t, transport.Options{})
	info := srv.Info("game", network.KindQUIC)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out []*session.Session
	)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), waitFor)
			defer cancel()
			s, err := tr.CreateConnection(ctx, info, transporttest.NewHost("player")).Await(ctx)
			if err != nil {
				t.Errorf("CreateConnection: %v", err)
				return
			}
			mu.Lock()
			out = append(out, s)
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(out) != sessions {
		t.Fatalf("connected %d sessions, want %d", len(out), sessions)
	}

	if diff := cmp.Diff([]string{info.Address}, tr.PoolAddresses()); diff != "" {
		t.Fatalf("pool addresses mismatch (-want +got):\n%s", diff)
	}

	// Streams become visible to the server with their first frame.
	for _, s := range out {
		s.Init(true)
		s.SendPackets(opaque(301))
	}
	srv.WaitReceived(sessions, waitFor)
	eventually(t, "server streams", func() bool { return srv.Links() == sessions })

	entries := tr.PoolEntries()
	if len(entries) != 1 || !entries[0].Connected {
		t.Fatalf("pool entries = %+v", entries)
	}
}

func TestQUICLatencyProbeEchoed(t *testing.T) {
	srv := newServer(t, network.KindQUIC)
	tr := newTransport(t, transport.Options{
		Flow: session.FlowConfig{PingInterval: 20 * time.Millisecond},
	})

	s := connect(t, tr, srv.Info("game", network.KindQUIC), transporttest.NewHost("player"))
	s.Init(true)

	eventually(t, "latency sample", func() bool {
		_, ok := s.Latency()
		return ok
	})
	if srv.Probes() == 0 {
		t.Fatal("server saw no probes")
	}

	var tick *protocol.TickSync
	eventually(t, "tick sync", func() bool {
		for _, p := range srv.Received() {
			if ts, ok := p.Packet.(*protocol.TickSync); ok {
				tick = ts
				return true
			}
		}
		return false
	})
	if tick.RequestTimestamp != 40 {
		t.Fatalf("tick sync request = %d, want host ping 40", tick.RequestTimestamp)
	}
}

func TestCreateConnectionDialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	tr := newTransport(t, transport.Options{})
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	info := network.ServerInfo{Name: "gone", Address: addr, Kind: network.KindTCP}
	if _, err := tr.CreateConnection(ctx, info, transporttest.NewHost("player")).Await(ctx); err == nil {
		t.Fatal("connecting to a closed port succeeded")
	}
	eventually(t, "failed session removal", func() bool { return len(tr.Sessions()) == 0 })
}

func TestCreateConnectionRejectsInvalidServer(t *testing.T) {
	tr := newTransport(t, transport.Options{})
	ctx := context.Background()

	_, err := tr.CreateConnection(ctx, network.ServerInfo{Name: "bad", Address: "nope"}, transporttest.NewHost("p")).Await(ctx)
	if err == nil {
		t.Fatal("invalid address accepted")
	}
	if n := len(tr.Sessions()); n != 0 {
		t.Fatalf("%d sessions registered for an invalid server", n)
	}
}

func TestCreateConnectionLifecycle(t *testing.T) {
	tr, err := transport.New(transport.Options{EventLoops: 1})
	if err != nil {
		t.Fatalf("transport.New: %v", err)
	}
	ctx := context.Background()
	info := network.ServerInfo{Name: "lobby", Address: "127.0.0.1:1", Kind: network.KindTCP}

	if _, err := tr.CreateConnection(ctx, info, transporttest.NewHost("p")).Await(ctx); !errors.Is(err, transport.ErrNotStarted) {
		t.Fatalf("before Start: %v, want ErrNotStarted", err)
	}

	tr.Start()
	if err := tr.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := tr.CreateConnection(ctx, info, transporttest.NewHost("p")).Await(ctx); !errors.Is(err, transport.ErrStopped) {
		t.Fatalf("after Stop: %v, want ErrStopped", err)
	}
	if err := tr.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestStopDisconnectsSessions(t *testing.T) {
	srv := newServer(t, network.KindTCP)
	tr := newTransport(t, transport.Options{})
	s := connect(t, tr, srv.Info("lobby", network.KindTCP), transporttest.NewHost("player"))
	s.Init(true)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := tr.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !s.IsClosed() || s.Reason() != session.ReasonShutdown {
		t.Fatalf("session closed=%v reason=%q after Stop", s.IsClosed(), s.Reason())
	}
}

func TestProbe(t *testing.T) {
	srv := newServer(t, network.KindTCP)
	tr := newTransport(t, transport.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	rtt, err := tr.Probe(ctx, srv.Info("lobby", network.KindTCP))
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if rtt <= 0 {
		t.Fatalf("rtt = %s", rtt)
	}
	if srv.Probes() != 1 {
		t.Fatalf("server saw %d probes, want 1", srv.Probes())
	}
}
