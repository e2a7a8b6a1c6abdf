package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/energizer-project/proxytransport/internal/future"
)

type fakeMux struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newFakeMux() *fakeMux {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeMux{ctx: ctx, cancel: cancel}
}

func (m *fakeMux) OpenStreamSync(context.Context) (quic.Stream, error) {
	return nil, errors.New("fake: no streams")
}
func (m *fakeMux) Context() context.Context { return m.ctx }
func (m *fakeMux) CloseWithError(quic.ApplicationErrorCode, string) error {
	m.cancel()
	return nil
}
func (m *fakeMux) LocalAddr() net.Addr  { return &net.UDPAddr{} }
func (m *fakeMux) RemoteAddr() net.Addr { return &net.UDPAddr{} }

func TestPoolSharesConcurrentDial(t *testing.T) {
	var dials atomic.Int32
	release := make(chan struct{})
	mux := newFakeMux()
	pool := NewPool(func(ctx context.Context, addr string) (MuxConn, error) {
		dials.Add(1)
		<-release
		return mux, nil
	}, time.Second)
	defer pool.Close()

	const callers = 50
	futures := make([]*future.Future[MuxConn], callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			futures[i] = pool.GetOrCreate("10.0.0.1:19132")
		}(i)
	}
	wg.Wait()
	close(release)

	for i, f := range futures {
		conn, err := f.Await(context.Background())
		if err != nil || conn != mux {
			t.Fatalf("caller %d got %v, %v", i, conn, err)
		}
	}
	if n := dials.Load(); n != 1 {
		t.Fatalf("dialed %d times, want 1", n)
	}

	// Resolved entries are reused without dialing.
	if conn, _ := pool.GetOrCreate("10.0.0.1:19132").Await(context.Background()); conn != mux {
		t.Fatal("resolved entry not reused")
	}
	if n := dials.Load(); n != 1 {
		t.Fatalf("dialed %d times after reuse, want 1", n)
	}
}

func TestPoolFailedDialIsForgotten(t *testing.T) {
	var dials atomic.Int32
	boom := errors.New("unreachable")
	pool := NewPool(func(ctx context.Context, addr string) (MuxConn, error) {
		if dials.Add(1) == 1 {
			return nil, boom
		}
		return newFakeMux(), nil
	}, time.Second)
	defer pool.Close()

	if _, err := pool.GetOrCreate("a:1").Await(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("first dial err = %v, want %v", err, boom)
	}
	if _, err := pool.GetOrCreate("a:1").Await(context.Background()); err != nil {
		t.Fatalf("second dial err = %v", err)
	}
	if n := dials.Load(); n != 2 {
		t.Fatalf("dialed %d times, want 2", n)
	}
}

func TestPoolDropsClosedConnection(t *testing.T) {
	mux := newFakeMux()
	closed := make(chan string, 1)
	pool := NewPool(func(ctx context.Context, addr string) (MuxConn, error) {
		return mux, nil
	}, time.Second)
	pool.OnClose = func(addr string) { closed <- addr }
	defer pool.Close()

	if _, err := pool.GetOrCreate("b:2").Await(context.Background()); err != nil {
		t.Fatal(err)
	}
	if entries := pool.Entries(); len(entries) != 1 || !entries[0].Connected {
		t.Fatalf("entries = %+v", entries)
	}

	mux.CloseWithError(0, "peer went away")
	select {
	case addr := <-closed:
		if addr != "b:2" {
			t.Fatalf("closed %q", addr)
		}
	case <-time.After(time.Second):
		t.Fatal("close not observed")
	}
	if pool.Len() != 0 {
		t.Fatalf("Len = %d after close, want 0", pool.Len())
	}
}

func TestPoolClose(t *testing.T) {
	block := make(chan struct{})
	pool := NewPool(func(ctx context.Context, addr string) (MuxConn, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	}, time.Minute)

	pending := pool.GetOrCreate("c:3")
	pool.Close()
	close(block)

	if _, err := pending.Await(context.Background()); !errors.Is(err, future.ErrCancelled) {
		t.Fatalf("pending err = %v, want ErrCancelled", err)
	}
	if _, err := pool.GetOrCreate("c:3").Await(context.Background()); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("after Close err = %v, want ErrPoolClosed", err)
	}
}
