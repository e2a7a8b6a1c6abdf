package network

import (
	"context"
	"errors"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/proxytransport/internal/future"
)

// ErrPoolClosed is returned for requests made after Close.
var ErrPoolClosed = errors.New("connection pool closed")

// MuxConn is a multiplexed connection shared by many sessions.
// quic.Connection implements it.
type MuxConn interface {
	OpenStreamSync(ctx context.Context) (quic.Stream, error)
	Context() context.Context
	CloseWithError(code quic.ApplicationErrorCode, msg string) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// DialFunc establishes one multiplexed connection.
type DialFunc func(ctx context.Context, addr string) (MuxConn, error)

// PoolEntry describes one pooled address for reporting.
type PoolEntry struct {
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}

// Pool keeps at most one multiplexed connection per remote address. The
// first caller for an address claims the dial; concurrent callers share
// its future.
type Pool struct {
	dial        DialFunc
	dialTimeout time.Duration

	conns  sync.Map // addr -> *future.Future[MuxConn]
	closed atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger

	// OnOpen and OnClose observe pooled connections; both may be nil.
	OnOpen  func(addr string, took time.Duration, err error)
	OnClose func(addr string)
}

// NewPool creates a pool dialing with dial. Each dial is bounded by
// dialTimeout and is independent of the context of the caller that
// triggered it, since other callers may be waiting on the same dial.
func NewPool(dial DialFunc, dialTimeout time.Duration) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		dial:        dial,
		dialTimeout: dialTimeout,
		ctx:         ctx,
		cancel:      cancel,
		logger:      log.With().Str("component", "pool").Logger(),
	}
}

// GetOrCreate returns the connection future for addr, starting a dial if
// no connection exists or is pending.
func (p *Pool) GetOrCreate(addr string) *future.Future[MuxConn] {
	if p.closed.Load() {
		return future.Failed[MuxConn](ErrPoolClosed)
	}

	if existing, ok := p.conns.Load(addr); ok {
		p.logger.Debug().Str("addr", addr).Msg("reusing pooled connection")
		return existing.(*future.Future[MuxConn])
	}

	f := future.New[MuxConn]()
	if actual, loaded := p.conns.LoadOrStore(addr, f); loaded {
		return actual.(*future.Future[MuxConn])
	}

	p.logger.Info().Str("addr", addr).Msg("creating pooled connection")
	p.wg.Add(1)
	go p.connect(addr, f)
	return f
}

func (p *Pool) connect(addr string, f *future.Future[MuxConn]) {
	defer p.wg.Done()

	ctx := p.ctx
	if p.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.dialTimeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := p.dial(ctx, addr)
	if p.OnOpen != nil {
		p.OnOpen(addr, time.Since(start), err)
	}
	if err != nil {
		p.logger.Warn().Err(err).Str("addr", addr).Msg("pooled connection failed")
		// Remove before failing so a waiter that retries dials afresh.
		p.conns.CompareAndDelete(addr, f)
		f.Fail(err)
		return
	}

	p.wg.Add(1)
	go p.watch(addr, f, conn)

	if !f.Complete(conn) {
		// Cancelled by Close while dialing.
		conn.CloseWithError(0, "pool closed")
	}
}

// watch drops the entry once the connection ends.
func (p *Pool) watch(addr string, f *future.Future[MuxConn], conn MuxConn) {
	defer p.wg.Done()

	select {
	case <-conn.Context().Done():
	case <-p.ctx.Done():
		conn.CloseWithError(0, "pool closed")
		<-conn.Context().Done()
	}

	if p.conns.CompareAndDelete(addr, f) {
		p.logger.Debug().Str("addr", addr).Msg("pooled connection closed")
	}
	if p.OnClose != nil {
		p.OnClose(addr)
	}
}

// Entries lists the pooled addresses sorted by address.
func (p *Pool) Entries() []PoolEntry {
	var entries []PoolEntry
	p.conns.Range(func(k, v any) bool {
		_, err, done := v.(*future.Future[MuxConn]).Result()
		entries = append(entries, PoolEntry{
			Address:   k.(string),
			Connected: done && err == nil,
		})
		return true
	})
	sort.Slice(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })
	return entries
}

// Len returns the number of pooled or pending connections.
func (p *Pool) Len() int {
	n := 0
	p.conns.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

// Close fails pending dials, closes every pooled connection and waits for
// the pool goroutines to exit.
func (p *Pool) Close() {
	if p.closed.Swap(true) {
		return
	}

	p.conns.Range(func(k, v any) bool {
		v.(*future.Future[MuxConn]).Cancel()
		return true
	})
	p.cancel()
	p.wg.Wait()

	p.conns.Range(func(k, _ any) bool {
		p.conns.Delete(k)
		return true
	})
	p.logger.Info().Msg("connection pool closed")
}
