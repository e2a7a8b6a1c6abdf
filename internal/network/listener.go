package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Handler serves one accepted link. The link is closed when it returns.
type Handler func(ctx context.Context, conn *Connection)

// Listener accepts framed links, the server end of what the dialers open.
// Every accepted TCP connection and every QUIC stream is served in its
// own goroutine.
type Listener struct {
	handler Handler
	opts    ConnOptions
	logger  zerolog.Logger

	mu   sync.Mutex
	tcp  net.Listener
	quic *quic.Listener
	addr net.Addr
	wg   sync.WaitGroup
}

// NewListener creates a listener serving links with handler.
func NewListener(handler Handler, opts ConnOptions) *Listener {
	return &Listener{
		handler: handler,
		opts:    opts,
		logger:  log.With().Str("component", "listener").Logger(),
	}
}

// ListenTCP binds addr with SO_REUSEADDR and starts accepting in the
// background. It returns once the socket is bound.
func (l *Listener) ListenTCP(ctx context.Context, addr string) error {
	lc := ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start TCP listener on %s: %w", addr, err)
	}

	l.mu.Lock()
	l.tcp = ln
	l.addr = ln.Addr()
	l.mu.Unlock()

	l.logger.Info().Str("addr", ln.Addr().String()).Msg("TCP listener started")

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
					l.logger.Info().Msg("TCP listener stopping")
					return
				}
				l.logger.Error().Err(err).Msg("failed to accept connection")
				continue
			}
			l.serve(ctx, NewConnection(conn, l.opts))
		}
	}()
	return nil
}

// ListenQUIC binds addr and accepts QUIC connections, serving every
// bidirectional stream the peer opens.
func (l *Listener) ListenQUIC(ctx context.Context, addr string, tlsConf *tls.Config, conf *quic.Config) error {
	ln, err := quic.ListenAddr(addr, tlsConf, conf)
	if err != nil {
		return fmt.Errorf("failed to start QUIC listener on %s: %w", addr, err)
	}

	l.mu.Lock()
	l.quic = ln
	l.addr = ln.Addr()
	l.mu.Unlock()

	l.logger.Info().Str("addr", ln.Addr().String()).Msg("QUIC listener started")

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				l.logger.Info().Err(err).Msg("QUIC listener stopping")
				return
			}
			l.wg.Add(1)
			go l.acceptStreams(ctx, conn)
		}
	}()
	return nil
}

func (l *Listener) acceptStreams(ctx context.Context, conn quic.Connection) {
	defer l.wg.Done()
	defer conn.CloseWithError(0, "listener stopped")
	logger := l.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			logger.Debug().Err(err).Msg("quic connection finished")
			return
		}
		l.serve(ctx, NewStreamConnection(stream, conn, l.opts))
	}
}

func (l *Listener) serve(ctx context.Context, conn *Connection) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer conn.Close()
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()

		l.logger.Debug().
			Str("remote", conn.RemoteAddr().String()).
			Str("kind", string(conn.Kind())).
			Msg("new downstream link")
		l.handler(ctx, conn)
	}()
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// Stop closes the listening sockets and waits for every handler. Links are
// closed when the context passed to Listen ends, so cancel it first.
func (l *Listener) Stop() error {
	l.mu.Lock()
	var err error
	if l.tcp != nil {
		err = l.tcp.Close()
	}
	if l.quic != nil {
		if qerr := l.quic.Close(); err == nil {
			err = qerr
		}
	}
	l.mu.Unlock()

	l.wg.Wait()
	return err
}
