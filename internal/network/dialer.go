package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultDialTimeout bounds TCP dials and QUIC handshakes.
	DefaultDialTimeout = 5 * time.Second

	// DefaultALPN is the application protocol announced on QUIC connections.
	DefaultALPN = "ng"
)

// Dialer opens one framed link to a downstream server per session.
type Dialer interface {
	Dial(ctx context.Context, server ServerInfo) (*Connection, error)
}

// TCPDialer dials a private TCP connection per session.
type TCPDialer struct {
	Timeout time.Duration
	Conn    ConnOptions
}

// Dial connects to server.Address with SO_REUSEADDR and TCP_NODELAY set.
func (d *TCPDialer) Dial(ctx context.Context, server ServerInfo) (*Connection, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	nd := net.Dialer{Timeout: timeout, Control: socketControl}

	conn, err := nd.DialContext(ctx, "tcp", server.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", server, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	log.Debug().
		Str("component", "dialer").
		Str("server", server.Name).
		Str("local", conn.LocalAddr().String()).
		Msg("tcp link established")
	return NewConnection(conn, d.Conn), nil
}

// QUICConfig configures pooled QUIC connections.
type QUICConfig struct {
	ALPN               string
	InsecureSkipVerify bool
	MaxIdleTimeout     time.Duration
	KeepAlivePeriod    time.Duration
	// InitialConnectionWindow and InitialStreamWindow are the flow control
	// windows granted to the server.
	InitialConnectionWindow uint64
	InitialStreamWindow     uint64
}

// DefaultQUICConfig returns the settings used for downstream servers.
func DefaultQUICConfig() QUICConfig {
	return QUICConfig{
		ALPN:                    DefaultALPN,
		InsecureSkipVerify:      true,
		MaxIdleTimeout:          2 * time.Second,
		KeepAlivePeriod:         time.Second,
		InitialConnectionWindow: 10_000_000,
		InitialStreamWindow:     1_000_000,
	}
}

// TLS returns the client TLS configuration.
func (c QUICConfig) TLS() *tls.Config {
	alpn := c.ALPN
	if alpn == "" {
		alpn = DefaultALPN
	}
	return &tls.Config{
		InsecureSkipVerify: c.InsecureSkipVerify,
		NextProtos:         []string{alpn},
	}
}

// Transport returns the quic-go configuration.
func (c QUICConfig) Transport() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:                 c.MaxIdleTimeout,
		KeepAlivePeriod:                c.KeepAlivePeriod,
		InitialConnectionReceiveWindow: c.InitialConnectionWindow,
		InitialStreamReceiveWindow:     c.InitialStreamWindow,
	}
}

// DialQUIC returns a DialFunc establishing QUIC connections with cfg.
func DialQUIC(cfg QUICConfig) DialFunc {
	tlsConf := cfg.TLS()
	quicConf := cfg.Transport()
	return func(ctx context.Context, addr string) (MuxConn, error) {
		conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConf)
		if err != nil {
			return nil, fmt.Errorf("failed to establish quic connection to %s: %w", addr, err)
		}
		return conn, nil
	}
}

// QUICDialer opens one bidirectional stream per session on a pooled
// connection.
type QUICDialer struct {
	Pool *Pool
	Conn ConnOptions
}

// Dial waits for the pooled connection to server.Address and opens a
// stream on it. A stream failure fails only this session; the pooled
// connection stays up for others.
func (d *QUICDialer) Dial(ctx context.Context, server ServerInfo) (*Connection, error) {
	conn, err := d.Pool.GetOrCreate(server.Address).Await(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", server, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream to %s: %w", server, err)
	}

	log.Debug().
		Str("component", "dialer").
		Str("server", server.Name).
		Int64("stream", int64(stream.StreamID())).
		Msg("quic stream opened")
	return NewStreamConnection(stream, conn, d.Conn), nil
}
