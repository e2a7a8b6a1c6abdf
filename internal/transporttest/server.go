package transporttest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"time"

	"github.com/energizer-project/proxytransport/internal/network"
	"github.com/energizer-project/proxytransport/internal/protocol"
)

// Server is a downstream server accepting framed links. It echoes latency
// probes and records every packet it receives.
type Server struct {
	Frames *Frames

	// Silent stops probe echoes.
	Silent bool

	listener *network.Listener
	cancel   context.CancelFunc

	mu       sync.Mutex
	links    []*network.Connection
	received []*protocol.Wrapped
	probes   int
	notify   chan struct{}
}

// NewServer returns a server speaking wire.
func NewServer(wire protocol.WireVersion) (*Server, error) {
	frames, err := NewFrames(wire)
	if err != nil {
		return nil, err
	}
	s := &Server{Frames: frames, notify: make(chan struct{}, 1024)}
	s.listener = network.NewListener(s.handle, network.ConnOptions{})
	return s, nil
}

// ListenTCP starts the server on a loopback TCP port.
func (s *Server) ListenTCP() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	return s.listener.ListenTCP(ctx, "127.0.0.1:0")
}

// ListenQUIC starts the server on a loopback UDP port with a self-signed
// certificate, announcing cfg's ALPN.
func (s *Server) ListenQUIC(cfg network.QUICConfig) error {
	cert, err := selfSigned()
	if err != nil {
		return err
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   cfg.TLS().NextProtos,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	return s.listener.ListenQUIC(ctx, "127.0.0.1:0", tlsConf, cfg.Transport())
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Info describes the server for a dialer.
func (s *Server) Info(name string, kind network.Kind) network.ServerInfo {
	return network.ServerInfo{Name: name, Address: s.Addr(), Kind: kind, Wire: s.Frames.Codec.Wire()}
}

// Close stops the server and drops every link.
func (s *Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	s.listener.Stop()
	s.Frames.Close()
}

func (s *Server) handle(ctx context.Context, conn *network.Connection) {
	s.mu.Lock()
	s.links = append(s.links, conn)
	s.mu.Unlock()

	for {
		frame, err := conn.ReadFrame()
		if err != nil {
			return
		}
		decoded, err := s.Frames.Decode(frame.Bytes())
		frame.Release()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.received = append(s.received, decoded.Packets...)
		s.probes += decoded.Probes
		silent := s.Silent
		s.mu.Unlock()

		select {
		case s.notify <- struct{}{}:
		default:
		}

		for i := 0; i < decoded.Probes && !silent; i++ {
			echo, err := s.Frames.EncodePackets(&protocol.NetworkStackLatency{Timestamp: 0})
			if err != nil {
				return
			}
			if err := conn.WriteFrame(echo); err != nil {
				return
			}
		}
	}
}

// Push sends a frame payload to every link the server holds.
func (s *Server) Push(payload []byte) error {
	s.mu.Lock()
	links := append([]*network.Connection(nil), s.links...)
	s.mu.Unlock()

	for _, l := range links {
		if l.IsClosed() {
			continue
		}
		if err := l.WriteFrame(payload); err != nil {
			return err
		}
	}
	return nil
}

// Links returns the number of links accepted so far.
func (s *Server) Links() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.links)
}

// Received returns the packets received so far, probes excluded.
func (s *Server) Received() []*protocol.Wrapped {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Wrapped(nil), s.received...)
}

// Probes returns the number of latency probes received.
func (s *Server) Probes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.probes
}

// WaitReceived blocks until at least n packets arrived or the timeout
// passes.
func (s *Server) WaitReceived(n int, timeout time.Duration) []*protocol.Wrapped {
	deadline := time.After(timeout)
	for {
		if got := s.Received(); len(got) >= n {
			return got
		}
		select {
		case <-s.notify:
		case <-deadline:
			return s.Received()
		}
	}
}

func selfSigned() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "transporttest"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
