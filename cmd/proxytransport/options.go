package main

import (
	"fmt"
	"time"

	"github.com/energizer-project/proxytransport/internal/config"
	"github.com/energizer-project/proxytransport/internal/network"
	"github.com/energizer-project/proxytransport/internal/protocol"
	"github.com/energizer-project/proxytransport/internal/session"
	"github.com/energizer-project/proxytransport/internal/transport"
)

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// transportOptions maps the configuration file onto transport options.
// Metrics, events and the tracer are left for the caller.
func transportOptions(cfg *config.Config) transport.Options {
	t := cfg.GetTransport()
	q := cfg.GetQUIC()

	return transport.Options{
		ZstdLevel:       t.ZstdLevel,
		MaxDecompressed: t.MaxDecompressed,
		Flow: session.FlowConfig{
			FloodCeiling: t.FloodCeiling,
			FloodWindow:  ms(t.FloodWindowMS),
			PingInterval: ms(t.PingIntervalMS),
		},
		Skim:        t.SkimBatches,
		EventLoops:  t.EventLoops,
		DialTimeout: ms(t.DialTimeoutMS),
		QUIC: network.QUICConfig{
			ALPN:                    q.ALPN,
			InsecureSkipVerify:      q.InsecureSkipVerify,
			MaxIdleTimeout:          ms(q.MaxIdleTimeoutMS),
			KeepAlivePeriod:         ms(q.KeepAlivePeriodMS),
			InitialConnectionWindow: q.InitialConnectionWindow,
			InitialStreamWindow:     q.InitialStreamWindow,
		},
		Conn: network.ConnOptions{
			MaxFrame:     t.MaxFrameBytes,
			WriteTimeout: ms(t.WriteTimeoutMS),
		},
	}
}

// serverInfo resolves a configured server, falling back to the default
// wire version.
func serverInfo(cfg *config.Config, s config.ServerConfig) (network.ServerInfo, error) {
	kind, err := network.ParseKind(s.Kind)
	if err != nil {
		return network.ServerInfo{}, fmt.Errorf("server %s: %w", s.Name, err)
	}
	wireName := s.Wire
	if wireName == "" {
		wireName = cfg.GetTransport().Wire
	}
	wire, err := protocol.ParseWireVersion(wireName)
	if err != nil {
		return network.ServerInfo{}, fmt.Errorf("server %s: %w", s.Name, err)
	}

	info := network.ServerInfo{Name: s.Name, Address: s.Address, Kind: kind, Wire: wire}
	if err := info.Validate(); err != nil {
		return network.ServerInfo{}, fmt.Errorf("server %s: %w", s.Name, err)
	}
	return info, nil
}

// serverInfos resolves every configured server.
func serverInfos(cfg *config.Config) ([]network.ServerInfo, error) {
	var out []network.ServerInfo
	for _, s := range cfg.GetServers() {
		info, err := serverInfo(cfg, s)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}
