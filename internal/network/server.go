package network

import (
	"fmt"
	"net"

	"github.com/energizer-project/proxytransport/internal/protocol"
)

// ServerInfo names a downstream server and how to reach it.
type ServerInfo struct {
	Name    string               `json:"name"`
	Address string               `json:"address"`
	Kind    Kind                 `json:"kind"`
	Wire    protocol.WireVersion `json:"wire"`
}

// Validate checks that the server can be dialed.
func (s ServerInfo) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("server name is required")
	}
	if _, _, err := net.SplitHostPort(s.Address); err != nil {
		return fmt.Errorf("server %s: invalid address %q: %w", s.Name, s.Address, err)
	}
	if _, err := ParseKind(string(s.Kind)); err != nil {
		return fmt.Errorf("server %s: %w", s.Name, err)
	}
	return nil
}

func (s ServerInfo) String() string {
	return fmt.Sprintf("%s(%s://%s)", s.Name, s.kind(), s.Address)
}

func (s ServerInfo) kind() Kind {
	if s.Kind == "" {
		return KindTCP
	}
	return s.Kind
}
