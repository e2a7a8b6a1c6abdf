package network

import (
	"net"
	"strings"
)

// ReuseAddrListenConfig returns a net.ListenConfig that sets SO_REUSEADDR
// on the socket before binding. This allows immediate rebinding to ports
// that are in TIME_WAIT state after a previous process was killed.
func ReuseAddrListenConfig() net.ListenConfig {
	return net.ListenConfig{Control: socketControl}
}

func isStream(network string) bool {
	return strings.HasPrefix(network, "tcp")
}
