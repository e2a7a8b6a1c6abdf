//go:build !linux

package network

import "net"

// NativeStatsSupported reports whether TCP links expose kernel statistics.
const NativeStatsSupported = false

func tcpStats(*net.TCPConn) (Stats, error) {
	return Stats{}, ErrStatsUnsupported
}
