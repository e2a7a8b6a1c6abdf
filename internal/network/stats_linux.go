//go:build linux

package network

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// NativeStatsSupported reports whether TCP links expose kernel statistics.
const NativeStatsSupported = true

func tcpStats(conn *net.TCPConn) (Stats, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to access socket: %w", err)
	}

	var (
		info   *unix.TCPInfo
		optErr error
	)
	if err := raw.Control(func(fd uintptr) {
		info, optErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	}); err != nil {
		return Stats{}, fmt.Errorf("failed to access socket: %w", err)
	}
	if optErr != nil {
		return Stats{}, fmt.Errorf("failed to read TCP_INFO: %w", optErr)
	}

	return Stats{
		RTT:         time.Duration(info.Rtt) * time.Microsecond,
		Retransmits: uint64(info.Total_retrans),
		SegmentsOut: uint64(info.Segs_out),
	}, nil
}
