//go:build linux

package network

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// socketControl sets SO_REUSEADDR before bind and TCP_NODELAY on stream
// sockets. Listeners can then rebind ports still in TIME_WAIT, and small
// frames are not held back by Nagle.
func socketControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if opErr == nil && isStream(network) {
			opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}
