//go:build windows

package network

import (
	"syscall"

	"golang.org/x/sys/windows"
)

// socketControl sets SO_REUSEADDR before bind and TCP_NODELAY on stream
// sockets. Errors from setsockopt are ignored on Windows.
func socketControl(network, address string, c syscall.RawConn) error {
	return c.Control(func(fd uintptr) {
		h := windows.Handle(fd)
		windows.SetsockoptInt(h, windows.SOL_SOCKET, windows.SO_REUSEADDR, 1)
		if isStream(network) {
			windows.SetsockoptInt(h, windows.IPPROTO_TCP, windows.TCP_NODELAY, 1)
		}
	})
}
