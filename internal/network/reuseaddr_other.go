//go:build !linux && !windows

package network

import "syscall"

func socketControl(network, address string, c syscall.RawConn) error {
	return nil
}
