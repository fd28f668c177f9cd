//go:build linux

package tcp

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// dialControl sets TCP_USER_TIMEOUT on the socket before connect.
func dialControl(userTimeout time.Duration) func(network, address string, c syscall.RawConn) error {
	ms := int(userTimeout / time.Millisecond)
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		if err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, ms)
		}); err != nil {
			return err
		}
		return serr
	}
}
