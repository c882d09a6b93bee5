//go:build linux

package netio

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlReuseAddrV6Only sets SO_REUSEADDR before bind (§6), so a restarted
// resolver can immediately rebind its listening addresses, and additionally
// sets IPV6_V6ONLY when isV6 (§4.6: "bind with SO_REUSEADDR and (for v6)
// IPV6_ONLY"), so a v6 listener never also shadows the wildcard v4 socket.
func controlReuseAddrV6Only(isV6 bool) func(_, _ string, c syscall.RawConn) error {
	return func(_, _ string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if sockErr == nil && isV6 {
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
