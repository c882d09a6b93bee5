//go:build !linux

package netio

import "syscall"

// controlReuseAddrV6Only is a no-op outside Linux: neither SO_REUSEADDR nor
// IPV6_V6ONLY is set on other platforms.
func controlReuseAddrV6Only(_ bool) func(_, _ string, _ syscall.RawConn) error {
	return func(_, _ string, _ syscall.RawConn) error { return nil }
}
