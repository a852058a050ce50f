//go:build linux

package netio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// unixGetsockname resolves the ephemeral port a test bound with port 0
// into a dialable "host:port" string.
func unixGetsockname(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", err
	}
	v, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return "", fmt.Errorf("unexpected sockaddr type %T", sa)
	}
	return fmt.Sprintf("127.0.0.1:%d", v.Port), nil
}
