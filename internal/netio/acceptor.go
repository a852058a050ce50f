//go:build linux

// Package netio implements the connection lifecycle layer: the
// listening Acceptor, TLS termination, and the per-fd Connection state
// machine.
package netio

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/relaykit/relay/internal/reactor"
)

// AcceptedConn is what the Acceptor hands to its owner for each new fd.
type AcceptedConn struct {
	Fd   int
	Peer net.Addr
}

// Acceptor owns the listening socket and produces accepted fds on the
// main loop.
type Acceptor struct {
	fd      int
	channel *reactor.Channel
	loop    *reactor.EventLoop

	OnAccept func(AcceptedConn)
}

// NewAcceptor creates a nonblocking, close-on-exec listening socket
// bound to ip:port with SO_REUSEADDR and, if reusePort is set,
// SO_REUSEPORT.
func NewAcceptor(loop *reactor.EventLoop, ip string, port int, reusePort bool) (*Acceptor, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("netio: socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: SO_REUSEADDR: %w", err)
	}
	if reusePort {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("netio: SO_REUSEPORT: %w", err)
		}
	}

	addr := unix.SockaddrInet4{Port: port}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: invalid listen ip %q", ip)
	}
	copy(addr.Addr[:], parsed.To4())

	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netio: bind: %w", err)
	}

	a := &Acceptor{fd: fd, loop: loop}
	a.channel = reactor.NewChannel(fd)
	a.channel.ReadCallback = a.handleAccept
	return a, nil
}

// Listen enables read interest on the listening socket, the trigger for
// handleAccept. The registration runs on the acceptor's loop via
// RunInLoop; Listen blocks until that loop has performed it.
func (a *Acceptor) Listen(backlog int) error {
	if err := unix.Listen(a.fd, backlog); err != nil {
		return fmt.Errorf("netio: listen: %w", err)
	}
	errCh := make(chan error, 1)
	a.loop.RunInLoop(func() {
		a.channel.EnableReading()
		errCh <- a.loop.UpdateChannel(a.channel)
	})
	return <-errCh
}

// handleAccept drains ready connections with accept4, handing each off
// via OnAccept.
func (a *Acceptor) handleAccept() {
	for {
		connFd, sa, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			// Resource exhaustion (fd limits, etc): stop draining for
			// this readiness event; the listening channel stays
			// registered, so the acceptor keeps listening.
			return
		}
		peer := sockaddrToNetAddr(sa)
		if a.OnAccept != nil {
			a.OnAccept(AcceptedConn{Fd: connFd, Peer: peer})
		}
	}
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(v.Addr[:]), Port: v.Port}
	default:
		return nil
	}
}

// Close releases the listening socket. The channel removal and close run
// on the acceptor's loop via RunInLoop; Close blocks until that loop has
// performed them.
func (a *Acceptor) Close() error {
	errCh := make(chan error, 1)
	a.loop.RunInLoop(func() {
		_ = a.loop.RemoveChannel(a.channel)
		errCh <- unix.Close(a.fd)
	})
	return <-errCh
}

// Fd returns the listening file descriptor.
func (a *Acceptor) Fd() int { return a.fd }
