//go:build linux

package netio

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// TLSContext loads the server certificate/key pair used to terminate
// TLS connections. crypto/tls is the idiomatic Go substitute for the
// original's non-blocking OpenSSL BIO session: it only exposes a
// blocking net.Conn-shaped API, so TLS connections trade the
// zero-goroutine epoll path plaintext connections get for one
// dedicated reader goroutine per TLS connection, with results
// marshaled back onto the owning EventLoop via RunInLoop — documented
// in DESIGN.md.
type TLSContext struct {
	config *tls.Config
}

// NewTLSContext loads certFile/keyFile and returns a context ready to
// wrap accepted connections. A nil return with nil error means TLS is
// disabled (ssl.enabled=false).
func NewTLSContext(certFile, keyFile string) (*TLSContext, error) {
	if certFile == "" || keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("netio: load TLS keypair: %w", err)
	}
	return &TLSContext{config: &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}}, nil
}

// WrapServer wraps a raw accepted fd as a net.Conn and layers a
// tls.Conn configured as a server over it. The fd is duplicated before
// it is handed to os.NewFile/net.FileConn, so the caller's original fd
// remains valid and must still be closed by the caller.
func (t *TLSContext) WrapServer(fd int, name string) (*tls.Conn, net.Conn, error) {
	dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("netio: dup: %w", err)
	}
	f := os.NewFile(uintptr(dup), name)
	raw, err := net.FileConn(f)
	f.Close() // net.FileConn dup'd the fd; this copy is no longer needed
	if err != nil {
		return nil, nil, fmt.Errorf("netio: FileConn: %w", err)
	}
	return tls.Server(raw, t.config), raw, nil
}
