//go:build linux

package netio

import (
	"net"
	"testing"
	"time"

	"github.com/relaykit/relay/internal/reactor"
)

func TestAcceptorAcceptsConnection(t *testing.T) {
	loop, err := reactor.NewEventLoop(reactor.LevelTriggered, nil)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	go loop.Run()
	defer loop.Stop()

	acc, err := NewAcceptor(loop, "127.0.0.1", 0, false)
	if err != nil {
		t.Fatalf("NewAcceptor: %v", err)
	}
	defer acc.Close()

	accepted := make(chan AcceptedConn, 1)
	acc.OnAccept = func(c AcceptedConn) { accepted <- c }

	sa, err := unixGetsockname(acc.Fd())
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	if err := acc.Listen(16); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	cli, err := net.DialTimeout("tcp", sa, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer cli.Close()

	select {
	case ac := <-accepted:
		if ac.Fd <= 0 {
			t.Fatalf("expected a valid accepted fd, got %d", ac.Fd)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor never delivered the connection")
	}
}
