//go:build linux

package netio

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/relaykit/relay/internal/bufpool"
	"github.com/relaykit/relay/internal/reactor"
)

// socketpairConns returns two connected, nonblocking AF_UNIX stream fds
// standing in for a real TCP accept — enough to drive Connection's
// state machine without a listening socket.
func socketpairConns(t *testing.T) (a, b int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	return fds[0], fds[1]
}

func TestConnectionReadDelivers(t *testing.T) {
	loop, err := reactor.NewEventLoop(reactor.LevelTriggered, nil)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	go loop.Run()
	defer loop.Stop()

	fdA, fdB := socketpairConns(t)
	defer unix.Close(fdB)

	cfg := DefaultConfig()
	cfg.IdleTimeout = 0

	connA := NewConnection(loop, fdA, nil, nil, cfg, nil, nil)
	got := make(chan string, 1)
	connA.OnMessage = func(c *Connection, buf *bufpool.Buffer, _ time.Time) {
		got <- buf.RetrieveAllAsString()
	}
	connA.Start()

	if _, err := unix.Write(fdB, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case s := <-got:
		if s != "hello" {
			t.Fatalf("expected %q, got %q", "hello", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	connA.ForceClose()
}

func TestConnectionSendWritesThrough(t *testing.T) {
	loop, err := reactor.NewEventLoop(reactor.LevelTriggered, nil)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	go loop.Run()
	defer loop.Stop()

	fdA, fdB := socketpairConns(t)
	defer unix.Close(fdB)

	cfg := DefaultConfig()
	cfg.IdleTimeout = 0
	connA := NewConnection(loop, fdA, nil, nil, cfg, nil, nil)
	connA.Start()
	connA.Send([]byte("world"))

	time.Sleep(50 * time.Millisecond)
	buf := make([]byte, 16)
	n, err := unix.Read(fdB, buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf[:n]) != "world" {
		t.Fatalf("expected %q, got %q", "world", string(buf[:n]))
	}

	connA.ForceClose()
}

func TestConnectionIdleTimeout(t *testing.T) {
	loop, err := reactor.NewEventLoop(reactor.LevelTriggered, nil)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	go loop.Run()
	defer loop.Stop()

	fdA, fdB := socketpairConns(t)
	defer unix.Close(fdB)

	cfg := DefaultConfig()
	cfg.IdleTimeout = 30 * time.Millisecond

	closed := make(chan struct{})
	connA := NewConnection(loop, fdA, nil, nil, cfg, nil, nil)
	connA.OnClose = func(c *Connection) { close(closed) }
	connA.Start()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("idle timeout never closed the connection")
	}
}
