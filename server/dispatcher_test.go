//go:build linux

package server

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/relaykit/relay/internal/httpproto"
	"github.com/relaykit/relay/internal/netio"
	"github.com/relaykit/relay/internal/reactor"
	"github.com/relaykit/relay/internal/wsproto"
	"github.com/relaykit/relay/router"
)

// socketpairConn stands in for a real TCP accept, the same fixture
// netio's own tests use, so the Dispatcher can be driven end-to-end
// without a listening socket.
func socketpairConn(t *testing.T, loop *reactor.EventLoop) (conn *netio.Connection, peerFd int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	cfg := netio.DefaultConfig()
	cfg.IdleTimeout = 0
	c := netio.NewConnection(loop, fds[0], nil, nil, cfg, nil, nil)
	return c, fds[1]
}

func readAll(t *testing.T, fd int, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var out []byte
	for time.Now().Before(deadline) {
		buf := make([]byte, 4096)
		n, err := unix.Read(fd, buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			return string(out)
		}
		if err != nil && err != unix.EAGAIN {
			t.Fatalf("read: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return string(out)
}

func TestDispatcherGetKeepAlive(t *testing.T) {
	loop, err := reactor.NewEventLoop(reactor.LevelTriggered, nil)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	go loop.Run()
	defer loop.Stop()

	r := router.New()
	r.GET("/users/:id", router.Handler(func(req *httpproto.Request, resp *httpproto.Response) {
		resp.Headers.Set("Content-Type", "application/json")
		resp.Body = []byte(`{"id":"` + req.PathParams["id"] + `"}`)
	}))
	d := NewDispatcher(r, nil)

	conn, peerFd := socketpairConn(t, loop)
	defer unix.Close(peerFd)
	d.Attach(conn)
	conn.Start()

	if _, err := unix.Write(peerFd, []byte("GET /users/42 HTTP/1.1\r\nHost: x\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := readAll(t, peerFd, 2*time.Second)
	want := "HTTP/1.1 200 OK\r\nContent-Length: 11\r\nConnection: Keep-Alive\r\nContent-Type: application/json\r\n\r\n{\"id\":\"42\"}"
	if out != want {
		t.Fatalf("got %q want %q", out, want)
	}
}

func TestDispatcherMalformedRequestGets400(t *testing.T) {
	loop, err := reactor.NewEventLoop(reactor.LevelTriggered, nil)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	go loop.Run()
	defer loop.Stop()

	d := NewDispatcher(router.New(), nil)
	conn, peerFd := socketpairConn(t, loop)
	defer unix.Close(peerFd)
	d.Attach(conn)
	conn.Start()

	if _, err := unix.Write(peerFd, []byte("PATCH / HTTP/1.1\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := readAll(t, peerFd, 2*time.Second)
	if out != "HTTP/1.1 400 Bad Request\r\n\r\n" {
		t.Fatalf("got %q", out)
	}
}

func TestDispatcherWebSocketUpgradeAndEcho(t *testing.T) {
	loop, err := reactor.NewEventLoop(reactor.LevelTriggered, nil)
	if err != nil {
		t.Fatalf("NewEventLoop: %v", err)
	}
	go loop.Run()
	defer loop.Stop()

	r := router.New()
	r.AddWebSocket("/ws/echo", router.WSHandler{
		OnMessage: func(conn *netio.Connection, opcode wsproto.Opcode, payload []byte) {
			conn.Send(wsproto.Encode(opcode, payload))
		},
	})
	d := NewDispatcher(r, nil)

	conn, peerFd := socketpairConn(t, loop)
	defer unix.Close(peerFd)
	d.Attach(conn)
	conn.Start()

	req := "GET /ws/echo HTTP/1.1\r\n" +
		"Host: x\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n"
	if _, err := unix.Write(peerFd, []byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := readAll(t, peerFd, 2*time.Second)
	if out == "" {
		t.Fatalf("no upgrade response received")
	}
	wantPrefix := "HTTP/1.1 101 Switching Protocols\r\n"
	if len(out) < len(wantPrefix) || out[:len(wantPrefix)] != wantPrefix {
		t.Fatalf("got %q", out)
	}
	if !containsHeader(out, "Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=") {
		t.Fatalf("missing expected accept header: %q", out)
	}

	key := [4]byte{0x11, 0x22, 0x33, 0x44}
	masked := []byte("ping")
	for i := range masked {
		masked[i] ^= key[i%4]
	}
	frame := append([]byte{0x81, 0x80 | 4}, key[:]...)
	frame = append(frame, masked...)
	if _, err := unix.Write(peerFd, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	echoed := readAll(t, peerFd, 2*time.Second)
	if echoed != string(append([]byte{0x81, 0x04}, []byte("ping")...)) {
		t.Fatalf("unexpected echo: %q", echoed)
	}
}

func containsHeader(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
