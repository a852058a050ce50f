//go:build linux

package netio

import (
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relaykit/relay/internal/bufpool"
	"github.com/relaykit/relay/internal/reactor"
	"github.com/relaykit/relay/logging"
	"github.com/relaykit/relay/rerrors"
)

// State is a Connection's lifecycle position.
type State int

const (
	StateConnecting State = iota
	StateHandshaking
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// MessageFunc delivers newly-read bytes; the handler retrieves whatever
// it consumed from buf, leaving the remainder for the next call.
type MessageFunc func(conn *Connection, buf *bufpool.Buffer, receiveTime time.Time)

// ConnFunc fires on connect/close.
type ConnFunc func(conn *Connection)

// HighWatermarkFunc fires at most once per crossing of the configured
// output high-watermark.
type HighWatermarkFunc func(conn *Connection, pending int64)

// Config carries the subset of options that shape per-connection
// behavior, independent of the top-level config package to avoid an
// import cycle.
type Config struct {
	IdleTimeout   time.Duration
	HighWatermark int64 // bytes; 0 disables the callback
	InitialBufCap int
}

// DefaultConfig matches its stated defaults.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:   30 * time.Second,
		HighWatermark: 64 << 20,
		InitialBufCap: 1024,
	}
}

// Connection is one accepted socket's full lifecycle: buffering,
// framing-agnostic read/write, idle timeout, graceful shutdown, and
// optional TLS termination.
//
// Built around a muduo-style input/output Buffer pair, a state machine
// advanced only from the owning EventLoop, and a Send that writes
// inline when the output buffer is empty and only appends+arms
// write-interest when the kernel socket buffer is full.
type Connection struct {
	ID   string
	Name string

	fd      int
	loop    *reactor.EventLoop
	channel *reactor.Channel
	tie     *reactor.Tie

	peer  net.Addr
	local net.Addr

	state atomic.Int32

	input  *bufpool.Buffer
	output *bufpool.Buffer
	cfg    Config
	log    logrus.FieldLogger

	idleTimer   reactor.TimerId
	hasIdle     bool
	highWaterOn bool

	tlsCtx  *TLSContext
	tlsConn *tls.Conn // non-nil once a TLS handshake has started
	rawConn net.Conn  // the FileConn backing tlsConn, closed alongside it

	OnConnect       ConnFunc
	OnMessage       MessageFunc
	OnWriteComplete ConnFunc
	OnHighWatermark HighWatermarkFunc
	OnClose         ConnFunc

	// Context is free for the dispatcher layer to stash per-connection
	// protocol state (e.g. HTTP vs WebSocket framing).
	Context any
}

// NewConnection wires a freshly accepted fd into loop. Call Start once
// callbacks are attached.
func NewConnection(loop *reactor.EventLoop, fd int, peer, local net.Addr, cfg Config, tlsCtx *TLSContext, log logrus.FieldLogger) *Connection {
	c := &Connection{
		ID:     uuid.NewString(),
		fd:     fd,
		loop:   loop,
		peer:   peer,
		local:  local,
		cfg:    cfg,
		tlsCtx: tlsCtx,
		log:    logging.Or(log),
		tie:    reactor.NewTie(),
		input:  bufpool.NewBuffer(cfg.InitialBufCap, nil),
		output: bufpool.NewBuffer(cfg.InitialBufCap, nil),
	}
	c.Name = c.ID[:8]
	c.state.Store(int32(StateConnecting))

	c.channel = reactor.NewChannel(fd)
	c.channel.SetTie(c.tie)
	c.channel.ReadCallback = c.handleRead
	c.channel.WriteCallback = c.handleWrite
	c.channel.CloseCallback = c.handleClose
	c.channel.ErrorCallback = c.handleError
	return c
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Fd returns the underlying file descriptor.
func (c *Connection) Fd() int { return c.fd }

// PeerAddr/LocalAddr return the socket's endpoints.
func (c *Connection) PeerAddr() net.Addr  { return c.peer }
func (c *Connection) LocalAddr() net.Addr { return c.local }

// Start registers the connection's channel with its loop and invokes
// OnConnect. For TLS connections it kicks off an asynchronous handshake
// instead (state Handshaking).
func (c *Connection) Start() {
	c.loop.RunInLoop(func() {
		if c.tlsCtx != nil {
			c.startTLS()
			return
		}
		c.channel.EnableReading()
		if err := c.loop.UpdateChannel(c.channel); err != nil {
			c.log.WithError(err).Error("netio: register channel failed")
			c.forceClose()
			return
		}
		c.state.Store(int32(StateConnected))
		c.armIdleTimer()
		if c.OnConnect != nil {
			c.OnConnect(c)
		}
	})
}

func (c *Connection) startTLS() {
	c.state.Store(int32(StateHandshaking))
	tlsConn, raw, err := c.tlsCtx.WrapServer(c.fd, c.Name)
	if err != nil {
		c.log.WithError(err).Error("netio: TLS wrap failed")
		c.forceClose()
		return
	}
	c.tlsConn = tlsConn
	c.rawConn = raw

	go c.tlsHandshakeAndPump()
}

// tlsHandshakeAndPump runs on a dedicated goroutine because crypto/tls
// only exposes blocking Handshake/Read; all resulting state mutation
// and callback invocation is marshaled back onto the owning loop via
// RunInLoop, preserving the thread-affinity invariant for everything
// except the raw TLS record I/O itself.
func (c *Connection) tlsHandshakeAndPump() {
	conn := c.tlsConn
	if err := conn.Handshake(); err != nil {
		c.loop.RunInLoop(func() {
			c.log.WithError(err).Warn("netio: TLS handshake failed")
			c.forceClose()
		})
		return
	}
	c.loop.RunInLoop(func() {
		c.state.Store(int32(StateConnected))
		c.armIdleTimer()
		if c.OnConnect != nil {
			c.OnConnect(c)
		}
	})

	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			c.loop.RunInLoop(func() {
				if c.State() == StateDisconnected {
					return
				}
				c.resetIdleTimer()
				c.input.Append(chunk)
				if c.OnMessage != nil {
					c.OnMessage(c, c.input, time.Now())
				}
			})
		}
		if err != nil {
			c.loop.RunInLoop(c.forceClose)
			return
		}
	}
}

// handleRead services the plaintext epoll path: a readiness
// notification on c.fd.
func (c *Connection) handleRead() {
	n, err := c.input.ReadFD(c.fd)
	if err != nil {
		c.handleError()
		return
	}
	if n == 0 {
		c.handleClose()
		return
	}
	c.resetIdleTimer()
	if c.OnMessage != nil {
		c.OnMessage(c, c.input, time.Now())
	}
}

func (c *Connection) handleWrite() {
	if !c.channel.IsWriting() {
		return
	}
	n, err := c.output.WriteFD(c.fd)
	if err != nil {
		c.handleError()
		return
	}
	_ = n
	if c.output.Readable() == 0 {
		c.channel.DisableWriting()
		_ = c.loop.UpdateChannel(c.channel)
		c.highWaterOn = false
		if c.OnWriteComplete != nil {
			c.OnWriteComplete(c)
		}
		if c.State() == StateDisconnecting {
			c.shutdownWrite()
		}
	}
}

func (c *Connection) handleClose() {
	c.loop.RunInLoop(func() {
		if c.State() == StateDisconnected {
			return
		}
		c.state.Store(int32(StateDisconnected))
		c.tie.Release()
		_ = c.loop.RemoveChannel(c.channel)
		c.cancelIdleTimer()
		if c.OnClose != nil {
			c.OnClose(c)
		}
		c.closeFd()
	})
}

func (c *Connection) handleError() {
	c.handleClose()
}

func (c *Connection) closeFd() {
	if c.rawConn != nil {
		_ = c.rawConn.Close()
	}
	_ = unix.Close(c.fd)
	c.input.Release()
	c.output.Release()
}

// forceClose tears the connection down immediately without the
// graceful Shutdown drain. Must run on the owning loop.
func (c *Connection) forceClose() {
	if c.State() == StateDisconnected {
		return
	}
	c.state.Store(int32(StateDisconnected))
	c.tie.Release()
	_ = c.loop.RemoveChannel(c.channel)
	c.cancelIdleTimer()
	if c.OnClose != nil {
		c.OnClose(c)
	}
	c.closeFd()
}

// Send queues data for the connection, writing inline when possible
// and deferring to the write-ready path otherwise. Safe to call from
// any goroutine.
func (c *Connection) Send(data []byte) {
	c.loop.RunInLoop(func() { c.sendInLoop(data) })
}

func (c *Connection) sendInLoop(data []byte) {
	if c.State() != StateConnected {
		return
	}
	if c.tlsConn != nil {
		c.sendTLSInLoop(data)
		return
	}

	var remaining []byte = data
	if c.output.Readable() == 0 {
		n, err := unix.Write(c.fd, data)
		if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			c.handleError()
			return
		}
		if n > 0 {
			remaining = data[n:]
		}
		if len(remaining) == 0 {
			if c.OnWriteComplete != nil {
				c.OnWriteComplete(c)
			}
			return
		}
	}

	c.output.Append(remaining)
	pending := int64(c.output.Readable())
	if c.cfg.HighWatermark > 0 && pending >= c.cfg.HighWatermark && !c.highWaterOn {
		c.highWaterOn = true
		if c.OnHighWatermark != nil {
			c.OnHighWatermark(c, pending)
		}
	}
	if !c.channel.IsWriting() {
		c.channel.EnableWriting()
		_ = c.loop.UpdateChannel(c.channel)
	}
}

// sendTLSInLoop hands data to a dedicated write since tls.Conn.Write is
// blocking; TLS connections accept the same at-most-kernel-buffer-size
// backpressure tls gives them rather than our own output Buffer, since
// the blocking Write already won't return until the record is flushed
// or the connection breaks.
func (c *Connection) sendTLSInLoop(data []byte) {
	go func() {
		_, err := c.tlsConn.Write(data)
		c.loop.RunInLoop(func() {
			if err != nil {
				c.forceClose()
				return
			}
			if c.OnWriteComplete != nil {
				c.OnWriteComplete(c)
			}
		})
	}()
}

// SendFile transmits count bytes of srcFd starting at offset via the
// sendfile(2) zero-copy path. Only available on plaintext connections
// with no output already queued: TLS must encrypt through user space,
// and sendfile would otherwise race queued Send data.
func (c *Connection) SendFile(srcFd int, offset int64, count int) (int, error) {
	if c.tlsConn != nil {
		return 0, rerrors.Wrap(rerrors.KindConfig, "sendfile unsupported on TLS connections")
	}
	if c.output.Readable() > 0 {
		return 0, rerrors.Wrap(rerrors.KindTransient, "sendfile blocked by queued output")
	}
	off := offset
	return unix.Sendfile(c.fd, srcFd, &off, count)
}

// Shutdown initiates a graceful half-close: the fd's write half closes
// once queued output drains (state Disconnecting). Reads that still
// arrive keep being delivered to OnMessage.
func (c *Connection) Shutdown() {
	c.loop.RunInLoop(func() {
		if c.State() != StateConnected {
			return
		}
		c.state.Store(int32(StateDisconnecting))
		if !c.channel.IsWriting() {
			c.shutdownWrite()
		}
	})
}

func (c *Connection) shutdownWrite() {
	if c.tlsConn != nil {
		_ = c.tlsConn.Close()
		return
	}
	_ = unix.Shutdown(c.fd, unix.SHUT_WR)
}

// ForceClose tears the connection down without waiting for queued
// output to drain.
func (c *Connection) ForceClose() {
	c.loop.RunInLoop(c.forceClose)
}

func (c *Connection) armIdleTimer() {
	if c.cfg.IdleTimeout <= 0 {
		return
	}
	c.idleTimer = c.loop.RunAfter(c.cfg.IdleTimeout, c.onIdleTimeout)
	c.hasIdle = true
}

func (c *Connection) resetIdleTimer() {
	if !c.hasIdle {
		return
	}
	c.loop.CancelTimer(c.idleTimer)
	c.idleTimer = c.loop.RunAfter(c.cfg.IdleTimeout, c.onIdleTimeout)
}

func (c *Connection) cancelIdleTimer() {
	if c.hasIdle {
		c.loop.CancelTimer(c.idleTimer)
		c.hasIdle = false
	}
}

func (c *Connection) onIdleTimeout() {
	c.log.WithField("conn", c.Name).Debug("netio: idle timeout, closing")
	c.forceClose()
}

// BytesPendingWrite reports the output buffer's unsent byte count.
func (c *Connection) BytesPendingWrite() int64 {
	return int64(c.output.Readable())
}
