package server

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaykit/relay/internal/bufpool"
	"github.com/relaykit/relay/internal/httpproto"
	"github.com/relaykit/relay/internal/netio"
	"github.com/relaykit/relay/internal/wsproto"
	"github.com/relaykit/relay/logging"
	"github.com/relaykit/relay/router"
)

// protoState is which parser a connection's incoming bytes currently
// feed.
type protoState int

const (
	protoHTTP protoState = iota
	protoWebSocket
)

// socketContext is the per-connection protocol state the Dispatcher
// stashes in Connection.Context on connect.
type socketContext struct {
	state     protoState
	parser    *httpproto.Parser
	wsParser  *wsproto.Parser
	wsHandler router.WSHandler
}

// Dispatcher wires a Router's match results to the raw byte stream a
// Connection delivers: HTTP request/response framing, the WS upgrade
// handshake, and post-upgrade frame dispatch.
type Dispatcher struct {
	Router *router.Router
	Log    logrus.FieldLogger
}

// NewDispatcher binds r to a Dispatcher ready to Attach to connections.
func NewDispatcher(r *router.Router, log logrus.FieldLogger) *Dispatcher {
	return &Dispatcher{Router: r, Log: logging.Or(log)}
}

// Attach installs a fresh HTTP-state SocketContext and the dispatch
// callbacks onto a newly established Connection.
func (d *Dispatcher) Attach(conn *netio.Connection) {
	conn.Context = &socketContext{state: protoHTTP, parser: httpproto.NewParser()}
	conn.OnMessage = d.onMessage
	conn.OnClose = d.onClose
}

func (d *Dispatcher) onMessage(conn *netio.Connection, buf *bufpool.Buffer, receiveTime time.Time) {
	ctx, ok := conn.Context.(*socketContext)
	if !ok {
		return
	}
	switch ctx.state {
	case protoHTTP:
		d.pumpHTTP(conn, ctx, buf)
	case protoWebSocket:
		d.pumpWebSocket(conn, ctx, buf)
	}
}

func (d *Dispatcher) onClose(conn *netio.Connection) {
	ctx, ok := conn.Context.(*socketContext)
	if !ok || ctx.state != protoWebSocket {
		return
	}
	if ctx.wsHandler.OnClose != nil {
		ctx.wsHandler.OnClose(conn)
	}
}

// pumpHTTP drains as many complete requests as buf currently holds
// (pipelining tolerated), dispatching each to the router or to a
// WebSocket upgrade in turn.
func (d *Dispatcher) pumpHTTP(conn *netio.Connection, ctx *socketContext, buf *bufpool.Buffer) {
	for ctx.state == protoHTTP {
		gotAll, err := ctx.parser.Parse(buf)
		if err != nil {
			d.Log.WithError(err).Debug("server: malformed request, closing")
			out := bufpool.NewBuffer(64, nil)
			httpproto.SerializeError(out, 400)
			conn.Send(out.Peek())
			out.Release()
			conn.Shutdown()
			return
		}
		if !gotAll {
			return
		}

		req := ctx.parser.Request()

		if wsproto.IsUpgradeRequest(req) {
			if handler, ok := d.Router.MatchWebSocket(req.Path); ok {
				d.upgrade(conn, ctx, req, handler)
				ctx.parser.Reset()
				if ctx.state == protoWebSocket && buf.Readable() > 0 {
					d.pumpWebSocket(conn, ctx, buf)
				}
				return
			}
		}

		d.serveHTTP(conn, req)
		closeConn := !req.KeepAlive()
		ctx.parser.Reset()
		if closeConn {
			conn.Shutdown()
			return
		}
	}
}

// serveHTTP runs the matched chain (or a 404) and writes the
// serialized response.
func (d *Dispatcher) serveHTTP(conn *netio.Connection, req *httpproto.Request) {
	resp := httpproto.NewResponse()

	chain, params, ok := d.Router.Match(req.Method, req.Path)
	if !ok {
		resp.StatusCode = 404
		resp.Body = []byte("Not Found")
	} else {
		req.PathParams = params
		chain.Run(req, resp)
	}

	out := bufpool.NewBuffer(256, nil)
	httpproto.Serialize(out, resp, !req.KeepAlive())
	conn.Send(out.Peek())
	out.Release()
}

// upgrade performs the HTTP->WebSocket handshake: a malformed upgrade
// attempt gets a 400 and the connection is left in HTTP state for the
// caller to retry or close; success flips the SocketContext to
// WebSocket state and invokes the bound handler's OnConnect.
func (d *Dispatcher) upgrade(conn *netio.Connection, ctx *socketContext, req *httpproto.Request, handler router.WSHandler) {
	accept, err := wsproto.Handshake(req)
	if err != nil {
		d.Log.WithError(err).Debug("server: websocket handshake failed")
		out := bufpool.NewBuffer(64, nil)
		httpproto.SerializeError(out, 400)
		conn.Send(out.Peek())
		out.Release()
		return
	}

	out := bufpool.NewBuffer(256, nil)
	out.Append([]byte("HTTP/1.1 101 Switching Protocols\r\n"))
	out.Append([]byte("Upgrade: websocket\r\n"))
	out.Append([]byte("Connection: Upgrade\r\n"))
	out.Append([]byte("Sec-WebSocket-Accept: " + accept + "\r\n\r\n"))
	conn.Send(out.Peek())
	out.Release()

	wsParser := wsproto.NewParser()
	ctx.wsParser = wsParser
	ctx.wsHandler = handler
	ctx.state = protoWebSocket

	wsParser.OnFrame = func(f wsproto.Frame) error {
		return d.handleFrame(conn, ctx, f)
	}

	if handler.OnConnect != nil {
		handler.OnConnect(conn)
	}
}

func (d *Dispatcher) pumpWebSocket(conn *netio.Connection, ctx *socketContext, buf *bufpool.Buffer) {
	if err := ctx.wsParser.Feed(buf); err != nil {
		d.Log.WithError(err).Debug("server: websocket frame error, closing")
		conn.ForceClose()
	}
}

// handleFrame dispatches one decoded frame: TEXT/BINARY go to the
// handler's OnMessage, CLOSE triggers OnClose and a graceful shutdown,
// PING is answered with PONG, PONG is consumed silently.
func (d *Dispatcher) handleFrame(conn *netio.Connection, ctx *socketContext, f wsproto.Frame) error {
	switch f.Opcode {
	case wsproto.OpText, wsproto.OpBinary:
		if ctx.wsHandler.OnMessage != nil {
			ctx.wsHandler.OnMessage(conn, f.Opcode, f.Payload)
		}
	case wsproto.OpClose:
		if ctx.wsHandler.OnClose != nil {
			ctx.wsHandler.OnClose(conn)
		}
		conn.Send(wsproto.Encode(wsproto.OpClose, f.Payload))
		conn.Shutdown()
	case wsproto.OpPing:
		conn.Send(wsproto.Encode(wsproto.OpPong, f.Payload))
	case wsproto.OpPong:
		// consumed, no action required.
	}
	return nil
}
