// Package server owns the acceptor loop, the worker EventLoopThreadPool,
// and the live connection map, tying the reactor and netio layers to
// the Router/Dispatcher.
//
// Server is the facade composing listener+poller+pool into one
// runnable unit, with a Shutdown that drains the connection-tracking
// map generalized from a WebSocket-only model to HTTP+WS.
package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relaykit/relay/config"
	"github.com/relaykit/relay/internal/netio"
	"github.com/relaykit/relay/internal/reactor"
	"github.com/relaykit/relay/logging"
	"github.com/relaykit/relay/metrics"
	"github.com/relaykit/relay/router"
)

// Server owns the main (acceptor) loop, the worker thread pool, the
// listening Acceptor, and the connection-name -> Connection map.
type Server struct {
	cfg        *config.Config
	log        logrus.FieldLogger
	name       string
	mainLoop   *reactor.EventLoop
	pool       *reactor.EventLoopThreadPool
	acceptor   *netio.Acceptor
	tlsCtx     *netio.TLSContext
	dispatcher *Dispatcher

	mu          sync.Mutex
	connections map[string]*netio.Connection
	nextID      uint64

	started bool
}

// New constructs a Server around r, wiring the main loop the caller
// already created (the acceptor runs on it) and a fresh worker pool
// sized by cfg.Network.ThreadPool.
func New(cfg *config.Config, mainLoop *reactor.EventLoop, r *router.Router, log logrus.FieldLogger) (*Server, error) {
	log = logging.Or(log)

	var tlsCtx *netio.TLSContext
	if cfg.Network.SSL.Enabled {
		ctx, err := netio.NewTLSContext(cfg.Network.SSL.CertPath, cfg.Network.SSL.KeyPath)
		if err != nil {
			return nil, err
		}
		tlsCtx = ctx
	}

	s := &Server{
		cfg:         cfg,
		log:         log,
		name:        fmt.Sprintf("relay-%s", uuid.NewString()[:8]),
		mainLoop:    mainLoop,
		pool:        reactor.NewEventLoopThreadPool(mainLoop, log),
		tlsCtx:      tlsCtx,
		dispatcher:  NewDispatcher(r, log),
		connections: make(map[string]*netio.Connection),
	}
	return s, nil
}

// Start is idempotent: it launches the worker pool, binds the
// listening Acceptor to the main loop, and begins accepting.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	tp := s.cfg.Network.ThreadPool
	if err := s.pool.Start(reactor.ThreadPoolConfig{
		ThreadNum:        tp.ThreadNum,
		QueueSize:        tp.QueueSize,
		KeepAliveSeconds: tp.KeepAliveTime,
		MinIdleThreads:   tp.MinIdleThreads,
		MaxIdleThreads:   tp.MaxIdleThreads,
		Mode:             s.cfg.EpollMode(),
	}); err != nil {
		return err
	}

	acceptor, err := netio.NewAcceptor(s.mainLoop, s.cfg.Network.IP, s.cfg.Network.Port, true)
	if err != nil {
		return err
	}
	acceptor.OnAccept = s.handleAccept
	s.acceptor = acceptor

	if err := acceptor.Listen(1024); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"ip": s.cfg.Network.IP, "port": s.cfg.Network.Port}).Info("server: listening")
	return nil
}

// handleAccept builds a connection name, picks a worker loop
// round-robin, wires the Dispatcher's callbacks, tracks it in the
// connection map, and starts it on its assigned worker loop.
func (s *Server) handleAccept(ac netio.AcceptedConn) {
	loop := s.pool.GetNextLoop()

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()
	name := fmt.Sprintf("%s-%s#%d", s.name, ac.Peer, id)

	connCfg := netio.DefaultConfig()
	connCfg.IdleTimeout = time.Duration(s.cfg.Network.IdleTimeout) * time.Second
	connCfg.InitialBufCap = s.cfg.Base.Buffer.InitialSize

	conn := netio.NewConnection(loop, ac.Fd, ac.Peer, nil, connCfg, s.tlsCtx, s.log)
	conn.Name = name
	s.dispatcher.Attach(conn)

	userClose := conn.OnClose
	conn.OnClose = func(c *netio.Connection) {
		if userClose != nil {
			userClose(c)
		}
		s.mu.Lock()
		delete(s.connections, name)
		s.mu.Unlock()
		metrics.ActiveConnections.Dec()
	}

	s.mu.Lock()
	s.connections[name] = conn
	s.mu.Unlock()

	metrics.ConnectionsTotal.Inc()
	metrics.ActiveConnections.Inc()
	conn.Start()
}

// Shutdown drains every tracked connection gracefully (its
// per-connection Shutdown half-close) before stopping the acceptor and
// worker pool.
func (s *Server) Shutdown(drainTimeout time.Duration) {
	s.mu.Lock()
	conns := make([]*netio.Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Shutdown()
	}

	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		remaining := len(s.connections)
		s.mu.Unlock()
		if remaining == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if s.acceptor != nil {
		_ = s.acceptor.Close()
	}
	s.pool.Stop()
	s.log.Info("server: shutdown complete")
}

// ActiveConnections reports the current tracked connection count.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connections)
}
