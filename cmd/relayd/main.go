// Command relayd loads a YAML configuration, builds a relay Server with
// an example set of routes, and runs until SIGINT/SIGTERM.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/relaykit/relay/config"
	"github.com/relaykit/relay/internal/httpproto"
	"github.com/relaykit/relay/internal/netio"
	"github.com/relaykit/relay/internal/reactor"
	"github.com/relaykit/relay/internal/wsproto"
	"github.com/relaykit/relay/logging"
	"github.com/relaykit/relay/metrics"
	"github.com/relaykit/relay/router"
	"github.com/relaykit/relay/server"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "relayd",
		Short: "relay HTTP/1.1 + WebSocket reactor server",
		RunE:  run,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to the YAML configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logging.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Error("relayd: startup failed")
		os.Exit(1)
	}

	r := buildRoutes(log)

	mainLoop, err := reactor.NewEventLoop(cfg.EpollMode(), log)
	if err != nil {
		log.WithError(err).Error("relayd: event loop init failed")
		os.Exit(1)
	}

	srv, err := server.New(cfg, mainLoop, r, log)
	if err != nil {
		log.WithError(err).Error("relayd: server init failed")
		os.Exit(1)
	}

	go func() {
		mainLoop.Run()
	}()
	// Give the loop goroutine a tick to start polling before the
	// acceptor's RunInLoop-scheduled registration lands.
	time.Sleep(10 * time.Millisecond)

	if err := srv.Start(); err != nil {
		log.WithError(err).Error("relayd: listen failed")
		os.Exit(1)
	}

	go func() {
		if err := http.ListenAndServe(":9090", metrics.Handler()); err != nil {
			log.WithError(err).Warn("relayd: metrics endpoint stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("relayd: shutting down")

	srv.Shutdown(5 * time.Second)
	mainLoop.Stop()
	_ = mainLoop.Close()
	return nil
}

// buildRoutes registers the built-in middleware plus a small example
// API (an echo endpoint and a WebSocket echo route) so the binary is
// runnable out of the box; application-specific handlers plug in the
// same way.
func buildRoutes(log logrus.FieldLogger) *router.Router {
	r := router.New()
	r.Use(router.Recovery(log), router.Logging(log), router.Metrics())

	r.GET("/users/:id", router.Handler(func(req *httpproto.Request, resp *httpproto.Response) {
		resp.Headers.Set("Content-Type", "application/json")
		resp.Body = []byte(fmt.Sprintf(`{"id":"%s"}`, req.PathParams["id"]))
	}))

	r.POST("/echo", router.Handler(func(req *httpproto.Request, resp *httpproto.Response) {
		resp.Body = req.Body
	}))

	r.AddWebSocket("/ws/echo", router.WSHandler{
		OnMessage: func(conn *netio.Connection, opcode wsproto.Opcode, payload []byte) {
			conn.Send(wsproto.Encode(opcode, payload))
		},
	})

	return r
}
