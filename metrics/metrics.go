// Package metrics provides Prometheus instrumentation for the relay
// server: active connection and buffer-pool gauges, and request-latency
// histograms. Shape mirrors the pack's own metrics package: a var block
// of collectors registered in init(), plus an exported Handler().
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveConnections tracks the current number of live connections
	// across all worker loops.
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_connections",
		Help: "Current number of active connections",
	})

	// PooledBytesInUse tracks bytes currently checked out of the
	// process-wide MemoryPool.
	PooledBytesInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_pool_bytes_in_use",
		Help: "Bytes currently allocated from the memory pool",
	})

	// HeapBufferBytes tracks bytes held by buffers that outgrew the pool
	// and fell back to the host allocator.
	HeapBufferBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_heap_buffer_bytes",
		Help: "Bytes held by buffers allocated directly from the heap",
	})

	// RequestLatency records HTTP handler duration in seconds, labeled
	// by request path.
	RequestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_request_latency_seconds",
		Help:    "HTTP request handling latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"route"})

	// ConnectionsTotal counts accepted connections since start.
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total number of accepted connections",
	})

	// IdleTimeouts counts connections closed by idle-timeout expiry.
	IdleTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_idle_timeouts_total",
		Help: "Total number of connections closed due to idle timeout",
	})
)

func init() {
	prometheus.MustRegister(
		ActiveConnections,
		PooledBytesInUse,
		HeapBufferBytes,
		RequestLatency,
		ConnectionsTotal,
		IdleTimeouts,
	)
}

// Handler returns the Prometheus scrape handler for mounting at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
