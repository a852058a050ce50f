package router

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relaykit/relay/internal/httpproto"
	"github.com/relaykit/relay/logging"
	"github.com/relaykit/relay/metrics"
)

// Logging logs method/path/status/duration for each request onto
// structured logrus fields.
func Logging(log logrus.FieldLogger) MiddlewareFunc {
	log = logging.Or(log)
	return func(req *httpproto.Request, resp *httpproto.Response, next Next) {
		start := time.Now()
		next()
		log.WithFields(logrus.Fields{
			"method":   req.Method,
			"path":     req.Path,
			"status":   resp.StatusCode,
			"duration": time.Since(start),
		}).Info("router: handled request")
	}
}

// Recovery catches a panicking handler, logs it, and converts it into a
// 500 response rather than letting it escape to the connection layer.
// The connection itself survives; only the response is an error.
func Recovery(log logrus.FieldLogger) MiddlewareFunc {
	log = logging.Or(log)
	return func(req *httpproto.Request, resp *httpproto.Response, next Next) {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("router: handler panicked")
				resp.StatusCode = 500
				resp.Body = []byte("Internal Server Error")
			}
		}()
		next()
	}
}

// Metrics records request latency in the Prometheus histogram, labeled
// by the request path (not the registered route pattern).
func Metrics() MiddlewareFunc {
	return func(req *httpproto.Request, resp *httpproto.Response, next Next) {
		start := time.Now()
		next()
		metrics.RequestLatency.WithLabelValues(req.Path).Observe(time.Since(start).Seconds())
	}
}
