// Package metrics exposes Prometheus instruments for the streaming transport.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "agentstream"

// Stream outcomes recorded by ObserveStream.
const (
	OutcomeCompleted     = "completed"
	OutcomeUpstreamError = "upstream_error"
	OutcomeRejected      = "rejected"
	OutcomeClientGone    = "client_gone"
)

// Collector owns its registry so several collectors (tests, embedded
// servers) can coexist in one process. A nil *Collector is a no-op.
type Collector struct {
	registry *prometheus.Registry

	streamsTotal   *prometheus.CounterVec
	framesTotal    *prometheus.CounterVec
	streamDuration *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		streamsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "streams_total",
				Help:      "Total number of event streams by production strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		framesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "frames_total",
				Help:      "Total number of message frames written, excluding the terminal frame",
			},
			[]string{"strategy"},
		),
		streamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "stream_duration_seconds",
				Help:      "Wall time from the first pull of a chunk source to the end of the response",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"strategy"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
	}
}

func (c *Collector) ObserveFrame(strategy string) {
	if c == nil {
		return
	}
	c.framesTotal.WithLabelValues(strategy).Inc()
}

func (c *Collector) ObserveStream(strategy, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.streamsTotal.WithLabelValues(strategy, outcome).Inc()
	c.streamDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func (c *Collector) ObserveHTTP(method, path string, status int) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}

// Registry is exposed for tests and for mounting extra collectors.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
