// Package monitoring holds the Prometheus metrics of the shadow server.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Each instance owns its registry
// so several servers (and tests) can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Lifecycle
	ServerState prometheus.Gauge
	WorkerExits *prometheus.CounterVec

	// Listener and sessions
	ConnectionsAccepted prometheus.Counter
	SessionsActive      prometheus.Gauge

	// Capture pipeline
	FramesEncoded  prometheus.Counter
	EncodeErrors   prometheus.Counter
	EncodeDuration prometheus.Histogram

	// RTSP mirror
	RtspClients prometheus.Gauge
}

// NewMetrics creates a new metrics collector.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ServerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "shadow_server_state",
			Help: "Lifecycle state of the server (0=new 1=initialized 2=running 3=stopped 4=uninitialized)",
		}),
		WorkerExits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "shadow_worker_exits_total",
			Help: "Event loop exits by reason",
		}, []string{"reason"}),

		ConnectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "shadow_connections_accepted_total",
			Help: "Connections accepted by the listener",
		}),
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "shadow_sessions_active",
			Help: "Peer sessions currently served",
		}),

		FramesEncoded: f.NewCounter(prometheus.CounterOpts{
			Name: "shadow_frames_encoded_total",
			Help: "Screen frames encoded",
		}),
		EncodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "shadow_encode_errors_total",
			Help: "Screen frames that failed to encode",
		}),
		EncodeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "shadow_encode_duration_seconds",
			Help:    "Time spent resizing and encoding one frame",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		RtspClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "shadow_rtsp_clients",
			Help: "RTSP clients currently playing the mirror",
		}),
	}
}

// Registry exposes the underlying registry for gathering in tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
