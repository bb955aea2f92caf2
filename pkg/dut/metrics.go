package dut

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// serverMetrics are the DUT server's operational counters, registered on a
// private registry so tests can run multiple servers in one process.
type serverMetrics struct {
	reg *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
	droppedTotal    prometheus.Counter
	inFlight        prometheus.Gauge
	dispatchSeconds prometheus.Histogram
}

func newServerMetrics() *serverMetrics {
	reg := prometheus.NewRegistry()
	m := &serverMetrics{
		reg: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtap_dut_requests_total",
			Help: "Requests dispatched, by command.",
		}, []string{"command"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtap_dut_errors_total",
			Help: "Error responses, by command and error code.",
		}, []string{"command", "error_code"}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mtap_dut_dropped_connections_total",
			Help: "Connections closed by injected DROP faults.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mtap_dut_connections_in_flight",
			Help: "Open client connections.",
		}),
		dispatchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mtap_dut_dispatch_seconds",
			Help:    "Wall time per dispatched request, sleeps included.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.requestsTotal, m.errorsTotal, m.droppedTotal, m.inFlight, m.dispatchSeconds)
	return m
}

// Handler exposes the registry for an optional /metrics listener.
func (m *serverMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
