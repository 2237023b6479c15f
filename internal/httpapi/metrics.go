package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/relayinbox/internal/messagelog"
)

type serverMetrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	appends         *prometheus.CounterVec
	sockets         prometheus.Gauge
	framesSent      *prometheus.CounterVec
	framesDropped   prometheus.Counter
}

func newServerMetrics(reg *prometheus.Registry) (*serverMetrics, http.Handler) {
	m := &serverMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayinbox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "REST requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relayinbox",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "REST request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayinbox",
			Subsystem: "log",
			Name:      "appends_total",
			Help:      "Messages appended through the API by direction.",
		}, []string{"direction"}),
		sockets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relayinbox",
			Subsystem: "events",
			Name:      "open_sockets",
			Help:      "Open events websockets.",
		}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relayinbox",
			Subsystem: "events",
			Name:      "frames_sent_total",
			Help:      "Frames written to events websockets by type.",
		}, []string{"type"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relayinbox",
			Subsystem: "events",
			Name:      "frames_dropped_total",
			Help:      "Change events dropped because a socket queue was full.",
		}),
	}
	reg.MustRegister(m.requests, m.requestDuration, m.appends, m.sockets, m.framesSent, m.framesDropped)
	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (m *serverMetrics) observeRequest(route string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	if elapsed > 0 {
		m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
	}
}

func (m *serverMetrics) observeAppend(direction messagelog.Direction) {
	m.appends.WithLabelValues(string(direction)).Inc()
}
