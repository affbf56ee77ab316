package http

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cast"
)

type metrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// newMetrics registers request metrics on reg. It returns nil, which records nothing, if reg is nil.
func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		return nil, nil
	}
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "couchsys",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Requests sent to the server by method, route and status code. Status 0 is a transport failure.",
		}, []string{"method", "route", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "couchsys",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Time until response headers are received, by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	for _, c := range []prometheus.Collector{m.requests, m.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observe(method, route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, cast.ToString(code)).Inc()
	m.latency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
