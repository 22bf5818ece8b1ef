// Package metrics exposes Prometheus collectors for the stash server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stash"

// Metrics holds every collector. It satisfies session.Recorder and
// assets.Recorder.
type Metrics struct {
	authAttempts *prometheus.CounterVec
	renewals     prometheus.Counter
	assetPuts    *prometheus.CounterVec
	assetBytes   prometheus.Counter
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "attempts_total",
			Help:      "Register, login and authorize calls by outcome.",
		}, []string{"op", "result"}),
		renewals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "session_renewals_total",
			Help:      "Sessions whose expiry was pushed forward.",
		}),
		assetPuts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assets",
			Name:      "puts_total",
			Help:      "Asset uploads by result (inserted or deduplicated).",
		}, []string{"result"}),
		assetBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "assets",
			Name:      "inserted_bytes_total",
			Help:      "Payload bytes written for newly inserted assets.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	for _, c := range []prometheus.Collector{
		m.authAttempts, m.renewals, m.assetPuts, m.assetBytes, m.httpRequests, m.httpDuration,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AuthAttempt counts one auth operation outcome.
func (m *Metrics) AuthAttempt(op, result string) {
	m.authAttempts.WithLabelValues(op, result).Inc()
}

// SessionRenewed counts one renewal.
func (m *Metrics) SessionRenewed() { m.renewals.Inc() }

// AssetPut counts one upload.
func (m *Metrics) AssetPut(inserted bool, size int) {
	if inserted {
		m.assetPuts.WithLabelValues("inserted").Inc()
		m.assetBytes.Add(float64(size))
		return
	}
	m.assetPuts.WithLabelValues("deduplicated").Inc()
}

// ObserveHTTP records one finished request. route must be a pattern, not a
// raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
