// internal/metrics/metrics.go
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jason-s-yu/lobbyd/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the coordination service and HTTP layer report into.
type Recorder interface {
	RecordEvent(ev models.LobbyEvent)
	RecordOperation(op string, code string, d time.Duration)
	RecordExpired(n int)
	RecordHTTPStatus(statusCode int)
	SetActiveLobbies(n int)
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	events        *prometheus.CounterVec
	operations    *prometheus.CounterVec
	opLatency     *prometheus.HistogramVec
	expired       prometheus.Counter
	httpStatus    *prometheus.CounterVec
	activeLobbies prometheus.Gauge
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobbyd_lobby_events_total",
			Help: "Lobby events emitted by the store, by type.",
		}, []string{"type"}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobbyd_operations_total",
			Help: "Coordination service calls, by operation and result code.",
		}, []string{"op", "code"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lobbyd_operation_latency_seconds",
			Help:    "Coordination service call latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lobbyd_lobbies_expired_total",
			Help: "Lobbies removed by the expiry sweep.",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobbyd_http_status_total",
			Help: "HTTP responses by status code.",
		}, []string{"status_code"}),
		activeLobbies: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lobbyd_active_lobbies",
			Help: "Live lobbies held in memory.",
		}),
	}

	reg.MustRegister(
		c.events,
		c.operations,
		c.opLatency,
		c.expired,
		c.httpStatus,
		c.activeLobbies,
	)
	return c
}

func (c *Collector) RecordEvent(ev models.LobbyEvent) {
	c.events.WithLabelValues(string(ev.Type)).Inc()
}

// RecordOperation counts one service call. code is "ok" or a lobby error code.
func (c *Collector) RecordOperation(op string, code string, d time.Duration) {
	c.operations.WithLabelValues(op, code).Inc()
	c.opLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (c *Collector) RecordExpired(n int) {
	c.expired.Add(float64(n))
}

func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

func (c *Collector) SetActiveLobbies(n int) {
	c.activeLobbies.Set(float64(n))
}

// Nop discards everything. It is the default when no registry is configured.
type Nop struct{}

func (Nop) RecordEvent(models.LobbyEvent)                {}
func (Nop) RecordOperation(string, string, time.Duration) {}
func (Nop) RecordExpired(int)                             {}
func (Nop) RecordHTTPStatus(int)                          {}
func (Nop) SetActiveLobbies(int)                          {}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
