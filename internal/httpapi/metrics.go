package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles Prometheus collectors for the HTTP API and the trackers
// feeding it.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	wsClients       prometheus.Gauge
	sseClients      prometheus.Gauge
	broadcastDrops  *prometheus.CounterVec
	rateLimited     prometheus.Counter
	itemsSent       *prometheus.CounterVec
	dbWriteErrors   prometheus.Counter

	mentionsProcessed  *prometheus.CounterVec
	processingErrors   *prometheus.CounterVec
	submissions        *prometheus.CounterVec
	rateLimitedChannel *prometheus.CounterVec
	trackedChannels    *prometheus.GaugeVec
}

// NewMetrics builds a standalone collector set. Servers create their own.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mentions",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mentions",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mentions",
			Name:      "ws_clients",
			Help:      "Current connected WebSocket clients",
		}),
		sseClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mentions",
			Name:      "sse_clients",
			Help:      "Current connected SSE clients",
		}),
		broadcastDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mentions",
			Name:      "broadcast_drops_total",
			Help:      "Number of processed items dropped due to slow clients",
		}, []string{"transport"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mentions",
			Name:      "http_rate_limited_total",
			Help:      "Number of HTTP requests rejected due to rate limiting",
		}),
		itemsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mentions",
			Name:      "items_sent_total",
			Help:      "Number of processed items delivered to stream clients",
		}, []string{"transport"}),
		dbWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mentions",
			Name:      "db_write_errors_total",
			Help:      "Number of database write errors reported",
		}),
		mentionsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mentions",
			Name:      "processed_total",
			Help:      "Mentions submitted and recorded as processed",
		}, []string{"platform"}),
		processingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mentions",
			Name:      "processing_errors_total",
			Help:      "Mentions that failed to parse, submit or persist",
		}, []string{"platform"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mentions",
			Name:      "submissions_total",
			Help:      "Contribution submissions by outcome",
		}, []string{"platform", "outcome"}),
		rateLimitedChannel: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mentions",
			Name:      "rate_limited_channels_total",
			Help:      "History fetches that hit a platform rate limit",
		}, []string{"platform"}),
		trackedChannels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mentions",
			Name:      "tracked_channels",
			Help:      "Channels currently tracked",
		}, []string{"platform"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.wsClients,
		m.sseClients,
		m.broadcastDrops,
		m.rateLimited,
		m.itemsSent,
		m.dbWriteErrors,
		m.mentionsProcessed,
		m.processingErrors,
		m.submissions,
		m.rateLimitedChannel,
		m.trackedChannels,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

func (m *Metrics) IncWSClients(delta float64) {
	if m == nil {
		return
	}
	m.wsClients.Add(delta)
}

func (m *Metrics) IncSSEClients(delta float64) {
	if m == nil {
		return
	}
	m.sseClients.Add(delta)
}

func (m *Metrics) IncBroadcastDrops(transport string) {
	if m == nil {
		return
	}
	m.broadcastDrops.WithLabelValues(transport).Inc()
}

func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) IncItemsSent(transport string) {
	if m == nil {
		return
	}
	m.itemsSent.WithLabelValues(transport).Inc()
}

func (m *Metrics) IncDBWriteErrors() {
	if m == nil {
		return
	}
	m.dbWriteErrors.Inc()
}

// MentionProcessed counts a mention that was submitted and marked.
func (m *Metrics) MentionProcessed(platform string) {
	if m == nil {
		return
	}
	m.mentionsProcessed.WithLabelValues(platform).Inc()
}

// ProcessingError counts a mention that could not be handled.
func (m *Metrics) ProcessingError(platform string) {
	if m == nil {
		return
	}
	m.processingErrors.WithLabelValues(platform).Inc()
}

// Submission records the outcome ("ok" or "error") of one POST to the
// contribution API.
func (m *Metrics) Submission(platform, outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(platform, outcome).Inc()
}

// ChannelRateLimited counts a history fetch rejected with a retry hint.
func (m *Metrics) ChannelRateLimited(platform string) {
	if m == nil {
		return
	}
	m.rateLimitedChannel.WithLabelValues(platform).Inc()
}

// SetTrackedChannels publishes the current size of a tracked set.
func (m *Metrics) SetTrackedChannels(platform string, n int) {
	if m == nil {
		return
	}
	m.trackedChannels.WithLabelValues(platform).Set(float64(n))
}
