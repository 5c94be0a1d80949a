package client

import (
	"time"

	"github.com/aeolun/superbot/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bot
type Metrics struct {
	// Session metrics
	activeSessions     prometheus.Gauge
	registeredSessions prometheus.Gauge
	reconnects         *prometheus.CounterVec // by clone

	// Outbound metrics
	linesSent      prometheus.Counter
	bytesSent      prometheus.Counter
	floodDeferrals prometheus.Counter
	floodBackoffs  prometheus.Counter
	writeFailures  prometheus.Counter

	// Inbound metrics
	inboundDepth     prometheus.Gauge
	messagesReceived *prometheus.CounterVec // by kind

	// Handler metrics
	handlerFaults    *prometheus.CounterVec // by handler
	dispatchDuration *prometheus.HistogramVec
}

// NewMetrics registers the bot metrics with reg. A nil reg uses a private
// registry, which keeps tests from colliding on the default one.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "superbot_active_sessions",
				Help: "Current number of running clones",
			},
		),
		registeredSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "superbot_registered_sessions",
				Help: "Current number of clones that completed registration",
			},
		),
		reconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "superbot_reconnects_total",
				Help: "Total number of scheduled reconnects",
			},
			[]string{"clone"},
		),
		linesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "superbot_lines_sent_total",
				Help: "Total number of lines written to servers",
			},
		),
		bytesSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "superbot_bytes_sent_total",
				Help: "Total number of bytes written to servers",
			},
		),
		floodDeferrals: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "superbot_flood_deferrals_total",
				Help: "Sends deferred because the flood window was full",
			},
		),
		floodBackoffs: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "superbot_flood_backpressure_total",
				Help: "Send attempts postponed because too many bytes were outstanding",
			},
		),
		writeFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "superbot_write_failures_total",
				Help: "Total number of failed socket writes",
			},
		),
		inboundDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "superbot_inbound_queue_depth",
				Help: "Messages waiting for a worker",
			},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "superbot_messages_received_total",
				Help: "Total number of parsed inbound messages by kind",
			},
			[]string{"kind"},
		),
		handlerFaults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "superbot_handler_faults_total",
				Help: "Errors and panics raised by handlers",
			},
			[]string{"handler"},
		),
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "superbot_dispatch_duration_seconds",
				Help:    "Time a handler spent on one message",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler"},
		),
	}
}

// RecordSessionStarted increments the running clone count
func (m *Metrics) RecordSessionStarted() {
	m.activeSessions.Inc()
}

// RecordSessionEnded decrements the running clone count
func (m *Metrics) RecordSessionEnded() {
	m.activeSessions.Dec()
}

// RecordRegistered tracks clones entering or leaving the registered state
func (m *Metrics) RecordRegistered(registered bool) {
	if registered {
		m.registeredSessions.Inc()
	} else {
		m.registeredSessions.Dec()
	}
}

// RecordReconnect counts a scheduled reconnect for clone
func (m *Metrics) RecordReconnect(clone string) {
	m.reconnects.WithLabelValues(clone).Inc()
}

// RecordLineSent counts one written line of n bytes
func (m *Metrics) RecordLineSent(n int) {
	m.linesSent.Inc()
	m.bytesSent.Add(float64(n))
}

// RecordFloodDeferral counts a send pushed past the flood window
func (m *Metrics) RecordFloodDeferral() {
	m.floodDeferrals.Inc()
}

// RecordBackPressure counts a send postponed on outstanding bytes
func (m *Metrics) RecordBackPressure() {
	m.floodBackoffs.Inc()
}

// RecordWriteFailure counts a failed socket write
func (m *Metrics) RecordWriteFailure() {
	m.writeFailures.Inc()
}

// RecordInboundDepth updates the inbound queue gauge
func (m *Metrics) RecordInboundDepth(n int) {
	m.inboundDepth.Set(float64(n))
}

// RecordMessageReceived counts a parsed inbound message
func (m *Metrics) RecordMessageReceived(kind protocol.Kind) {
	m.messagesReceived.WithLabelValues(kind.String()).Inc()
}

// RecordHandlerFault counts a handler error or panic
func (m *Metrics) RecordHandlerFault(handler string) {
	m.handlerFaults.WithLabelValues(handler).Inc()
}

// RecordDispatch records how long handler took on one message
func (m *Metrics) RecordDispatch(handler string, d time.Duration) {
	m.dispatchDuration.WithLabelValues(handler).Observe(d.Seconds())
}
