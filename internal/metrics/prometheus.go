package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	connectionsRefused prometheus.Counter
	tlsConnectionTotal prometheus.Counter

	commandsTotal     *prometheus.CounterVec
	authAttemptsTotal *prometheus.CounterVec

	messagesReceivedTotal *prometheus.CounterVec
	messagesRejectedTotal *prometheus.CounterVec
	messagesSizeBytes     prometheus.Histogram

	policyRejectionsTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a PrometheusCollector and registers all of
// its metrics with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtptest_connections_total",
			Help: "Total number of SMTP connections accepted.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "smtptest_connections_active",
			Help: "Number of currently active SMTP connections.",
		}),
		connectionsRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtptest_connections_refused_total",
			Help: "Total number of connections closed by the firewall before the greeting.",
		}),
		tlsConnectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "smtptest_tls_connections_total",
			Help: "Total number of TLS handshakes completed (implicit or STARTTLS).",
		}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtptest_commands_total",
			Help: "Total number of SMTP commands processed.",
		}, []string{"command"}),
		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtptest_auth_attempts_total",
			Help: "Total number of SASL authentication attempts.",
		}, []string{"mechanism", "result"}),

		messagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtptest_messages_received_total",
			Help: "Total number of messages delivered to the mailbox.",
		}, []string{"recipient_domain"}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtptest_messages_rejected_total",
			Help: "Total number of messages rejected after DATA.",
		}, []string{"recipient_domain", "reason"}),
		messagesSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "smtptest_messages_size_bytes",
			Help:    "Size of received messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 26214400},
		}),

		policyRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "smtptest_policy_rejections_total",
			Help: "Total number of firewall vetoes.",
		}, []string{"stage"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.connectionsRefused,
		c.tlsConnectionTotal,
		c.commandsTotal,
		c.authAttemptsTotal,
		c.messagesReceivedTotal,
		c.messagesRejectedTotal,
		c.messagesSizeBytes,
		c.policyRejectionsTotal,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// ConnectionRefused increments the refused connection counter.
func (c *PrometheusCollector) ConnectionRefused() {
	c.connectionsRefused.Inc()
}

// TLSConnectionEstablished increments the TLS connection counter.
func (c *PrometheusCollector) TLSConnectionEstablished() {
	c.tlsConnectionTotal.Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(command string) {
	c.commandsTotal.WithLabelValues(command).Inc()
}

// AuthAttempt increments the authentication counter.
func (c *PrometheusCollector) AuthAttempt(mechanism string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(mechanism, result).Inc()
}

// MessageReceived increments the received counter and observes the size.
func (c *PrometheusCollector) MessageReceived(recipientDomain string, sizeBytes int64) {
	c.messagesReceivedTotal.WithLabelValues(recipientDomain).Inc()
	c.messagesSizeBytes.Observe(float64(sizeBytes))
}

// MessageRejected increments the rejected counter.
func (c *PrometheusCollector) MessageRejected(recipientDomain string, reason string) {
	c.messagesRejectedTotal.WithLabelValues(recipientDomain, reason).Inc()
}

// PolicyRejection increments the firewall veto counter.
func (c *PrometheusCollector) PolicyRejection(stage string) {
	c.policyRejectionsTotal.WithLabelValues(stage).Inc()
}
