// Package metrics exports messaging metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/glimte/svcbus/messaging"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "svcbus"

// PrometheusCollector implements messaging.MetricsCollector
type PrometheusCollector struct {
	requestsSent     *prometheus.CounterVec
	requestsTimedOut *prometheus.CounterVec
	requestsFailed   *prometheus.CounterVec
	replyDuration    *prometheus.HistogramVec
	messagesHandled  *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	brokerConnected  prometheus.Gauge
}

var _ messaging.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates the collector and registers its metrics
// with reg. A nil reg uses the default registerer.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &PrometheusCollector{
		requestsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_sent_total",
			Help:      "Total number of requests published",
		}, []string{"type"}),
		requestsTimedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_timed_out_total",
			Help:      "Total number of requests that got no reply in time",
		}, []string{"type"}),
		requestsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_failed_total",
			Help:      "Total number of requests that could not be published",
		}, []string{"type"}),
		replyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_duration_seconds",
			Help:      "Time from publishing a request to receiving its reply",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13), // 1ms to ~4s
		}, []string{"type"}),
		messagesHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_handled_total",
			Help:      "Total number of handler invocations",
		}, []string{"type", "outcome"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Total number of deliveries acknowledged without a handler",
		}, []string{"queue", "reason"}),
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 while the broker connection is up",
		}),
	}

	reg.MustRegister(
		c.requestsSent,
		c.requestsTimedOut,
		c.requestsFailed,
		c.replyDuration,
		c.messagesHandled,
		c.messagesDropped,
		c.brokerConnected,
	)

	return c
}

// RequestSent records a published request
func (c *PrometheusCollector) RequestSent(messageType string) {
	c.requestsSent.WithLabelValues(messageType).Inc()
}

// ReplyReceived records a reply and the round trip time
func (c *PrometheusCollector) ReplyReceived(messageType string, duration time.Duration) {
	c.replyDuration.WithLabelValues(messageType).Observe(duration.Seconds())
}

// RequestTimedOut records a request that got no reply
func (c *PrometheusCollector) RequestTimedOut(messageType string) {
	c.requestsTimedOut.WithLabelValues(messageType).Inc()
}

// RequestFailed records a request that could not be published
func (c *PrometheusCollector) RequestFailed(messageType string) {
	c.requestsFailed.WithLabelValues(messageType).Inc()
}

// MessageHandled records one handler invocation
func (c *PrometheusCollector) MessageHandled(messageType string, success bool) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	c.messagesHandled.WithLabelValues(messageType, outcome).Inc()
}

// MessageDropped records a delivery acknowledged without a handler
func (c *PrometheusCollector) MessageDropped(queue string, reason string) {
	c.messagesDropped.WithLabelValues(queue, reason).Inc()
}

// ConnectionState records broker connectivity
func (c *PrometheusCollector) ConnectionState(connected bool) {
	if connected {
		c.brokerConnected.Set(1)
		return
	}
	c.brokerConnected.Set(0)
}
