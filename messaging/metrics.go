package messaging

import "time"

// Reasons passed to MetricsCollector.MessageDropped
const (
	DropMalformed      = "malformed"
	DropMissingRequest = "missing_request"
	DropUnhandled      = "unhandled"
)

// MetricsCollector collects messaging metrics
type MetricsCollector interface {
	// RequestSent records a published request
	RequestSent(messageType string)

	// ReplyReceived records a reply and the round trip time
	ReplyReceived(messageType string, duration time.Duration)

	// RequestTimedOut records a request that got no reply
	RequestTimedOut(messageType string)

	// RequestFailed records a request that could not be published
	RequestFailed(messageType string)

	// MessageHandled records one handler invocation
	MessageHandled(messageType string, success bool)

	// MessageDropped records a delivery acknowledged without a handler
	MessageDropped(queue string, reason string)

	// ConnectionState records broker connectivity
	ConnectionState(connected bool)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RequestSent does nothing
func (NoOpMetricsCollector) RequestSent(string) {}

// ReplyReceived does nothing
func (NoOpMetricsCollector) ReplyReceived(string, time.Duration) {}

// RequestTimedOut does nothing
func (NoOpMetricsCollector) RequestTimedOut(string) {}

// RequestFailed does nothing
func (NoOpMetricsCollector) RequestFailed(string) {}

// MessageHandled does nothing
func (NoOpMetricsCollector) MessageHandled(string, bool) {}

// MessageDropped does nothing
func (NoOpMetricsCollector) MessageDropped(string, string) {}

// ConnectionState does nothing
func (NoOpMetricsCollector) ConnectionState(bool) {}
