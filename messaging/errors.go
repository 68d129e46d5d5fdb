package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is matched by every reply timeout
	ErrTimeout = errors.New("messaging: reply timeout")
	// ErrMissingRequest means an envelope has no request block
	ErrMissingRequest = errors.New("messaging: envelope has no request block")
	// ErrInvalidMessageType means a message type cannot be routed
	ErrInvalidMessageType = errors.New("messaging: invalid message type")
	// ErrMalformedMessage means a delivery body is not a JSON envelope
	ErrMalformedMessage = errors.New("messaging: malformed message")
	// ErrInvalidIdentity means the service name or instance id is empty
	ErrInvalidIdentity = errors.New("messaging: invalid service identity")
	// ErrAlreadyConnected is returned by a second Connect
	ErrAlreadyConnected = errors.New("messaging: already connected")
	// ErrNotConnected is returned by operations that need a topology
	ErrNotConnected = errors.New("messaging: not connected")
	// ErrNilHandler is returned when registering a nil handler
	ErrNilHandler = errors.New("messaging: handler cannot be nil")
)

// TimeoutError reports a request that got no reply in time
type TimeoutError struct {
	MessageType string
	RequestID   string
	Timeout     time.Duration
	Err         error // context error when the caller's deadline fired first
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("messaging: no reply to %s (request %s) within %v", e.MessageType, e.RequestID, e.Timeout)
}

// Unwrap exposes ErrTimeout and, when set, the context error
func (e *TimeoutError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrTimeout, e.Err}
	}
	return []error{ErrTimeout}
}
