package contracts

import "fmt"

const (
	// DefaultErrorReason is used when a handler fails without naming a reason
	DefaultErrorReason = "GENERIC_ERROR"
	// DefaultErrorCode is used when a handler fails without a code
	DefaultErrorCode = 1
)

// ErrorPayload is the data of an application-level error reply
type ErrorPayload struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// NewErrorPayload fills in the defaults for an empty reason or zero code
func NewErrorPayload(reason string, code int) ErrorPayload {
	if reason == "" {
		reason = DefaultErrorReason
	}
	if code == 0 {
		code = DefaultErrorCode
	}
	return ErrorPayload{Error: reason, Code: code}
}

// String formats the payload for logs
func (p ErrorPayload) String() string {
	return fmt.Sprintf("%s (code %d)", p.Error, p.Code)
}
