package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ContentType is the content type of every envelope on the wire
const ContentType = "application/json"

var (
	// ErrNoData is returned when decoding an envelope without a payload
	ErrNoData = errors.New("contracts: envelope has no data")
	// ErrInvalidData is returned when raw payload bytes are not valid JSON
	ErrInvalidData = errors.New("contracts: data is not valid JSON")
)

// RequestInfo identifies a request and tells the responder where to send
// the reply. Reply names an exchange and Key a routing key; both are filled
// in by the requester and may be empty.
type RequestInfo struct {
	ID    string `json:"id"`
	Reply string `json:"reply,omitempty"`
	Key   string `json:"key,omitempty"`
}

// Clone returns a copy of the request block
func (r *RequestInfo) Clone() *RequestInfo {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// ReplyInfo is stamped on every reply by the instance that produced it
type ReplyInfo struct {
	Created   int64  `json:"created"` // unix milliseconds
	ServiceID string `json:"service_id"`
	ID        string `json:"id"`
}

// CreatedAt returns Created as a time.Time
func (r *ReplyInfo) CreatedAt() time.Time {
	return time.UnixMilli(r.Created)
}

// Envelope is the message body for both requests and replies
type Envelope struct {
	Request *RequestInfo    `json:"request,omitempty"`
	Reply   *ReplyInfo      `json:"reply,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewRequest builds a request envelope with a fresh request id
func NewRequest(data any) (*Envelope, error) {
	raw, err := EncodeData(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Request: &RequestInfo{ID: uuid.NewString()},
		Data:    raw,
	}, nil
}

// NewReply builds the reply to request, answered by serviceID
func NewReply(request *RequestInfo, serviceID string, data any, now time.Time) (*Envelope, error) {
	raw, err := EncodeData(data)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		Request: request.Clone(),
		Reply: &ReplyInfo{
			Created:   now.UnixMilli(),
			ServiceID: serviceID,
		},
		Data: raw,
	}
	if request != nil {
		env.Reply.ID = request.ID
	}

	return env, nil
}

// IsReply reports whether the envelope carries a reply block
func (e *Envelope) IsReply() bool {
	return e.Reply != nil
}

// DecodeData unmarshals the payload into v
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return ErrNoData
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("contracts: decode data: %w", err)
	}
	return nil
}

// Failure reports whether the payload is an application-level error reply,
// which is signalled by the presence of a non-null "error" field.
func (e *Envelope) Failure() (*ErrorPayload, bool) {
	if len(e.Data) == 0 {
		return nil, false
	}

	var probe struct {
		Error json.RawMessage `json:"error"`
		Code  int             `json:"code"`
	}
	if err := json.Unmarshal(e.Data, &probe); err != nil {
		return nil, false
	}
	if len(probe.Error) == 0 || string(probe.Error) == "null" {
		return nil, false
	}

	reason := string(probe.Error)
	var s string
	if err := json.Unmarshal(probe.Error, &s); err == nil {
		reason = s
	}

	return &ErrorPayload{Error: reason, Code: probe.Code}, true
}

// EncodeData turns a payload into raw JSON. json.RawMessage and []byte are
// taken verbatim and must already be valid JSON; nil yields no data.
func EncodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(v) == 0 {
			return nil, nil
		}
		if !json.Valid(v) {
			return nil, ErrInvalidData
		}
		return v, nil
	case []byte:
		if len(v) == 0 {
			return nil, nil
		}
		if !json.Valid(v) {
			return nil, ErrInvalidData
		}
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("contracts: encode data: %w", err)
		}
		return raw, nil
	}
}
