package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/glimte/svcbus/contracts"
)

// Message is a received envelope plus its broker metadata
type Message struct {
	contracts.Envelope

	Type        string
	Exchange    string
	RoutingKey  string
	ContentType string
	Timestamp   time.Time
}

// ParseMessage decodes a delivery body into a Message
func ParseMessage(d Delivery) (*Message, error) {
	msg := &Message{
		Type:        d.Type(),
		Exchange:    d.Exchange(),
		RoutingKey:  d.RoutingKey(),
		ContentType: d.ContentType(),
		Timestamp:   d.Timestamp(),
	}
	if err := json.Unmarshal(d.Body(), &msg.Envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}

// Decode unmarshals the message data into v
func (m *Message) Decode(v any) error {
	return m.DecodeData(v)
}
