package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glimte/svcbus/contracts"
)

// Publisher publishes a single message; Transport satisfies it
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error
}

// Responder answers one inbound request. It is built fresh for every
// message and only holds that message's routing context.
type Responder struct {
	publisher  Publisher
	exchange   string
	routingKey string
	request    *contracts.RequestInfo
	msgType    string
	serviceID  string
	expiration time.Duration
	now        func() time.Time
}

func newResponder(publisher Publisher, msg *Message, serviceID string, expiration time.Duration) *Responder {
	r := &Responder{
		publisher:  publisher,
		exchange:   DefaultExchange,
		request:    msg.Request.Clone(),
		msgType:    msg.Type,
		serviceID:  serviceID,
		expiration: expiration,
		now:        time.Now,
	}
	if msg.Request.Reply != "" {
		r.exchange = msg.Request.Reply
	}
	r.routingKey = msg.Request.Key
	return r
}

// Exchange returns the exchange replies are published to
func (r *Responder) Exchange() string { return r.exchange }

// RoutingKey returns the routing key replies are published with
func (r *Responder) RoutingKey() string { return r.routingKey }

// RequestID returns the id of the request being answered
func (r *Responder) RequestID() string { return r.request.ID }

// Reply publishes payload as the response. json.RawMessage and []byte
// payloads are sent verbatim.
func (r *Responder) Reply(ctx context.Context, payload any) error {
	now := r.now()

	env, err := contracts.NewReply(r.request, r.serviceID, payload, now)
	if err != nil {
		return fmt.Errorf("messaging: build reply to %s: %w", r.msgType, err)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("messaging: encode reply to %s: %w", r.msgType, err)
	}

	err = r.publisher.Publish(ctx, r.exchange, r.routingKey, Publishing{
		Type:        ResponseType(r.msgType),
		ContentType: contracts.ContentType,
		Body:        body,
		Expiration:  r.expiration,
		Timestamp:   now,
		Mandatory:   true,
	})
	if err != nil {
		return fmt.Errorf("messaging: reply to %s: %w", r.msgType, err)
	}
	return nil
}

// Error replies with an error payload. An empty reason becomes
// GENERIC_ERROR and a zero code becomes 1.
func (r *Responder) Error(ctx context.Context, reason string, code int) error {
	return r.Reply(ctx, contracts.NewErrorPayload(reason, code))
}
