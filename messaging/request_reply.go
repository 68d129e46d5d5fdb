package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/svcbus/contracts"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// pendingReply is the single-assignment outcome of one SendAndWait call.
// The first settle wins; later ones are no-ops.
type pendingReply struct {
	once sync.Once
	done chan struct{}
	msg  *Message
	err  error
}

func newPendingReply() *pendingReply {
	return &pendingReply{done: make(chan struct{})}
}

func (p *pendingReply) settle(msg *Message, err error) bool {
	settled := false
	p.once.Do(func() {
		p.msg, p.err = msg, err
		close(p.done)
		settled = true
	})
	return settled
}

// result must only be called after done is closed
func (p *pendingReply) result() (*Message, error) {
	return p.msg, p.err
}

// SendAndWait publishes a request of msgType and waits for its reply.
//
// env must carry a request block. A copy of it is sent with reply and
// key pointing back at this instance's unique queue, and with a fresh id
// if it had none; env itself is not modified. The request is routed by
// the first two segments of msgType.
//
// The call ends with exactly one outcome: the reply, a *TimeoutError once
// the request timeout passes, the context error, or the publish error.
// An application-level error reply is a successful result; inspect it
// with Message.Failure.
func (s *Service) SendAndWait(ctx context.Context, msgType string, env *contracts.Envelope) (*Message, error) {
	if env == nil || env.Request == nil {
		s.logger.Warn("refusing to send request without request block", zap.String("type", msgType))
		return nil, ErrMissingRequest
	}

	routingKey, err := ServiceRoutingKey(msgType)
	if err != nil {
		return nil, err
	}

	topology, ok := s.Topology()
	if !ok {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := *env
	out.Request = env.Request.Clone()
	out.Request.Reply = topology.APIExchange
	out.Request.Key = topology.InstanceID
	if out.Request.ID == "" {
		out.Request.ID = uuid.NewString()
	}
	requestID := out.Request.ID

	body, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("messaging: encode request %s: %w", msgType, err)
	}

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	logger := s.logger.With(zap.String("type", msgType), zap.String("request_id", requestID))
	pending := newPendingReply()

	// Replies of the same type for other in-flight requests share this
	// route, so only the one answering requestID settles.
	reg := s.registry.Handle(topology.UniqueQueue, ResponseType(msgType), func(_ context.Context, msg *Message) {
		if !answers(msg, requestID) {
			return
		}
		if !pending.settle(msg, nil) {
			logger.Debug("dropping late reply")
		}
	})
	defer reg.Remove()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	start := time.Now()
	err = s.transport.Publish(ctx, topology.Exchange, routingKey, Publishing{
		MessageID:   requestID,
		Type:        msgType,
		ContentType: contracts.ContentType,
		Body:        body,
		Expiration:  timeout,
		Timestamp:   start,
		Mandatory:   true,
	})
	if err != nil {
		s.metrics.RequestFailed(msgType)
		logger.Warn("failed to publish request", zap.Error(err))
		return nil, fmt.Errorf("messaging: send %s: %w", msgType, err)
	}
	s.metrics.RequestSent(msgType)

	select {
	case <-pending.done:
	case <-timer.C:
		pending.settle(nil, &TimeoutError{MessageType: msgType, RequestID: requestID, Timeout: timeout})
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			pending.settle(nil, &TimeoutError{MessageType: msgType, RequestID: requestID, Timeout: timeout, Err: ctx.Err()})
		} else {
			pending.settle(nil, ctx.Err())
		}
	}

	msg, err := pending.result()
	switch {
	case err == nil:
		s.metrics.ReplyReceived(msgType, time.Since(start))
		logger.Debug("reply received", zap.String("service_id", replyServiceID(msg)))
	case errors.Is(err, ErrTimeout):
		s.metrics.RequestTimedOut(msgType)
		s.logTimeout(err)
	default:
		s.metrics.RequestFailed(msgType)
	}
	return msg, err
}

func answers(msg *Message, requestID string) bool {
	if msg.Reply != nil && msg.Reply.ID != "" {
		return msg.Reply.ID == requestID
	}
	return msg.Request != nil && msg.Request.ID == requestID
}

func replyServiceID(msg *Message) string {
	if msg.Reply == nil {
		return ""
	}
	return msg.Reply.ServiceID
}
