package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	pool           *ChannelPool
	publishTimeout time.Duration
	maxRetries     int
	retryDelay     time.Duration
	logger         *zap.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout bounds one publish including the broker confirm
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublishRetries sets the maximum number of publish retries
func WithPublishRetries(retries int) PublisherOption {
	return func(p *Publisher) {
		p.maxRetries = retries
	}
}

// WithPublishRetryDelay sets the delay between publish retries
func WithPublishRetryDelay(delay time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.retryDelay = delay
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *zap.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		publishTimeout: 2 * time.Second,
		maxRetries:     0,
		retryDelay:     200 * time.Millisecond,
		logger:         zap.NewNop(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish publishes a message and waits for the broker confirm. With
// mandatory set, a message the broker could not route to any queue fails
// with ErrMandatoryFailed.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	if msg.MessageId == "" {
		msg.MessageId = uuid.NewString()
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.retryDelay)
	b = backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(p.maxRetries, 0))), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := p.publishWithConfirm(ctx, exchange, routingKey, mandatory, msg)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err == nil {
		return nil
	}

	var pubErr *PublishError
	if !errors.As(err, &pubErr) {
		err = &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Mandatory:  mandatory,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	p.logger.Debug("publish failed",
		zap.String("exchange", exchange),
		zap.String("routingKey", routingKey),
		zap.Int("attempts", attempts),
		zap.Error(err))

	return err
}

// publishWithConfirm publishes a single message on a pooled channel and
// waits for the confirm matching its delivery tag.
func (p *Publisher) publishWithConfirm(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	ctx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return err
	}

	seq := ch.GetNextPublishSeqNo()

	if err := ch.PublishWithContext(ctx, exchange, routingKey, mandatory, false, msg); err != nil {
		p.pool.Discard(ch)
		return fmt.Errorf("failed to publish: %w", err)
	}

	for {
		select {
		case confirm, ok := <-ch.confirms:
			if !ok {
				p.pool.Discard(ch)
				return ErrChannelClosedBeforeConfirm
			}
			if confirm.DeliveryTag < seq {
				continue
			}

			// A return always precedes the confirm of the same message.
			returned := p.drainReturn(ch, msg.MessageId)
			p.pool.Put(ch)

			if !confirm.Ack {
				return ErrPublishNotConfirmed
			}
			if returned != nil {
				return &PublishError{
					Exchange:   exchange,
					RoutingKey: routingKey,
					Mandatory:  mandatory,
					Err:        fmt.Errorf("%w: %d %s", ErrMandatoryFailed, returned.ReplyCode, returned.ReplyText),
					Timestamp:  time.Now(),
				}
			}
			return nil

		case <-ctx.Done():
			// A late confirm would confuse the next user of this channel.
			p.pool.Discard(ch)
			return fmt.Errorf("%w: %v", ErrPublishTimeout, ctx.Err())
		}
	}
}

func (p *Publisher) drainReturn(ch *PooledChannel, messageID string) *amqp.Return {
	for {
		select {
		case ret := <-ch.returns:
			if ret.MessageId == messageID {
				return &ret
			}
		default:
			return nil
		}
	}
}

// Close closes the publisher. The channel pool is owned by the transport.
func (p *Publisher) Close() error {
	return nil
}
