package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// MessageHandler processes incoming messages. The consumer never acks on
// the handler's behalf; acknowledgement is the handler's responsibility.
type MessageHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer manages message consumption from RabbitMQ. Each subscription
// gets a dedicated channel, and deliveries are handled concurrently up to
// the subscription's prefetch limit.
type Consumer struct {
	manager         *ConnectionManager
	logger          *zap.Logger
	activeConsumers sync.Map // queue -> *ConsumerInfo
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *zap.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(manager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		manager: manager,
		logger:  zap.NewNop(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// ConsumerInfo tracks active consumer information
type ConsumerInfo struct {
	Queue       string
	ConsumerTag string
	Prefetch    int
	Channel     *amqp.Channel
	Cancel      context.CancelFunc
	Done        chan struct{}
}

// Subscribe starts consuming messages from a queue. A prefetch of zero
// means no limit, both at the broker and for in-flight handlers.
func (c *Consumer) Subscribe(ctx context.Context, queue string, prefetch int, handler MessageHandler) error {
	if existing, ok := c.activeConsumers.Load(queue); ok {
		if !existing.(*ConsumerInfo).Channel.IsClosed() {
			return &ConsumerError{Queue: queue, Op: "subscribe", Err: ErrConsumerExists, Timestamp: time.Now()}
		}
	}

	conn, err := c.manager.GetConnection()
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return &ConsumerError{
			Queue:     queue,
			Op:        "open channel",
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			_ = ch.Close()
			return &ConsumerError{Queue: queue, Op: "set qos", Err: err, Timestamp: time.Now()}
		}
	}

	tag := fmt.Sprintf("%s-%d", queue, time.Now().UnixNano())
	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	consumerCtx, cancel := context.WithCancel(ctx)

	info := &ConsumerInfo{
		Queue:       queue,
		ConsumerTag: tag,
		Prefetch:    prefetch,
		Channel:     ch,
		Cancel:      cancel,
		Done:        make(chan struct{}),
	}

	c.activeConsumers.Store(queue, info)

	go c.processMessages(consumerCtx, info, deliveries, handler)

	c.logger.Info("subscribed to queue",
		zap.String("queue", queue),
		zap.String("consumerTag", tag),
		zap.Int("prefetchCount", prefetch),
	)

	return nil
}

// processMessages dispatches deliveries until the subscription is cancelled
// or the channel closes, then waits for in-flight handlers.
func (c *Consumer) processMessages(ctx context.Context, info *ConsumerInfo, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	var (
		wg  sync.WaitGroup
		sem *semaphore.Weighted
	)
	if info.Prefetch > 0 {
		sem = semaphore.NewWeighted(int64(info.Prefetch))
	}

	defer func() {
		wg.Wait()
		if !info.Channel.IsClosed() {
			_ = info.Channel.Close()
		}
		c.activeConsumers.CompareAndDelete(info.Queue, info)
		close(info.Done)
		c.logger.Info("consumer stopped", zap.String("queue", info.Queue))
	}()

	for {
		select {
		case <-ctx.Done():
			_ = info.Channel.Cancel(info.ConsumerTag, false)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", zap.String("queue", info.Queue))
				return
			}

			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					// Cancelled while saturated; the broker redelivers unacked messages.
					_ = delivery.Nack(false, true)
					continue
				}
			}

			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				if sem != nil {
					defer sem.Release(1)
				}
				c.handleMessage(ctx, info.Queue, d, handler)
			}(delivery)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, queue string, delivery amqp.Delivery, handler MessageHandler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in message handler",
				zap.Any("panic", r),
				zap.String("queue", queue),
				zap.String("messageId", delivery.MessageId),
			)
		}
	}()

	handler(ctx, delivery)
}

// Unsubscribe stops consuming from a queue and waits for in-flight handlers
func (c *Consumer) Unsubscribe(queue string) error {
	value, ok := c.activeConsumers.Load(queue)
	if !ok {
		return fmt.Errorf("no active consumer for queue: %s", queue)
	}

	info := value.(*ConsumerInfo)
	info.Cancel()
	<-info.Done

	return nil
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() {
	var wg sync.WaitGroup

	c.activeConsumers.Range(func(key, value interface{}) bool {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Debug("failed to unsubscribe", zap.String("queue", queue), zap.Error(err))
			}
		}(key.(string))
		return true
	})

	wg.Wait()
}

// GetActiveConsumers returns a list of active consumer queues
func (c *Consumer) GetActiveConsumers() []string {
	var queues []string
	c.activeConsumers.Range(func(key, value interface{}) bool {
		queues = append(queues, key.(string))
		return true
	})
	return queues
}
