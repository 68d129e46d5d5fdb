package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/svcbus/messaging"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Transport is one connection to a Broker
type Transport struct {
	broker    *Broker
	logger    *zap.Logger
	mu        sync.Mutex
	connected bool
	closed    bool
	consumers map[string]*consumer
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// NewTransport creates a transport on broker
func NewTransport(broker *Broker, options ...TransportOption) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		broker:    broker,
		logger:    zap.NewNop(),
		consumers: make(map[string]*consumer),
		ctx:       ctx,
		cancel:    cancel,
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// Connect marks the transport connected unless the broker is unreachable
func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.broker.mu.Lock()
	unreachable := t.broker.unreachable
	t.broker.mu.Unlock()
	if unreachable {
		return ErrUnreachable
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrNotConnected
	}
	t.connected = true
	return nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// DeclareTopology declares exchanges, queues and bindings on the broker
func (t *Transport) DeclareTopology(ctx context.Context, spec messaging.TopologySpec) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	return t.broker.declare(spec)
}

// Publish routes msg through the broker
func (t *Transport) Publish(ctx context.Context, exchange, routingKey string, msg messaging.Publishing) error {
	if !t.IsConnected() {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.broker.publish(exchange, routingKey, msg)
}

// Consume starts delivering messages from queue to handler
func (t *Transport) Consume(ctx context.Context, queue string, prefetch int, handler messaging.DeliveryHandler) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if _, exists := t.consumers[queue]; exists {
		t.mu.Unlock()
		return fmt.Errorf("memory: queue %s already consumed", queue)
	}
	c := &consumer{transport: t, queue: queue, handler: handler}
	if prefetch > 0 {
		c.sem = semaphore.NewWeighted(int64(prefetch))
	}
	t.consumers[queue] = c
	t.mu.Unlock()

	if err := t.broker.addConsumer(queue, c); err != nil {
		t.mu.Lock()
		delete(t.consumers, queue)
		t.mu.Unlock()
		return err
	}

	t.logger.Debug("consuming", zap.String("queue", queue), zap.Int("prefetch", prefetch))
	return nil
}

// Close detaches all consumers and waits for in-flight handlers
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.connected = false
	consumers := t.consumers
	t.consumers = make(map[string]*consumer)
	t.mu.Unlock()

	for queue, c := range consumers {
		t.broker.removeConsumer(queue, c)
	}
	t.cancel()
	t.wg.Wait()
	return nil
}

type consumer struct {
	transport *Transport
	queue     string
	handler   messaging.DeliveryHandler
	sem       *semaphore.Weighted
}

// deliverFunc returns a func that hands d to the consumer asynchronously
func (c *consumer) deliverFunc(d *delivery) func() {
	t := c.transport
	t.wg.Add(1)
	return func() {
		go func() {
			defer t.wg.Done()
			if c.sem != nil {
				if err := c.sem.Acquire(t.ctx, 1); err != nil {
					return
				}
				defer c.sem.Release(1)
			}
			defer func() {
				if r := recover(); r != nil {
					t.logger.Error("panic in delivery handler", zap.Any("panic", r), zap.String("queue", c.queue))
				}
			}()
			c.handler(t.ctx, d)
		}()
	}
}

type delivery struct {
	broker     *Broker
	queue      string
	exchange   string
	routingKey string
	msg        messaging.Publishing
	settled    atomic.Bool
}

func (d *delivery) Body() []byte         { return d.msg.Body }
func (d *delivery) Type() string         { return d.msg.Type }
func (d *delivery) Exchange() string     { return d.exchange }
func (d *delivery) RoutingKey() string   { return d.routingKey }
func (d *delivery) ContentType() string  { return d.msg.ContentType }
func (d *delivery) Timestamp() time.Time { return d.msg.Timestamp }

func (d *delivery) Acknowledge() error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadyAcknowledged
	}
	return nil
}

func (d *delivery) Reject(requeue bool) error {
	if !d.settled.CompareAndSwap(false, true) {
		return ErrAlreadyAcknowledged
	}
	if requeue {
		d.broker.requeue(d)
	}
	return nil
}
