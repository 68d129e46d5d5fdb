// Package rabbitmq implements messaging.Transport on RabbitMQ.
//
// The transport remembers every topology it declared and every queue it
// consumes. Services declare auto-delete entities, which vanish with the
// connection, so after the connection manager reconnects the transport
// declares them again and restarts its consumers.
package rabbitmq

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/glimte/svcbus/internal/rabbitmq"
	"github.com/glimte/svcbus/messaging"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
	cfg       *TransportConfig

	mu            sync.Mutex
	declared      []rabbitmq.Topology
	subscriptions map[string]subscription
	lost          bool

	ctx    context.Context
	cancel context.CancelFunc
}

type subscription struct {
	prefetch int
	handler  rabbitmq.MessageHandler
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	ConnectionOptions  []rabbitmq.ConnectionOption
	ChannelPoolOptions []rabbitmq.ChannelPoolOption
	PublisherOptions   []rabbitmq.PublisherOption
	ConsumerOptions    []rabbitmq.ConsumerOption
	Logger             *zap.Logger
	Metrics            messaging.MetricsCollector
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithChannelPoolOptions sets channel pool options
func WithChannelPoolOptions(opts ...rabbitmq.ChannelPoolOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ChannelPoolOptions = append(cfg.ChannelPoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithLogger sets the logger for the transport and every component under it
func WithLogger(logger *zap.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithMetrics reports connection state changes to metrics
func WithMetrics(metrics messaging.MetricsCollector) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Metrics = metrics
	}
}

// NewTransport creates a RabbitMQ transport. Nothing is dialed until Connect.
func NewTransport(connectionString string, options ...TransportOption) *Transport {
	cfg := &TransportConfig{
		Logger:  zap.NewNop(),
		Metrics: messaging.NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(cfg)
	}

	// the logger goes first so explicit component options still win
	cfg.ConnectionOptions = append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(cfg.Logger)}, cfg.ConnectionOptions...)
	cfg.ChannelPoolOptions = append([]rabbitmq.ChannelPoolOption{rabbitmq.WithChannelLogger(cfg.Logger)}, cfg.ChannelPoolOptions...)
	cfg.PublisherOptions = append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.Logger)}, cfg.PublisherOptions...)
	cfg.ConsumerOptions = append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(cfg.Logger)}, cfg.ConsumerOptions...)

	manager := rabbitmq.NewConnectionManager(connectionString, cfg.ConnectionOptions...)
	ctx, cancel := context.WithCancel(context.Background())

	t := &Transport{
		manager:       manager,
		consumer:      rabbitmq.NewConsumer(manager, cfg.ConsumerOptions...),
		cfg:           cfg,
		subscriptions: make(map[string]subscription),
		ctx:           ctx,
		cancel:        cancel,
	}
	manager.AddStateListener(t)

	return t
}

// Connect dials the broker within the connect timeout and sets up the
// channel pool behind the publisher.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pool != nil {
		return nil
	}

	if err := t.manager.Connect(ctx); err != nil {
		return err
	}

	pool, err := rabbitmq.NewChannelPool(t.manager, t.cfg.ChannelPoolOptions...)
	if err != nil {
		t.manager.Close()
		return fmt.Errorf("failed to create channel pool: %w", err)
	}

	t.pool = pool
	t.publisher = rabbitmq.NewPublisher(pool, t.cfg.PublisherOptions...)
	t.topology = rabbitmq.NewTopologyManager(pool)
	return nil
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	return t.manager.IsConnected()
}

// DeclareTopology declares spec and remembers it for reconnects
func (t *Transport) DeclareTopology(ctx context.Context, spec messaging.TopologySpec) error {
	t.mu.Lock()
	topology := t.topology
	t.mu.Unlock()
	if topology == nil {
		return rabbitmq.ErrConnectionNotReady
	}

	declaration := toTopology(spec)
	if err := topology.DeclareTopology(ctx, declaration); err != nil {
		return err
	}

	t.mu.Lock()
	t.declared = append(t.declared, declaration)
	t.mu.Unlock()
	return nil
}

// Publish sends msg with publisher confirms. An unroutable mandatory
// message fails with rabbitmq.ErrMandatoryFailed.
func (t *Transport) Publish(ctx context.Context, exchange, routingKey string, msg messaging.Publishing) error {
	t.mu.Lock()
	publisher := t.publisher
	t.mu.Unlock()
	if publisher == nil {
		return rabbitmq.ErrConnectionNotReady
	}

	return publisher.Publish(ctx, exchange, routingKey, msg.Mandatory, toPublishing(msg))
}

// Consume subscribes to queue and keeps the subscription across reconnects
func (t *Transport) Consume(ctx context.Context, queue string, prefetch int, handler messaging.DeliveryHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sub := subscription{
		prefetch: prefetch,
		handler: func(ctx context.Context, d amqp.Delivery) {
			handler(ctx, &delivery{d})
		},
	}

	if err := t.consumer.Subscribe(t.ctx, queue, prefetch, sub.handler); err != nil {
		return err
	}

	t.mu.Lock()
	t.subscriptions[queue] = sub
	t.mu.Unlock()
	return nil
}

// Close stops consumers and closes the pool and connection
func (t *Transport) Close() error {
	t.cancel()
	t.consumer.UnsubscribeAll()

	t.mu.Lock()
	pool, publisher := t.pool, t.publisher
	t.mu.Unlock()

	if publisher != nil {
		publisher.Close()
	}
	if pool != nil {
		pool.Close()
	}
	return t.manager.Close()
}

// OnConnected restores topology and consumers after a reconnect
func (t *Transport) OnConnected() {
	t.cfg.Metrics.ConnectionState(true)

	t.mu.Lock()
	if !t.lost {
		t.mu.Unlock()
		return
	}
	t.lost = false
	declared := append([]rabbitmq.Topology(nil), t.declared...)
	subs := make(map[string]subscription, len(t.subscriptions))
	for queue, sub := range t.subscriptions {
		subs[queue] = sub
	}
	topology := t.topology
	t.mu.Unlock()

	logger := t.cfg.Logger
	for _, declaration := range declared {
		if err := topology.DeclareTopology(t.ctx, declaration); err != nil {
			logger.Error("failed to restore topology after reconnect", zap.Error(err))
		}
	}

	for queue, sub := range subs {
		// the old consumer may still be shutting down
		err := waitFor(t.ctx, func() error {
			return t.consumer.Subscribe(t.ctx, queue, sub.prefetch, sub.handler)
		})
		if err != nil {
			logger.Error("failed to restore consumer after reconnect", zap.String("queue", queue), zap.Error(err))
			continue
		}
		logger.Info("consumer restored", zap.String("queue", queue))
	}
}

// OnDisconnected marks the session lost
func (t *Transport) OnDisconnected(err error) {
	t.cfg.Metrics.ConnectionState(false)

	t.mu.Lock()
	t.lost = true
	t.mu.Unlock()

	t.cfg.Logger.Warn("broker connection lost", zap.Error(err))
}

// OnReconnecting logs the attempt
func (t *Transport) OnReconnecting(attempt int) {
	t.cfg.Logger.Info("reconnecting to broker", zap.Int("attempt", attempt))
}

func waitFor(ctx context.Context, fn func() error) error {
	const attempts = 10
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return err
}

func toTopology(spec messaging.TopologySpec) rabbitmq.Topology {
	var topology rabbitmq.Topology
	for _, ex := range spec.Exchanges {
		topology.Exchanges = append(topology.Exchanges, rabbitmq.ExchangeDeclaration{
			Name:       ex.Name,
			Type:       ex.Kind,
			Durable:    ex.Durable,
			AutoDelete: ex.AutoDelete,
		})
	}
	for _, q := range spec.Queues {
		topology.Queues = append(topology.Queues, rabbitmq.QueueDeclaration{
			Name:       q.Name,
			Durable:    q.Durable,
			AutoDelete: q.AutoDelete,
			Exclusive:  q.Exclusive,
		})
	}
	for _, b := range spec.Bindings {
		topology.Bindings = append(topology.Bindings, rabbitmq.Binding{
			Queue:      b.Queue,
			Exchange:   b.Exchange,
			RoutingKey: b.RoutingKey,
		})
	}
	return topology
}

func toPublishing(msg messaging.Publishing) amqp.Publishing {
	p := amqp.Publishing{
		MessageId:    msg.MessageID,
		Type:         msg.Type,
		ContentType:  msg.ContentType,
		Body:         msg.Body,
		Timestamp:    msg.Timestamp,
		DeliveryMode: amqp.Transient,
	}
	if msg.Expiration > 0 {
		p.Expiration = strconv.FormatInt(max(msg.Expiration.Milliseconds(), 1), 10)
	}
	return p
}

// delivery adapts amqp.Delivery to messaging.Delivery
type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte         { return d.d.Body }
func (d *delivery) Type() string         { return d.d.Type }
func (d *delivery) Exchange() string     { return d.d.Exchange }
func (d *delivery) RoutingKey() string   { return d.d.RoutingKey }
func (d *delivery) ContentType() string  { return d.d.ContentType }
func (d *delivery) Timestamp() time.Time { return d.d.Timestamp }

// Acknowledge implements messaging.Delivery
func (d *delivery) Acknowledge() error {
	return d.d.Ack(false)
}

// Reject implements messaging.Delivery
func (d *delivery) Reject(requeue bool) error {
	return d.d.Nack(false, requeue)
}
