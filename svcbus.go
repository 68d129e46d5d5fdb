// Package svcbus wires a messaging.Service to RabbitMQ from a config.Config.
package svcbus

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/svcbus/config"
	"github.com/glimte/svcbus/contracts"
	"github.com/glimte/svcbus/internal/identity"
	"github.com/glimte/svcbus/internal/rabbitmq"
	"github.com/glimte/svcbus/messaging"
	rabbitmqTransport "github.com/glimte/svcbus/transports/rabbitmq"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by Wait and SendAndWait before Connect
var ErrNotConnected = messaging.ErrNotConnected

// Client provides the main entry point for svcbus
type Client struct {
	service   *messaging.Service
	transport messaging.Transport
	cfg       *config.Config
	logger    *zap.Logger
}

// clientConfig holds client configuration
type clientConfig struct {
	logger         *zap.Logger
	metrics        messaging.MetricsCollector
	transport      messaging.Transport
	instanceID     string
	requestTimeout time.Duration
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *zap.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithMetrics sets the metrics collector for all components
func WithMetrics(metrics messaging.MetricsCollector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = metrics
	}
}

// WithTransport replaces the RabbitMQ transport built from the config
func WithTransport(transport messaging.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = transport
	}
}

// WithInstanceID pins the instance id instead of deriving it from the host
func WithInstanceID(id string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.instanceID = id
	}
}

// WithRequestTimeout overrides service.request_timeout
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.requestTimeout = timeout
	}
}

// NewClient creates a client from cfg. A nil cfg uses config.Default().
// Nothing is dialed until Connect.
func NewClient(cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	opts := &clientConfig{
		logger:         zap.NewNop(),
		metrics:        messaging.NoOpMetricsCollector{},
		instanceID:     cfg.Service.InstanceID,
		requestTimeout: cfg.Service.RequestTimeout,
	}
	for _, opt := range options {
		opt(opts)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	instanceID := identity.InstanceID(opts.instanceID)

	transport := opts.transport
	if transport == nil {
		transport = newRabbitMQTransport(cfg, instanceID, opts)
	}

	service := messaging.NewService(
		transport,
		instanceID,
		messaging.WithLogger(opts.logger),
		messaging.WithMetrics(opts.metrics),
		messaging.WithRequestTimeout(opts.requestTimeout),
		messaging.WithConcurrency(cfg.Service.Concurrency),
	)

	return &Client{
		service:   service,
		transport: transport,
		cfg:       cfg,
		logger:    opts.logger,
	}, nil
}

func newRabbitMQTransport(cfg *config.Config, instanceID string, opts *clientConfig) *rabbitmqTransport.Transport {
	b := cfg.Broker

	return rabbitmqTransport.NewTransport(
		b.URL(),
		rabbitmqTransport.WithLogger(opts.logger),
		rabbitmqTransport.WithMetrics(opts.metrics),
		rabbitmqTransport.WithConnectionOptions(
			rabbitmq.WithConnectTimeout(b.ConnectTimeout),
			rabbitmq.WithHeartbeat(b.Heartbeat),
			rabbitmq.WithVhost(b.Vhost),
			rabbitmq.WithConnectionName(fmt.Sprintf("svcbus@%s", instanceID)),
			rabbitmq.WithReconnectDelay(b.ReconnectDelay),
			rabbitmq.WithMaxRetries(b.MaxReconnects),
		),
		rabbitmqTransport.WithPublisherOptions(
			rabbitmq.WithPublishTimeout(b.PublishTimeout),
		),
	)
}

// Connect joins the protocol as serviceName. An empty serviceName falls
// back to service.name from the config.
func (c *Client) Connect(ctx context.Context, serviceName string) error {
	if serviceName == "" {
		serviceName = c.cfg.Service.Name
	}
	return c.service.Connect(ctx, serviceName)
}

// Wait registers handler for requests of msgType on the service queue
func (c *Client) Wait(msgType string, handler messaging.HandlerFunc) (*messaging.Registration, error) {
	return c.service.Wait(msgType, handler)
}

// SendAndWait sends env as msgType and blocks until the reply arrives
func (c *Client) SendAndWait(ctx context.Context, msgType string, env *contracts.Envelope) (*messaging.Message, error) {
	return c.service.SendAndWait(ctx, msgType, env)
}

// Service returns the underlying service
func (c *Client) Service() *messaging.Service {
	return c.service
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// InstanceID returns the id of this instance's unique queue
func (c *Client) InstanceID() string {
	return c.service.InstanceID()
}

// Close closes all resources
func (c *Client) Close() error {
	c.logger.Debug("closing client", zap.String("instance_id", c.service.InstanceID()))
	return c.service.Close()
}
