package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRequestTimeout bounds SendAndWait and the expiry of every
// published request and reply.
const DefaultRequestTimeout = 5 * time.Second

// HandlerFunc handles one inbound request. The message has already been
// acknowledged; r answers it.
type HandlerFunc func(ctx context.Context, msg *Message, r *Responder) error

// Service joins the request/reply protocol as one instance of a service
type Service struct {
	transport   Transport
	instanceID  string
	registry    *Registry
	logger      *zap.Logger
	metrics     MetricsCollector
	timeout     time.Duration
	concurrency int

	connectMu sync.Mutex
	mu        sync.RWMutex
	topology  *Topology
}

// ServiceOption configures the Service
type ServiceOption func(*Service)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) ServiceOption {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// WithRequestTimeout sets how long SendAndWait waits for a reply
func WithRequestTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		s.timeout = timeout
	}
}

// WithConcurrency sets the in-flight limit on the service queue
func WithConcurrency(n int) ServiceOption {
	return func(s *Service) {
		s.concurrency = n
	}
}

// NewService creates a service bound to transport. instanceID must be
// unique among all running instances of all services.
func NewService(transport Transport, instanceID string, options ...ServiceOption) *Service {
	s := &Service{
		transport:   transport,
		instanceID:  instanceID,
		logger:      zap.NewNop(),
		metrics:     NoOpMetricsCollector{},
		timeout:     DefaultRequestTimeout,
		concurrency: ServiceConcurrency,
	}

	for _, opt := range options {
		opt(s)
	}

	s.logger = s.logger.With(zap.String("instance_id", instanceID))
	s.registry = NewRegistry(WithRegistryLogger(s.logger), WithRegistryMetrics(s.metrics))
	return s
}

// Connect declares the topology for serviceName and starts consuming the
// service and unique queues. It may succeed only once.
func (s *Service) Connect(ctx context.Context, serviceName string) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if _, ok := s.Topology(); ok {
		return ErrAlreadyConnected
	}

	topology, err := NewTopology(ServiceIdentity{ServiceName: serviceName, InstanceID: s.instanceID})
	if err != nil {
		return err
	}

	if err := s.transport.Connect(ctx); err != nil {
		return err
	}

	spec := topology.Spec(s.concurrency)
	if err := s.transport.DeclareTopology(ctx, spec); err != nil {
		return fmt.Errorf("messaging: declare topology: %w", err)
	}

	for _, q := range spec.Queues {
		if err := s.transport.Consume(ctx, q.Name, q.Prefetch, s.registry.Consumer(q.Name)); err != nil {
			return fmt.Errorf("messaging: consume %s: %w", q.Name, err)
		}
	}

	s.mu.Lock()
	s.topology = &topology
	s.mu.Unlock()

	s.logger.Info("service connected",
		zap.String("service", serviceName),
		zap.String("service_queue", topology.ServiceQueue),
		zap.String("unique_queue", topology.UniqueQueue))
	return nil
}

// Topology returns the topology once connected
func (s *Service) Topology() (Topology, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.topology == nil {
		return Topology{}, false
	}
	return *s.topology, true
}

// InstanceID returns the id stamped on every reply from this instance
func (s *Service) InstanceID() string {
	return s.instanceID
}

// Wait runs handler for every request of msgType on the service queue
// until the registration is removed. Deliveries without a request block
// are logged and dropped without reaching handler.
func (s *Service) Wait(msgType string, handler HandlerFunc) (*Registration, error) {
	if msgType == "" {
		return nil, fmt.Errorf("%w: empty type", ErrInvalidMessageType)
	}
	if handler == nil {
		return nil, ErrNilHandler
	}

	topology, ok := s.Topology()
	if !ok {
		return nil, ErrNotConnected
	}

	return s.registry.Handle(topology.ServiceQueue, msgType, func(ctx context.Context, msg *Message) {
		logger := s.logger.With(zap.String("type", msg.Type))

		if msg.Request == nil {
			logger.Warn("dropping message without request block", zap.Error(ErrMissingRequest))
			s.metrics.MessageDropped(topology.ServiceQueue, DropMissingRequest)
			return
		}

		responder := newResponder(s.transport, msg, s.instanceID, s.timeout)
		err := handler(ctx, msg, responder)
		if err != nil {
			logger.Error("handler failed", zap.String("request_id", msg.Request.ID), zap.Error(err))
		}
		s.metrics.MessageHandled(msg.Type, err == nil)
	}), nil
}

// Close closes the transport
func (s *Service) Close() error {
	return s.transport.Close()
}

func (s *Service) logTimeout(err error) {
	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		s.logger.Warn("request timed out",
			zap.String("type", timeoutErr.MessageType),
			zap.String("request_id", timeoutErr.RequestID),
			zap.Duration("timeout", timeoutErr.Timeout))
	}
}
