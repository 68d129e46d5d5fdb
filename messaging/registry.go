package messaging

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MessageHandlerFunc receives an acknowledged message
type MessageHandlerFunc func(ctx context.Context, msg *Message)

type route struct {
	queue   string
	msgType string
}

// Registration is the handle returned for a registered handler
type Registration struct {
	route
	handler  MessageHandlerFunc
	registry *Registry
	once     sync.Once
}

// Queue returns the queue the handler listens on
func (r *Registration) Queue() string { return r.queue }

// MessageType returns the message type the handler listens for
func (r *Registration) MessageType() string { return r.msgType }

// Remove deregisters the handler. It is safe to call more than once.
func (r *Registration) Remove() {
	r.once.Do(func() {
		r.registry.remove(r)
	})
}

// Registry routes deliveries to handlers by (queue, message type).
// More than one handler may be registered for the same key; each one
// receives the message.
type Registry struct {
	mu      sync.RWMutex
	routes  map[route][]*Registration
	logger  *zap.Logger
	metrics MetricsCollector
}

// RegistryOption configures the Registry
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithRegistryMetrics sets the metrics collector
func WithRegistryMetrics(metrics MetricsCollector) RegistryOption {
	return func(r *Registry) {
		r.metrics = metrics
	}
}

// NewRegistry creates an empty registry
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		routes:  make(map[route][]*Registration),
		logger:  zap.NewNop(),
		metrics: NoOpMetricsCollector{},
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Handle registers handler for messages of msgType arriving on queue
func (r *Registry) Handle(queue, msgType string, handler MessageHandlerFunc) *Registration {
	reg := &Registration{
		route:    route{queue: queue, msgType: msgType},
		handler:  handler,
		registry: r,
	}

	r.mu.Lock()
	r.routes[reg.route] = append(r.routes[reg.route], reg)
	r.mu.Unlock()

	r.logger.Debug("handler registered", zap.String("queue", queue), zap.String("type", msgType))
	return reg
}

// Len returns the number of handlers registered for (queue, msgType)
func (r *Registry) Len(queue, msgType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes[route{queue: queue, msgType: msgType}])
}

func (r *Registry) remove(reg *Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handlers := r.routes[reg.route]
	for i, h := range handlers {
		if h == reg {
			handlers = append(handlers[:i:i], handlers[i+1:]...)
			break
		}
	}
	if len(handlers) == 0 {
		delete(r.routes, reg.route)
	} else {
		r.routes[reg.route] = handlers
	}
}

func (r *Registry) lookup(queue, msgType string) []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Registration(nil), r.routes[route{queue: queue, msgType: msgType}]...)
}

// Consumer returns the DeliveryHandler for queue
func (r *Registry) Consumer(queue string) DeliveryHandler {
	return func(ctx context.Context, d Delivery) {
		r.Dispatch(ctx, queue, d)
	}
}

// Dispatch acknowledges d and runs the handlers registered for its type.
// The acknowledgement happens before any handler runs, so a failing
// handler never causes redelivery. Malformed and unhandled deliveries are
// acknowledged and dropped.
func (r *Registry) Dispatch(ctx context.Context, queue string, d Delivery) {
	logger := r.logger.With(zap.String("queue", queue), zap.String("type", d.Type()))

	msg, err := ParseMessage(d)
	if err != nil {
		logger.Warn("dropping malformed message", zap.Error(err))
		r.ack(logger, d)
		r.metrics.MessageDropped(queue, DropMalformed)
		return
	}

	handlers := r.lookup(queue, msg.Type)
	r.ack(logger, d)

	if len(handlers) == 0 {
		logger.Debug("no handler for message")
		r.metrics.MessageDropped(queue, DropUnhandled)
		return
	}

	for _, h := range handlers {
		h.handler(ctx, msg)
	}
}

func (r *Registry) ack(logger *zap.Logger, d Delivery) {
	if err := d.Acknowledge(); err != nil {
		logger.Warn("failed to acknowledge message", zap.Error(err))
	}
}
