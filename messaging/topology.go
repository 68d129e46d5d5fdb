package messaging

import (
	"fmt"
	"strings"
)

const (
	// DefaultExchange carries requests addressed to a service
	DefaultExchange = "v1"
	// APIExchange carries replies addressed to one instance
	APIExchange = DefaultExchange + ".api"
	// ResponseSuffix is appended to a request type to form its reply type
	ResponseSuffix = ".response"
	// ServiceConcurrency is the in-flight limit on the service queue
	ServiceConcurrency = 20
)

// ServiceIdentity names one running instance of a service
type ServiceIdentity struct {
	ServiceName string
	InstanceID  string
}

// Topology holds the broker names derived from a ServiceIdentity
type Topology struct {
	Exchange     string
	APIExchange  string
	ServiceQueue string
	UniqueQueue  string
	InstanceID   string
}

// NewTopology derives the topology for identity. All instances of a
// service share ServiceQueue; UniqueQueue is specific to the instance.
func NewTopology(identity ServiceIdentity) (Topology, error) {
	if strings.TrimSpace(identity.ServiceName) == "" {
		return Topology{}, fmt.Errorf("%w: empty service name", ErrInvalidIdentity)
	}
	if strings.TrimSpace(identity.InstanceID) == "" {
		return Topology{}, fmt.Errorf("%w: empty instance id", ErrInvalidIdentity)
	}

	return Topology{
		Exchange:     DefaultExchange,
		APIExchange:  APIExchange,
		ServiceQueue: DefaultExchange + "." + identity.ServiceName,
		UniqueQueue:  APIExchange + "--" + identity.InstanceID,
		InstanceID:   identity.InstanceID,
	}, nil
}

// Spec returns the declarations for t. concurrency caps in-flight
// deliveries on the service queue; the unique queue is unlimited.
func (t Topology) Spec(concurrency int) TopologySpec {
	return TopologySpec{
		Exchanges: []ExchangeOptions{
			{Name: t.Exchange, Kind: "direct", AutoDelete: true},
			{Name: t.APIExchange, Kind: "direct", AutoDelete: true},
		},
		Queues: []QueueOptions{
			{Name: t.ServiceQueue, AutoDelete: true, Prefetch: concurrency},
			{Name: t.UniqueQueue, AutoDelete: true},
		},
		Bindings: []QueueBinding{
			{Queue: t.ServiceQueue, Exchange: t.Exchange, RoutingKey: t.ServiceQueue},
			{Queue: t.UniqueQueue, Exchange: t.APIExchange, RoutingKey: t.InstanceID},
		},
	}
}

// ServiceRoutingKey returns the routing key for a request type, which is
// its first two dot-separated segments: v1.users.get routes to v1.users.
func ServiceRoutingKey(msgType string) (string, error) {
	parts := strings.SplitN(msgType, ".", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: %q needs at least two segments", ErrInvalidMessageType, msgType)
	}
	return parts[0] + "." + parts[1], nil
}

// ResponseType returns the reply type for a request type
func ResponseType(msgType string) string {
	return msgType + ResponseSuffix
}
