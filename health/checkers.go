package health

import (
	"context"
	"time"

	"github.com/glimte/svcbus/messaging"
)

// Connectivity is implemented by transports that track their broker
// connection
type Connectivity interface {
	IsConnected() bool
}

// BrokerChecker reports the broker connection of a transport
type BrokerChecker struct {
	conn Connectivity
}

// NewBrokerChecker creates a checker over conn
func NewBrokerChecker(conn Connectivity) *BrokerChecker {
	return &BrokerChecker{conn: conn}
}

func (c *BrokerChecker) Name() string {
	return "broker"
}

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Timestamp: time.Now()}

	if c.conn.IsConnected() {
		result.Status = StatusHealthy
		result.Message = "connected"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
	}

	result.Duration = time.Since(result.Timestamp)
	return result
}

// ServiceChecker reports whether a service has joined the protocol and
// which queues it consumes
type ServiceChecker struct {
	service *messaging.Service
}

// NewServiceChecker creates a checker over service
func NewServiceChecker(service *messaging.Service) *ServiceChecker {
	return &ServiceChecker{service: service}
}

func (c *ServiceChecker) Name() string {
	return "service"
}

func (c *ServiceChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Name: c.Name(), Timestamp: time.Now()}

	topology, ok := c.service.Topology()
	if !ok {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
		result.Error = messaging.ErrNotConnected.Error()
	} else {
		result.Status = StatusHealthy
		result.Message = "consuming"
		result.Details = map[string]any{
			"instance_id":   topology.InstanceID,
			"service_queue": topology.ServiceQueue,
			"unique_queue":  topology.UniqueQueue,
		}
	}

	result.Duration = time.Since(result.Timestamp)
	return result
}
