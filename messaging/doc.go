// Package messaging implements service request/reply on top of a
// direct-exchange broker transport.
//
// A Service owns one identity (service name plus instance id) and derives
// its Topology from it: a shared service queue that all instances of the
// service consume from, and a unique queue that only this instance
// consumes from. Requests travel over the service exchange; replies travel
// over the api exchange back to the requester's unique queue.
//
// The package is transport agnostic. transports/rabbitmq provides the AMQP
// implementation and transports/memory an in-process one.
//
// Example usage:
//
//	svc := messaging.NewService(transport, instanceID, messaging.WithLogger(logger))
//	if err := svc.Connect(ctx, "users"); err != nil {
//		return err
//	}
//
//	// Answer requests for v1.users.get
//	_, err := svc.Wait("v1.users.get", func(ctx context.Context, msg *messaging.Message, r *messaging.Responder) error {
//		return r.Reply(ctx, map[string]string{"name": "a"})
//	})
//
//	// Ask another service
//	req, _ := contracts.NewRequest(map[string]string{"id": "42"})
//	reply, err := svc.SendAndWait(ctx, "v1.orders.get", req)
//	if failure, ok := reply.Failure(); ok {
//		// application-level error reply
//	}
package messaging
