// Package rabbitmq provides the RabbitMQ plumbing underneath svcbus.
//
// This package includes:
//   - ConnectionManager: owns the broker connection and reconnects with backoff
//   - ChannelPool: pools publisher-confirm channels and replaces dead ones
//   - Publisher: confirmed, optionally mandatory publishing
//   - Consumer: one channel per queue, bounded concurrent handlers
//   - TopologyManager: declares exchanges, queues, and bindings
//
// Connection state changes are reported to ConnectionStateListener
// implementations, which is how higher layers re-declare auto-delete
// topology and restart consumers after the broker comes back.
package rabbitmq
