// Package rabbitmq provides the AMQP transport underneath the confirmation
// tracker.
//
// This package includes:
//   - ConnectionManager: Manages the RabbitMQ connection with automatic reconnection
//   - ChannelSource: Opens a confirm-capable channel per (re)connect and emits
//     channel-replacement notifications
//   - ConfirmChannel: Adapts *amqp.Channel to the confirms.Channel interface
//   - TopologyManager: Declares the exchanges publishes are routed through
//
// The tracker in the confirms package never sees AMQP types directly; it
// consumes the narrow channel view and the replacement stream exposed here.
package rabbitmq
