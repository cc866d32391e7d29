// Package rabbitmq manages the AMQP connection used by the broker transport.
//
// This package includes:
//   - ConnectionManager: dials the broker, hands out channels and reconnects
//     with exponential backoff when the connection drops
//   - Channel: the subset of *amqp.Channel the transport uses
//   - DeclareQueue: idempotent queue declaration
//
// Connection failures are reported as *ConnectionError, classified as
// CONNECTIVITY errors by the interception engine.
package rabbitmq
