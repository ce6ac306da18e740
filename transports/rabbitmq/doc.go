// Package rabbitmq implements a meshsched transport for deployments where a
// separate bridge process owns the radio's serial link.
//
// Frames are published to a direct exchange with publisher confirms; the
// destination node and channel travel in message headers and the
// CorrelationId carries the acknowledgment token. The bridge reports each
// radio ACK by publishing a message with the same CorrelationId to the ack
// queue, which the transport relays to the registered AckHandler.
//
// ConnectionManager keeps the broker connection alive with backoff and
// notifies listeners so the transport can reopen its channel after a
// reconnect.
package rabbitmq
