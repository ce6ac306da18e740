// Package contracts provides the core message types shared by producers, the
// scheduler, and transport drivers.
//
// This package defines:
//   - OutgoingMessage: a unit of outbound radio traffic
//   - Priority and Kind: the scheduling tier and delivery class of a message
//   - NodeID: a mesh node address, with BroadcastNode for channel traffic
//   - DeliveryListener: asynchronous delivered/failed notifications
//   - The error taxonomy returned at submit time or reported via OnFailed
package contracts
