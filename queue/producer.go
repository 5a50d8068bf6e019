// Package queue defines the gateway's fire-and-forget collaborator onto
// the external message queue that feeds the (out-of-scope) durable
// history/recorder pipeline, per SPEC_FULL.md §6's message_queue
// collaborator.
package queue

import "context"

// Producer publishes msg to topic. Delivery is best-effort from the
// core's point of view: a Producer error is logged and dropped, never
// propagated back to the sender of the original chat message (the queue
// is an async collaborator, not part of the delivery guarantee).
type Producer interface {
	Publish(ctx context.Context, topic string, msg []byte) error
	Close() error
}
