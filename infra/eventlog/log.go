// Package eventlog defines the ordered, offset-addressable event log the
// matching core is driven by, with a local file-backed implementation and a
// Kafka-backed one. The core depends only on the Log interface.
package eventlog

import "context"

// Handler consumes one event at its offset. Delivery is at-least-once, so
// handlers must be idempotent per (event, offset) pair. When a stored record
// cannot be decoded, implementations log it and call the handler with a nil
// event so the offset is still accounted for.
type Handler func(off Offset, ev *Event) error

// Log is the capability interface over the event transport.
type Log interface {
	// Append durably adds the event and returns its assigned offset.
	Append(ctx context.Context, ev *Event) (Offset, error)

	// ConsumeFrom delivers events with offsets >= from in strictly
	// increasing offset order, blocking until ctx is canceled. A handler
	// error aborts consumption and is returned.
	ConsumeFrom(ctx context.Context, from Offset, fn Handler) error

	// LastOffset is the producer watermark, the offset of the newest
	// appended event (0 when the log is empty).
	LastOffset() (Offset, error)

	Close() error
}
