// Package bus is the room-scoped pub/sub transport between relay
// sessions and their participants. Delivery is at-most-once with
// per-publisher ordering; nothing is buffered for absent subscribers.
package bus

import "context"

// Handler receives one published payload. Handlers for a single
// subscription are invoked sequentially in publish order per publisher.
type Handler func(ctx context.Context, payload []byte)

type Bus interface {
	// Publish sends payload to all current subscribers of (room,
	// msgType). Fire-and-forget: no acknowledgement, no retry.
	Publish(ctx context.Context, room, msgType string, payload []byte) error

	// Subscribe registers fn for future messages of msgType on room and
	// returns an unsubscribe func. Messages published before the call
	// are missed, not replayed.
	Subscribe(ctx context.Context, room, msgType string, fn Handler) (func(), error)
}
