/*
Package history is the message persistence collaborator of the chat core.

It defines the append-only Store contract the session gateway writes through
before any broadcast, plus a Postgres implementation for production and an
in-memory implementation for tests and database-less development runs.
*/
package history

import (
	"context"
	"time"
)

// Message is one persisted chat record. Messages are immutable once created.
type Message struct {
	// Seq is the store-assigned sequence number. It is the canonical
	// ordering key within a room: wall-clock timestamps alone cannot order
	// two messages created in the same millisecond.
	Seq int64

	Room      string
	Sender    string
	Body      string
	CreatedAt time.Time
}

// Store is the durable append-only log of room messages.
type Store interface {
	// Append records a message and returns its assigned sequence number.
	Append(ctx context.Context, room, sender, body string) (int64, error)

	// ListByRoom returns the room's messages in ascending sequence order.
	ListByRoom(ctx context.Context, room string) ([]Message, error)
}
