/*
Package chat contains the real-time core of the relay: connection registry,
room broadcaster, and the per-connection session gateway.

This file defines the Broadcaster, which maintains the per-room member sets
and delivers encoded events to exactly the right subset of connections.
Rooms exist only as non-empty member sets: an entry is created lazily on the
first join and dropped as soon as the last member leaves.
*/
package chat

import (
	"sync"

	"github.com/rs/zerolog"

	"relaychat/internal/pkg/logx"
)

// Sink is the outbound delivery endpoint for one connection. Implementations
// must not block: Enqueue returns false when the event cannot be accepted
// (sink closed or its buffer full), which the Broadcaster treats as a logged
// no-op, never a fatal condition.
type Sink interface {
	Enqueue(event []byte) bool
}

// Broadcaster owns the room -> member-set mapping and the connection ->
// sink mapping used for unicast delivery.
//
// A single mutex guards both maps. Fan-out happens while the lock is held
// and sinks are FIFO queues, so events broadcast by sequential calls for the
// same room reach every member in the same relative order, and a broadcast
// never observes a membership set mid-mutation.
type Broadcaster struct {
	mu sync.Mutex

	// rooms maps room name -> member connection IDs.
	rooms map[string]map[string]struct{}

	// sinks maps connection ID -> outbound sink.
	sinks map[string]Sink

	logger zerolog.Logger
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		rooms:  make(map[string]map[string]struct{}),
		sinks:  make(map[string]Sink),
		logger: logx.Logger().With().Str("component", "Broadcaster").Logger(),
	}
}

// Attach registers the outbound sink for a connection. It must be called
// before the connection can join rooms or receive unicast events.
func (b *Broadcaster) Attach(connID string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sinks[connID] = sink
}

// Detach removes the connection's sink and sweeps it out of any member set
// it still appears in. Detaching twice is a no-op.
func (b *Broadcaster) Detach(connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.sinks, connID)

	for room, members := range b.rooms {
		if _, ok := members[connID]; ok {
			delete(members, connID)
			if len(members) == 0 {
				delete(b.rooms, room)
			}
		}
	}
}

// Join adds the connection to the room's member set, creating the room entry
// if this is the first member.
func (b *Broadcaster) Join(room, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	members, ok := b.rooms[room]
	if !ok {
		members = make(map[string]struct{})
		b.rooms[room] = members
	}

	members[connID] = struct{}{}

	b.logger.Debug().
		Str("room", room).
		Str("conn_id", connID).
		Int("members", len(members)).
		Msg("Connection joined room.")
}

// Leave removes the connection from the room's member set. When the set
// becomes empty the room entry is dropped; this is pure memory reclamation
// and has no effect on persisted history.
func (b *Broadcaster) Leave(room, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	members, ok := b.rooms[room]
	if !ok {
		return
	}

	delete(members, connID)

	if len(members) == 0 {
		delete(b.rooms, room)
		b.logger.Debug().Str("room", room).Msg("Last member left, room entry dropped.")
	}
}

// Members returns a snapshot of the room's current member connection IDs.
// A room with no members yields an empty slice.
func (b *Broadcaster) Members(room string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	members := b.rooms[room]

	snapshot := make([]string, 0, len(members))
	for connID := range members {
		snapshot = append(snapshot, connID)
	}

	return snapshot
}

// Broadcast delivers an encoded event to every current member of the room.
func (b *Broadcaster) Broadcast(room string, event []byte) {
	b.broadcast(room, "", event)
}

// BroadcastExcluding delivers an encoded event to every current member of
// the room except the given connection. Used for typing indicators so the
// typist never receives its own indicator.
func (b *Broadcaster) BroadcastExcluding(room, excludeConnID string, event []byte) {
	b.broadcast(room, excludeConnID, event)
}

func (b *Broadcaster) broadcast(room, excludeConnID string, event []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for connID := range b.rooms[room] {
		if connID == excludeConnID {
			continue
		}

		sink, ok := b.sinks[connID]
		if !ok {
			// Membership can outlive the sink for a moment while a
			// disconnect races a broadcast; skipping is correct.
			continue
		}

		if !sink.Enqueue(event) {
			b.logger.Warn().
				Str("room", room).
				Str("conn_id", connID).
				Msg("Dropped event for member with closed or full sink.")
		}
	}
}

// Unicast delivers an encoded event to exactly one connection. Used for
// history replay and acknowledgments. Delivery to an unknown or closed
// connection is a logged no-op.
func (b *Broadcaster) Unicast(connID string, event []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sink, ok := b.sinks[connID]
	if !ok {
		b.logger.Debug().Str("conn_id", connID).Msg("Unicast target not attached, dropping event.")
		return
	}

	if !sink.Enqueue(event) {
		b.logger.Warn().Str("conn_id", connID).Msg("Dropped unicast event for closed or full sink.")
	}
}
