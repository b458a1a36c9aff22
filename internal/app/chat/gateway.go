/*
Package chat contains the real-time core of the relay: connection registry,
room broadcaster, and the per-connection session gateway.

This file defines the Gateway, the per-connection state machine coordinating
the Registry, Broadcaster, and history Store. Each connection moves through
Connected (no room) -> Joined -> Connected (after leave) -> Closed (after
disconnect); the current state is fully derived from Registry entries, so no
separate state field can fall out of sync with membership.

The protocol is best-effort: malformed or out-of-state events are dropped
silently rather than producing client-visible errors.
*/
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"relaychat/internal/app/history"
	"relaychat/internal/pkg/logx"
)

// DefaultStoreTimeout bounds every call into the history Store. A send whose
// persistence has not completed within the bound is treated as failed and is
// never broadcast.
const DefaultStoreTimeout = 5 * time.Second

// Gateway validates inbound session events and coordinates the Registry,
// Broadcaster, and Store so that membership state and fan-out always agree.
type Gateway struct {
	registry    *Registry
	broadcaster *Broadcaster
	store       history.Store

	storeTimeout time.Duration

	// mu serializes membership transitions (join, leave, disconnect) so a
	// room switch updates old-room and new-room state atomically: no
	// connection is ever observable in two rooms, or broadcast-reachable in
	// a room the registry does not place it in. Store I/O is never done
	// while holding it.
	mu sync.Mutex

	logger zerolog.Logger
}

// NewGateway builds a Gateway with its own Registry and Broadcaster around
// the given Store. A non-positive storeTimeout falls back to
// DefaultStoreTimeout.
func NewGateway(store history.Store, storeTimeout time.Duration) *Gateway {
	if storeTimeout <= 0 {
		storeTimeout = DefaultStoreTimeout
	}

	return &Gateway{
		registry:     NewRegistry(),
		broadcaster:  NewBroadcaster(),
		store:        store,
		storeTimeout: storeTimeout,
		logger:       logx.Logger().With().Str("component", "Gateway").Logger(),
	}
}

// Registry exposes the gateway's connection registry (read-side use only;
// all mutation goes through gateway operations).
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// Broadcaster exposes the gateway's room broadcaster (read-side use only;
// all mutation goes through gateway operations).
func (g *Gateway) Broadcaster() *Broadcaster {
	return g.broadcaster
}

// Connect registers a new connection with its outbound sink. The connection
// starts in the Connected state with no room and no display name.
func (g *Gateway) Connect(connID string, sink Sink) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.registry.Register(connID)
	g.broadcaster.Attach(connID, sink)

	g.logger.Info().Str("conn_id", connID).Msg("Connection registered.")
}

// Join places the connection in a room under the given display name. Blank
// fields (after trimming) drop the event. A connection already joined to a
// different room is switched: it leaves the old room (with a leave notice)
// and joins the new one in a single atomic transition. After the join notice
// is broadcast, the room's history is replayed privately to the joiner in
// ascending sequence order.
func (g *Gateway) Join(connID, displayName, room string) {
	g.mu.Lock()

	prevRoom, wasJoined := g.registry.Room(connID)
	prevName, _ := g.registry.DisplayName(connID)

	if err := g.registry.SetIdentity(connID, displayName, room); err != nil {
		g.mu.Unlock()
		g.logger.Debug().
			Str("conn_id", connID).
			Err(err).
			Msg("Join dropped: invalid identity.")
		return
	}

	// SetIdentity trimmed and validated; read back the canonical values.
	newRoom, _ := g.registry.Room(connID)
	newName, _ := g.registry.DisplayName(connID)

	if wasJoined && prevRoom != newRoom {
		g.broadcaster.Leave(prevRoom, connID)
		g.notifyRoom(prevRoom, fmt.Sprintf("%s left %s", prevName, prevRoom))
	}

	g.broadcaster.Join(newRoom, connID)
	g.notifyRoom(newRoom, fmt.Sprintf("%s joined %s", newName, newRoom))

	g.mu.Unlock()

	g.replayHistory(connID, newRoom)
}

// replayHistory unicasts the room's stored messages, in ascending sequence
// order, to one connection only. A store failure degrades to an empty replay.
func (g *Gateway) replayHistory(connID, room string) {
	ctx, cancel := context.WithTimeout(context.Background(), g.storeTimeout)
	defer cancel()

	messages, err := g.store.ListByRoom(ctx, room)
	if err != nil {
		g.logger.Error().
			Str("conn_id", connID).
			Str("room", room).
			Err(err).
			Msg("History replay failed, joiner receives no replay.")
		return
	}

	for _, msg := range messages {
		frame, err := EncodeEvent(EventRoomMessage, RoomMessagePayload{
			DisplayName:     msg.Sender,
			Body:            msg.Body,
			DeliveredAtTime: msg.CreatedAt.UnixMilli(),
		})
		if err != nil {
			g.logger.Error().Err(err).Msg("Failed to encode replayed message.")
			continue
		}

		g.broadcaster.Unicast(connID, frame)
	}
}

// Send persists a message and then broadcasts it to the sender's room.
// Store-before-broadcast is the core correctness contract: a message that
// could not be durably recorded is never delivered live, so a reconnecting
// client replaying history can never have seen a message live that the
// replay omits.
//
// The event is dropped silently when the connection is not joined, when the
// claimed displayName/room do not match the registered identity (spoofed or
// stale events), or when the body is blank after trimming.
func (g *Gateway) Send(ctx context.Context, connID, displayName, room, body string) {
	regRoom, joined := g.registry.Room(connID)
	if !joined {
		g.logger.Debug().Str("conn_id", connID).Msg("Send dropped: connection not joined.")
		return
	}

	regName, _ := g.registry.DisplayName(connID)
	if strings.TrimSpace(displayName) != regName || strings.TrimSpace(room) != regRoom {
		g.logger.Debug().
			Str("conn_id", connID).
			Str("claimed_room", room).
			Str("actual_room", regRoom).
			Msg("Send dropped: identity mismatch.")
		return
	}

	body = strings.TrimSpace(body)
	if body == "" {
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()

	if _, err := g.store.Append(storeCtx, regRoom, regName, body); err != nil {
		// Not broadcast: the failure is logged and the sender gets no
		// confirmation, matching the best-effort protocol.
		g.logger.Error().
			Str("conn_id", connID).
			Str("room", regRoom).
			Err(err).
			Msg("Message persistence failed, broadcast suppressed.")
		return
	}

	frame, err := EncodeEvent(EventRoomMessage, RoomMessagePayload{
		DisplayName:     regName,
		Body:            body,
		DeliveredAtTime: time.Now().UnixMilli(),
	})
	if err != nil {
		g.logger.Error().Err(err).Msg("Failed to encode room message.")
		return
	}

	g.broadcaster.Broadcast(regRoom, frame)
}

// Typing broadcasts a typing indicator to everyone in the sender's room
// except the sender. Nothing is validated beyond room presence and nothing
// is persisted; the event is advisory and may be dropped under load.
func (g *Gateway) Typing(connID string, isTyping bool) {
	regRoom, joined := g.registry.Room(connID)
	if !joined {
		return
	}

	regName, _ := g.registry.DisplayName(connID)

	frame, err := EncodeEvent(EventTyping, TypingPayload{
		DisplayName: regName,
		IsTyping:    isTyping,
	})
	if err != nil {
		g.logger.Error().Err(err).Msg("Failed to encode typing indicator.")
		return
	}

	g.broadcaster.BroadcastExcluding(regRoom, connID, frame)
}

// Leave removes the connection from its current room and broadcasts a leave
// notice. The client-supplied displayName/room are deliberately ignored: a
// stale room name still leaves the connection's actual room. Returns true
// when a room was actually left, false when the connection had no room;
// the transport layer surfaces the result as the acknowledgment.
func (g *Gateway) Leave(connID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.leaveCurrentRoom(connID)
}

// leaveCurrentRoom clears membership and emits the leave notice. Caller must
// hold g.mu.
func (g *Gateway) leaveCurrentRoom(connID string) bool {
	regRoom, joined := g.registry.Room(connID)
	if !joined {
		return false
	}

	regName, _ := g.registry.DisplayName(connID)

	g.registry.ClearRoom(connID)
	g.broadcaster.Leave(regRoom, connID)
	g.notifyRoom(regRoom, fmt.Sprintf("%s left %s", regName, regRoom))

	return true
}

// Disconnect tears the connection down from any state. A joined connection
// performs the same cleanup as Leave (deriving name and room from the
// registered identity) but without an acknowledgment; then the connection is
// unregistered and detached. Safe to call concurrently with in-flight
// handlers for the same connection, and idempotent.
func (g *Gateway) Disconnect(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.leaveCurrentRoom(connID)
	g.registry.Unregister(connID)
	g.broadcaster.Detach(connID)

	g.logger.Info().Str("conn_id", connID).Msg("Connection closed.")
}

// notifyRoom broadcasts a room notice to every current member.
func (g *Gateway) notifyRoom(room, text string) {
	frame, err := EncodeEvent(EventRoomNotice, RoomNoticePayload{Text: text})
	if err != nil {
		g.logger.Error().Err(err).Msg("Failed to encode room notice.")
		return
	}

	g.broadcaster.Broadcast(room, frame)
}
