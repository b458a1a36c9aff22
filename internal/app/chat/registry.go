/*
Package chat contains the real-time core of the relay: connection registry,
room broadcaster, and the per-connection session gateway.

This file defines the Registry, the single owner of per-connection identity
state: which display name a connection announced and which room it currently
belongs to. The Broadcaster only ever holds non-owning membership entries
keyed by the same connection ID.
*/
package chat

import (
	"errors"
	"strings"
	"sync"
)

// ErrInvalidName is returned when a display name or room name is empty
// after trimming whitespace.
var ErrInvalidName = errors.New("display name and room must not be blank")

// ErrNotRegistered is returned when an identity update targets a connection
// the registry has never seen or has already unregistered.
var ErrNotRegistered = errors.New("connection is not registered")

// identity is the mutable per-connection state tracked by the Registry.
type identity struct {
	// displayName is set on the first successful join and rewritten on
	// every subsequent join for the same connection.
	displayName string

	// room is the connection's current room, or "" while not joined.
	room string
}

// Registry tracks every live connection and its current identity.
// All methods are safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*identity
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*identity),
	}
}

// Register records a new connection with no identity. Registering an already
// known connection is a no-op.
func (r *Registry) Register(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		r.conns[connID] = &identity{}
	}
}

// SetIdentity assigns a display name and room to a registered connection.
// Both values are trimmed; blank values fail with ErrInvalidName. An existing
// room membership is overwritten without error: switching rooms is resolved
// by the gateway, never surfaced to the client.
func (r *Registry) SetIdentity(connID, displayName, room string) error {
	displayName = strings.TrimSpace(displayName)
	room = strings.TrimSpace(room)

	if displayName == "" || room == "" {
		return ErrInvalidName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.conns[connID]
	if !ok {
		return ErrNotRegistered
	}

	entry.displayName = displayName
	entry.room = room

	return nil
}

// Room returns the connection's current room. The second return value is
// false while the connection is not joined to any room or is unknown.
func (r *Registry) Room(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[connID]
	if !ok || entry.room == "" {
		return "", false
	}

	return entry.room, true
}

// DisplayName returns the connection's display name. The second return value
// is false while no identity has been set or the connection is unknown.
func (r *Registry) DisplayName(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.conns[connID]
	if !ok || entry.displayName == "" {
		return "", false
	}

	return entry.displayName, true
}

// ClearRoom removes the connection's room membership, keeping the display
// name. Clearing an unknown or roomless connection is a no-op.
func (r *Registry) ClearRoom(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.conns[connID]; ok {
		entry.room = ""
	}
}

// Unregister forgets the connection entirely. Unregistering twice is a no-op.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.conns, connID)
}
