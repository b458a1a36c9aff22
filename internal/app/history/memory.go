package history

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and by development runs
// without a configured database. Messages do not survive a restart.
type Memory struct {
	mu      sync.Mutex
	nextSeq int64
	byRoom  map[string][]Message
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		byRoom: make(map[string][]Message),
	}
}

// Append records a message with the next sequence number.
func (m *Memory) Append(ctx context.Context, room, sender, body string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq++
	m.byRoom[room] = append(m.byRoom[room], Message{
		Seq:       m.nextSeq,
		Room:      room,
		Sender:    sender,
		Body:      body,
		CreatedAt: time.Now(),
	})

	return m.nextSeq, nil
}

// ListByRoom returns a copy of the room's messages in ascending sequence
// order. Appends are already ordered, so no sorting is needed.
func (m *Memory) ListByRoom(ctx context.Context, room string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.byRoom[room]
	if len(stored) > replayLimit {
		stored = stored[len(stored)-replayLimit:]
	}

	messages := make([]Message, len(stored))
	copy(messages, stored)

	return messages, nil
}
