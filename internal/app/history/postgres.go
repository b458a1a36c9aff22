package history

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// replayLimit caps how many messages a single history query returns, so a
// long-lived room cannot stall a joining connection indefinitely.
const replayLimit = 1000

// Postgres is the production Store backed by the messages table. The
// bigserial primary key provides the per-room monotonic sequence.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing connection pool. The pool's lifecycle is
// owned by the caller.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Append inserts one message and returns its assigned sequence number.
func (p *Postgres) Append(ctx context.Context, room, sender, body string) (int64, error) {
	const query = `
		INSERT INTO messages (room, sender, body)
		VALUES ($1, $2, $3)
		RETURNING id`

	var seq int64
	if err := p.pool.QueryRow(ctx, query, room, sender, body).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to append message for room %q: %w", room, err)
	}

	return seq, nil
}

// ListByRoom returns the room's messages in ascending sequence order.
func (p *Postgres) ListByRoom(ctx context.Context, room string) ([]Message, error) {
	const query = `
		SELECT id, room, sender, body, created_at
		FROM messages
		WHERE room = $1
		ORDER BY id ASC
		LIMIT $2`

	rows, err := p.pool.Query(ctx, query, room, replayLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages for room %q: %w", room, err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Seq, &m.Room, &m.Sender, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row for room %q: %w", room, err)
		}
		messages = append(messages, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message rows for room %q: %w", room, err)
	}

	return messages, nil
}
