/*
Package user is the identity collaborator of the relay.

It stores user profiles in PostgreSQL and exposes the simple CRUD operations
the HTTP edge needs. The chat core never consults it directly: display names
arrive at the gateway pre-validated by the transport edge.
*/
package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"relaychat/internal/app/db"
)

// MinUsernameLength is the minimum accepted username length after trimming.
const MinUsernameLength = 6

// ErrUsernameTaken is returned when the username is already registered.
var ErrUsernameTaken = errors.New("username is already taken")

// ErrNotFound is returned when no user matches the lookup.
var ErrNotFound = errors.New("user not found")

// ErrInvalidProfile is returned when a profile field is blank after trimming
// or the username is too short.
var ErrInvalidProfile = errors.New("invalid user profile")

// User is one registered chat participant's profile.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Forename  string    `json:"forename"`
	Surname   string    `json:"surname"`
	Sport     string    `json:"sport"`
	CreatedAt time.Time `json:"createdAt"`
}

// Directory provides user profile storage backed by the users table.
type Directory struct {
	pool *pgxpool.Pool
}

// NewDirectory wraps an existing connection pool.
func NewDirectory(pool *pgxpool.Pool) *Directory {
	return &Directory{pool: pool}
}

// Create validates and inserts a new profile, returning it with the
// database-assigned fields populated.
func (d *Directory) Create(ctx context.Context, u User) (User, error) {
	u.Username = strings.TrimSpace(u.Username)
	u.Forename = strings.TrimSpace(u.Forename)
	u.Surname = strings.TrimSpace(u.Surname)
	u.Sport = strings.TrimSpace(u.Sport)

	if len(u.Username) < MinUsernameLength || u.Forename == "" || u.Surname == "" || u.Sport == "" {
		return User{}, ErrInvalidProfile
	}

	const query = `
		INSERT INTO users (username, forename, surname, sport)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err := d.pool.QueryRow(ctx, query, u.Username, u.Forename, u.Surname, u.Sport).
		Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return User{}, ErrUsernameTaken
		}
		return User{}, fmt.Errorf("failed to create user %q: %w", u.Username, err)
	}

	return u, nil
}

// GetByUsername returns the profile registered under the given username.
func (d *Directory) GetByUsername(ctx context.Context, username string) (User, error) {
	const query = `
		SELECT id, username, forename, surname, sport, created_at
		FROM users
		WHERE username = $1`

	var u User
	err := d.pool.QueryRow(ctx, query, strings.TrimSpace(username)).
		Scan(&u.ID, &u.Username, &u.Forename, &u.Surname, &u.Sport, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrNotFound
		}
		return User{}, fmt.Errorf("failed to fetch user %q: %w", username, err)
	}

	return u, nil
}
