// Package store provides session persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/pagesmith/internal/domain"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("store: session not found")
	// ErrExists is returned by Create for a duplicate id.
	ErrExists = errors.New("store: session already exists")
)

// Repository persists sessions. Implementations must be safe for concurrent
// use and must return copies that share no state with stored values.
type Repository interface {
	// Create stores a new session.
	Create(ctx context.Context, s *domain.Session) error

	// Get retrieves a session by id. It returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*domain.Session, error)

	// Replace overwrites an existing session. It returns ErrNotFound when absent.
	Replace(ctx context.Context, s *domain.Session) error

	// Delete removes a session. Deleting a missing session is not an error.
	Delete(ctx context.Context, id string) error

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// IdleLister is implemented by repositories that can find sessions which
// have not been updated since a cutoff.
type IdleLister interface {
	ListIdle(ctx context.Context, before time.Time, limit int) ([]string, error)
}
