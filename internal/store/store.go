// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/ashureev/deckster/internal/domain"
)

var (
	// ErrNotFound is returned when a session does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrStaleWrite is returned when a commit's expected version no longer
	// matches the stored session.
	ErrStaleWrite = errors.New("stale write")
)

// Commit is the complete, atomic effect of one orchestration step.
type Commit struct {
	SessionID string
	// ExpectedVersion must equal the stored version for the commit to apply.
	ExpectedVersion int64
	State           domain.State
	Set             map[domain.Slot]json.RawMessage
	Clear           []domain.Slot
	Turns           []domain.Turn
	UpdatedAt       time.Time
}

// SessionSummary is a lightweight listing entry.
type SessionSummary struct {
	ID        string       `json:"id"`
	State     domain.State `json:"state"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Repository defines the interface for persisting sessions and owners.
type Repository interface {
	// CreateSession inserts a new session with its artifacts and history.
	CreateSession(ctx context.Context, s *domain.Session) error

	// GetSession retrieves a full session. Returns nil, nil if it does not exist.
	GetSession(ctx context.Context, id string) (*domain.Session, error)

	// PutField writes one artifact slot and returns the new version.
	// An empty value clears the slot. Other slots are untouched.
	PutField(ctx context.Context, id string, slot domain.Slot, value json.RawMessage) (int64, error)

	// PutState writes the session state and returns the new version.
	PutState(ctx context.Context, id string, state domain.State) (int64, error)

	// Commit applies a step atomically if the version still matches.
	// Returns the new version, or ErrStaleWrite.
	Commit(ctx context.Context, c Commit) (int64, error)

	// ListSessions returns the sessions of an owner, most recently updated first.
	ListSessions(ctx context.Context, ownerID string) ([]SessionSummary, error)

	// TouchOwner records that an owner was seen, creating it if needed.
	TouchOwner(ctx context.Context, ownerID string, seen time.Time) error

	// GetOwner retrieves an owner. Returns nil, nil if it does not exist.
	GetOwner(ctx context.Context, ownerID string) (*domain.Owner, error)

	// GetExpiredSessions returns the ids of sessions idle longer than ttl.
	GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]string, error)

	// DeleteSession removes a session with its artifacts and turns.
	DeleteSession(ctx context.Context, id string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
