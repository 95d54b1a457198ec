package storage

import (
	"context"
	"time"

	"github.com/rhuss/ptcgate/pkg/api"
)

// Record is the tombstone of a retired session.
type Record struct {
	SessionID   string           `json:"session_id"`
	State       api.SessionState `json:"state"`
	Error       *api.APIError    `json:"error,omitempty"`
	Iterations  int              `json:"iterations"`
	ContainerID string           `json:"container_id,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	RetiredAt   time.Time        `json:"retired_at"`
}

// Journal persists retired session records. Each session is recorded at
// most once.
type Journal interface {
	// SaveSession records a retired session. Returns ErrConflict if the
	// session is already recorded.
	SaveSession(ctx context.Context, rec *Record) error

	// GetSession returns the record for id or ErrNotFound.
	GetSession(ctx context.Context, id string) (*Record, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	Close() error
}
