// Package postgres provides a PostgreSQL implementation of storage.Journal
// using pgx/v5 connection pooling.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/ptcgate/pkg/api"
	"github.com/rhuss/ptcgate/pkg/storage"
)

// Journal is a PostgreSQL-backed storage.Journal.
type Journal struct {
	pool *pgxpool.Pool
}

// Ensure Journal implements storage.Journal at compile time.
var _ storage.Journal = (*Journal)(nil)

// New creates a new PostgreSQL journal with the given configuration.
// If MigrateOnStart is true, schema migrations are applied automatically.
func New(ctx context.Context, cfg Config) (*Journal, error) {
	poolCfg, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	// Verify connectivity.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	j := &Journal{pool: pool}

	if cfg.MigrateOnStart {
		if err := j.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}

	return j, nil
}

// SaveSession inserts a retired session record.
func (j *Journal) SaveSession(ctx context.Context, rec *storage.Record) error {
	var errorJSON []byte
	if rec.Error != nil {
		var err error
		errorJSON, err = json.Marshal(rec.Error)
		if err != nil {
			return fmt.Errorf("marshaling error: %w", err)
		}
	}

	_, err := j.pool.Exec(ctx, `
		INSERT INTO ptc_sessions (
			id, state, error, iterations, container_id, created_at, retired_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		rec.SessionID, rec.State.String(), nullJSON(errorJSON), rec.Iterations,
		nullString(rec.ContainerID), rec.CreatedAt, rec.RetiredAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("inserting session record: %w", err)
	}
	return nil
}

// GetSession retrieves a retired session record by id.
func (j *Journal) GetSession(ctx context.Context, id string) (*storage.Record, error) {
	var rec storage.Record
	var state string
	var errorJSON *[]byte
	var containerID *string

	err := j.pool.QueryRow(ctx, `
		SELECT id, state, error, iterations, container_id, created_at, retired_at
		FROM ptc_sessions
		WHERE id = $1
	`, id).Scan(
		&rec.SessionID, &state, &errorJSON, &rec.Iterations,
		&containerID, &rec.CreatedAt, &rec.RetiredAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session record: %w", err)
	}

	s, ok := api.ParseSessionState(state)
	if !ok {
		return nil, fmt.Errorf("unknown session state %q in record %s", state, id)
	}
	rec.State = s
	if containerID != nil {
		rec.ContainerID = *containerID
	}
	if errorJSON != nil {
		var apiErr api.APIError
		if err := json.Unmarshal(*errorJSON, &apiErr); err == nil {
			rec.Error = &apiErr
		}
	}
	return &rec, nil
}

// HealthCheck verifies the database connection.
func (j *Journal) HealthCheck(ctx context.Context) error {
	return j.pool.Ping(ctx)
}

// Close releases the connection pool.
func (j *Journal) Close() error {
	j.pool.Close()
	return nil
}

// nullString converts an empty string to nil for nullable TEXT columns.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullJSON converts nil/empty byte slices to nil for nullable JSONB columns.
func nullJSON(b []byte) *[]byte {
	if len(b) == 0 {
		return nil
	}
	return &b
}

// isDuplicateKey checks if the error is a PostgreSQL unique violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
