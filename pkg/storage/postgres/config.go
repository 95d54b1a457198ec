package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds the journal's connection settings.
type Config struct {
	// DSN is a PostgreSQL connection string or keyword/value list.
	DSN string

	// Pool bounds. MinConns connections are kept open so journal writes
	// on session retirement do not pay for a dial.
	MaxConns int32
	MinConns int32

	// MaxConnLifetime recycles connections older than this.
	MaxConnLifetime time.Duration

	// MigrateOnStart applies the embedded schema migrations in New.
	MigrateOnStart bool
}

func (c *Config) defaults() {
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	c.MinConns = min(c.MinConns, c.MaxConns)
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 5 * time.Minute
	}
}

// poolConfig parses the DSN and applies the pool bounds.
func (c Config) poolConfig() (*pgxpool.Config, error) {
	c.defaults()
	pc, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	pc.MaxConns = c.MaxConns
	pc.MinConns = c.MinConns
	pc.MaxConnLifetime = c.MaxConnLifetime
	return pc, nil
}
