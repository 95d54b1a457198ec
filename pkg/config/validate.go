package config

import (
	"errors"
	"fmt"
)

// minMemoryBytes is the smallest memory limit the Docker engine accepts.
const minMemoryBytes = 6 << 20

// Validate checks the configuration for required fields and valid values.
// Returns an error with a descriptive field path on failure.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 {
		errs = append(errs, fmt.Errorf("server.port must be > 0, got %d", c.Server.Port))
	}

	p := c.PTC
	if p.SessionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ptc.session_timeout must be > 0, got %s", p.SessionTimeout))
	}
	if p.ExecutionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ptc.execution_timeout must be > 0, got %s", p.ExecutionTimeout))
	}
	if p.ExecutionTimeout > p.SessionTimeout {
		errs = append(errs, fmt.Errorf("ptc.execution_timeout (%s) must not exceed ptc.session_timeout (%s)", p.ExecutionTimeout, p.SessionTimeout))
	}
	if p.MaxIterations < 1 {
		errs = append(errs, fmt.Errorf("ptc.max_iterations must be >= 1, got %d", p.MaxIterations))
	}
	if p.BatchWindow <= 0 {
		errs = append(errs, fmt.Errorf("ptc.batch_window must be > 0, got %s", p.BatchWindow))
	}
	if p.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("ptc.poll_interval must be > 0, got %s", p.PollInterval))
	}
	if p.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("ptc.sweep_interval must be > 0, got %s", p.SweepInterval))
	}
	if p.Sandbox.Image == "" {
		errs = append(errs, fmt.Errorf("ptc.sandbox.image is required"))
	}
	if mem, err := p.Sandbox.MemoryBytes(); err != nil {
		errs = append(errs, fmt.Errorf("ptc.sandbox.memory_limit: %w", err))
	} else if mem < minMemoryBytes {
		errs = append(errs, fmt.Errorf("ptc.sandbox.memory_limit must be at least 6m, got %q", p.Sandbox.MemoryLimit))
	}
	if p.Sandbox.CPUQuota <= 0 {
		errs = append(errs, fmt.Errorf("ptc.sandbox.cpu_quota must be > 0, got %g", p.Sandbox.CPUQuota))
	}

	switch p.Sandbox.PullPolicy {
	case "always", "if_not_present", "never":
		// valid
	default:
		errs = append(errs, fmt.Errorf("ptc.sandbox.pull_policy must be \"always\", \"if_not_present\", or \"never\", got %q", p.Sandbox.PullPolicy))
	}

	switch c.Journal.Type {
	case "memory", "postgres":
		// valid
	default:
		errs = append(errs, fmt.Errorf("journal.type must be \"memory\" or \"postgres\", got %q", c.Journal.Type))
	}

	if c.Journal.Type == "postgres" {
		if c.Journal.Postgres.DSN == "" && c.Journal.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("journal.postgres.dsn or journal.postgres.dsn_file is required when journal.type is \"postgres\""))
		}
		pg := c.Journal.Postgres
		if pg.MaxConns < 1 {
			errs = append(errs, fmt.Errorf("journal.postgres.max_conns must be at least 1, got %d", pg.MaxConns))
		}
		if pg.MinConns < 0 || pg.MinConns > pg.MaxConns {
			errs = append(errs, fmt.Errorf("journal.postgres.min_conns must be between 0 and max_conns (%d), got %d", pg.MaxConns, pg.MinConns))
		}
	}

	return errors.Join(errs...)
}
