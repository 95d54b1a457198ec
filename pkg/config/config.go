// Package config provides unified configuration for the ptcgate gateway.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Environment variable overrides (PTCGATE_ prefix)
//  4. Backward-compatible env var mapping for legacy variable names (PTC_*, ENABLE_PTC)
//  5. File reference resolution (_file suffix fields)
//  6. Validation
//
// The resulting Config is immutable once handed to the orchestrator.
package config

import (
	"time"

	units "github.com/docker/go-units"
)

// Config holds all configuration for the ptcgate gateway.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	PTC           PTCConfig           `yaml:"ptc"`
	Journal       JournalConfig       `yaml:"journal"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8080
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default: 360s, must outlast a step
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
	MaxBodySize     int64         `yaml:"max_body_size"`    // default: 10 MB
}

// PTCConfig holds programmatic tool calling settings.
type PTCConfig struct {
	Enabled          bool          `yaml:"enabled"`           // default: false
	BetaMarker       string        `yaml:"beta_marker"`       // default: "advanced-tool-use-2025-11-20"
	ToolType         string        `yaml:"tool_type"`         // default: "code_execution_20250825"
	Sandbox          SandboxConfig `yaml:"sandbox"`
	SessionTimeout   time.Duration `yaml:"session_timeout"`   // default: 270s
	ExecutionTimeout time.Duration `yaml:"execution_timeout"` // default: 60s
	MaxIterations    int           `yaml:"max_iterations"`    // default: 10
	BatchWindow      time.Duration `yaml:"batch_window"`      // default: 100ms
	PollInterval     time.Duration `yaml:"poll_interval"`     // default: 25ms
	SweepInterval    time.Duration `yaml:"sweep_interval"`    // default: 5s
	ReapOnStart      bool          `yaml:"reap_on_start"`     // default: true
}

// SandboxConfig holds container settings for sandboxes.
type SandboxConfig struct {
	Image            string  `yaml:"image"`              // default: "python:3.11-slim"
	MemoryLimit      string  `yaml:"memory_limit"`       // default: "256m"
	CPUQuota         float64 `yaml:"cpu_quota"`          // CPUs, default: 0.5
	PidsLimit        int64   `yaml:"pids_limit"`         // default: 128
	NetworkDisabled  bool    `yaml:"network_disabled"`   // default: true
	User             string  `yaml:"user"`               // default: "65534:65534"
	PullPolicy       string  `yaml:"pull_policy"`        // "always", "if_not_present", "never"
	RegistryAuth     string  `yaml:"registry_auth"`      // base64 encoded auth config
	RegistryAuthFile string  `yaml:"registry_auth_file"` // _file variant for registry_auth
	DockerHost       string  `yaml:"docker_host"`        // empty: DOCKER_HOST from environment
}

// MemoryBytes parses MemoryLimit ("256m", "1g", "268435456").
func (s SandboxConfig) MemoryBytes() (int64, error) {
	return units.RAMInBytes(s.MemoryLimit)
}

// JournalConfig holds settings for the retired-session journal.
type JournalConfig struct {
	Type     string         `yaml:"type"`     // "memory" or "postgres", default: "memory"
	MaxSize  int            `yaml:"max_size"` // for memory journal, default: 10000
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn"`
	DSNFile         string        `yaml:"dsn_file"`          // _file variant for dsn
	MaxConns        int32         `yaml:"max_conns"`         // default: 10
	MinConns        int32         `yaml:"min_conns"`         // default: 1
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"` // default: 5m
	MigrateOnStart  bool          `yaml:"migrate_on_start"`  // default: true
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Debug string `yaml:"debug"` // comma separated debug categories
	Level string `yaml:"level"` // ERROR, WARN, INFO, DEBUG, TRACE
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    360 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodySize:     10 << 20,
		},
		PTC: PTCConfig{
			BetaMarker: "advanced-tool-use-2025-11-20",
			ToolType:   "code_execution_20250825",
			Sandbox: SandboxConfig{
				Image:           "python:3.11-slim",
				MemoryLimit:     "256m",
				CPUQuota:        0.5,
				PidsLimit:       128,
				NetworkDisabled: true,
				User:            "65534:65534",
				PullPolicy:      "if_not_present",
			},
			SessionTimeout:   270 * time.Second,
			ExecutionTimeout: 60 * time.Second,
			MaxIterations:    10,
			BatchWindow:      100 * time.Millisecond,
			PollInterval:     25 * time.Millisecond,
			SweepInterval:    5 * time.Second,
			ReapOnStart:      true,
		},
		Journal: JournalConfig{
			Type:    "memory",
			MaxSize: 10000,
			Postgres: PostgresConfig{
				MaxConns:        10,
				MinConns:        1,
				MaxConnLifetime: 5 * time.Minute,
				MigrateOnStart:  true,
			},
		},
		Logging: LoggingConfig{
			Level: "INFO",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}
