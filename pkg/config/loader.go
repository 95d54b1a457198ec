package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, PTCGATE_CONFIG env, ./config.yaml, /etc/ptcgate/config.yaml)
//  3. Environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. PTCGATE_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/ptcgate/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv("PTCGATE_CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/ptcgate/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps environment variables to config fields. The
// PTCGATE_* names win over the legacy PTC_* names when both are set.
func applyEnvOverrides(cfg *Config) error {
	if v := firstEnv("PTCGATE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PTCGATE_PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if v := firstEnv("PTCGATE_PTC_ENABLED", "ENABLE_PTC"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ENABLE_PTC: %w", err)
		}
		cfg.PTC.Enabled = enabled
	}
	if v := firstEnv("PTCGATE_SANDBOX_IMAGE", "PTC_SANDBOX_IMAGE"); v != "" {
		cfg.PTC.Sandbox.Image = v
	}
	if v := firstEnv("PTCGATE_MEMORY_LIMIT", "PTC_MEMORY_LIMIT"); v != "" {
		cfg.PTC.Sandbox.MemoryLimit = v
	}
	if v := firstEnv("PTCGATE_NETWORK_DISABLED", "PTC_NETWORK_DISABLED"); v != "" {
		disabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PTC_NETWORK_DISABLED: %w", err)
		}
		cfg.PTC.Sandbox.NetworkDisabled = disabled
	}
	if v := firstEnv("PTCGATE_SESSION_TIMEOUT", "PTC_SESSION_TIMEOUT"); v != "" {
		d, err := parseDurationOrSeconds(v)
		if err != nil {
			return fmt.Errorf("PTC_SESSION_TIMEOUT: %w", err)
		}
		cfg.PTC.SessionTimeout = d
	}
	if v := firstEnv("PTCGATE_EXECUTION_TIMEOUT", "PTC_EXECUTION_TIMEOUT"); v != "" {
		d, err := parseDurationOrSeconds(v)
		if err != nil {
			return fmt.Errorf("PTC_EXECUTION_TIMEOUT: %w", err)
		}
		cfg.PTC.ExecutionTimeout = d
	}
	if v := firstEnv("PTCGATE_MAX_ITERATIONS", "PTC_MAX_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PTC_MAX_ITERATIONS: %w", err)
		}
		cfg.PTC.MaxIterations = n
	}
	if v := firstEnv("PTCGATE_DOCKER_HOST"); v != "" {
		cfg.PTC.Sandbox.DockerHost = v
	}

	if v := firstEnv("PTCGATE_JOURNAL"); v != "" {
		cfg.Journal.Type = v
	}
	if v := firstEnv("PTCGATE_JOURNAL_DSN"); v != "" {
		cfg.Journal.Postgres.DSN = v
	}

	if v := firstEnv("PTCGATE_DEBUG"); v != "" {
		cfg.Logging.Debug = v
	}
	if v := firstEnv("PTCGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return nil
}

// firstEnv returns the value of the first set environment variable in keys.
func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// parseDurationOrSeconds accepts a Go duration ("90s", "4m30s") or a bare
// number of seconds ("270").
func parseDurationOrSeconds(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	// ptc.sandbox.registry_auth_file -> ptc.sandbox.registry_auth
	if cfg.PTC.Sandbox.RegistryAuthFile != "" && cfg.PTC.Sandbox.RegistryAuth == "" {
		val, err := readSecretFile(cfg.PTC.Sandbox.RegistryAuthFile)
		if err != nil {
			return fmt.Errorf("ptc.sandbox.registry_auth_file: %w", err)
		}
		cfg.PTC.Sandbox.RegistryAuth = val
	}

	// journal.postgres.dsn_file -> journal.postgres.dsn
	if cfg.Journal.Postgres.DSNFile != "" && cfg.Journal.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Journal.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("journal.postgres.dsn_file: %w", err)
		}
		cfg.Journal.Postgres.DSN = val
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
