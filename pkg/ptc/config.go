package ptc

import (
	"fmt"
	"time"

	"github.com/rhuss/ptcgate/pkg/config"
	"github.com/rhuss/ptcgate/pkg/sandbox"
)

// Config holds the orchestrator settings. It is fixed at construction.
type Config struct {
	Enabled    bool
	BetaMarker string
	ToolType   string

	Image           string
	Limits          sandbox.Limits
	NetworkDisabled bool

	SessionTimeout   time.Duration
	ExecutionTimeout time.Duration
	MaxIterations    int

	BatchWindow   time.Duration
	PollInterval  time.Duration
	SweepInterval time.Duration

	// ReapOnStart removes orphaned managed containers in Start.
	ReapOnStart bool
}

// defaults applies default values for unset configuration fields.
func (c *Config) defaults() {
	if c.BetaMarker == "" {
		c.BetaMarker = "advanced-tool-use-2025-11-20"
	}
	if c.ToolType == "" {
		c.ToolType = "code_execution_20250825"
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 270 * time.Second
	}
	if c.ExecutionTimeout == 0 {
		c.ExecutionTimeout = 60 * time.Second
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 10
	}
	if c.BatchWindow == 0 {
		c.BatchWindow = 100 * time.Millisecond
	}
	if c.PollInterval == 0 {
		c.PollInterval = 25 * time.Millisecond
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 5 * time.Second
	}
}

// FromConfig converts the loaded PTC configuration.
func FromConfig(c config.PTCConfig) (Config, error) {
	mem, err := c.Sandbox.MemoryBytes()
	if err != nil {
		return Config{}, fmt.Errorf("ptc.sandbox.memory_limit: %w", err)
	}
	return Config{
		Enabled:    c.Enabled,
		BetaMarker: c.BetaMarker,
		ToolType:   c.ToolType,
		Image:      c.Sandbox.Image,
		Limits: sandbox.Limits{
			MemoryBytes: mem,
			NanoCPUs:    int64(c.Sandbox.CPUQuota * 1e9),
			PidsLimit:   c.Sandbox.PidsLimit,
		},
		NetworkDisabled:  c.Sandbox.NetworkDisabled,
		SessionTimeout:   c.SessionTimeout,
		ExecutionTimeout: c.ExecutionTimeout,
		MaxIterations:    c.MaxIterations,
		BatchWindow:      c.BatchWindow,
		PollInterval:     c.PollInterval,
		SweepInterval:    c.SweepInterval,
		ReapOnStart:      c.ReapOnStart,
	}, nil
}
