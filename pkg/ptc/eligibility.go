package ptc

import (
	"slices"
	"strings"
)

// Tool is a tool declaration as it appears in a request.
type Tool struct {
	Type           string   `json:"type,omitempty"`
	Name           string   `json:"name"`
	AllowedCallers []string `json:"allowed_callers,omitempty"`
}

// Descriptor is the part of a request that decides PTC eligibility.
type Descriptor struct {
	// Betas are the raw anthropic-beta header values; each may hold a
	// comma separated list.
	Betas []string
	Tools []Tool
}

// IsEligible reports whether a request may use programmatic tool
// calling: the feature is enabled, the request declares the code
// execution tool, and it carries the activation marker.
func (o *Orchestrator) IsEligible(d Descriptor) bool {
	if !o.cfg.Enabled {
		return false
	}
	if !hasBeta(d.Betas, o.cfg.BetaMarker) {
		return false
	}
	return slices.ContainsFunc(d.Tools, func(t Tool) bool {
		return t.Type == o.cfg.ToolType
	})
}

// CallableTools returns the names of tools that code running in the
// sandbox may call, in declaration order.
func (o *Orchestrator) CallableTools(d Descriptor) []string {
	var names []string
	for _, t := range d.Tools {
		if t.Name != "" && t.Type != o.cfg.ToolType && slices.Contains(t.AllowedCallers, o.cfg.ToolType) {
			names = append(names, t.Name)
		}
	}
	return names
}

func hasBeta(values []string, marker string) bool {
	for _, v := range values {
		for _, b := range strings.Split(v, ",") {
			if strings.TrimSpace(b) == marker {
				return true
			}
		}
	}
	return false
}
