// Package transport defines the service contract and middleware chain for
// the ptcgate HTTP surface.
//
// The transport layer bridges the external loop driver and the PTC
// orchestrator. It decodes requests into orchestrator calls and encodes
// sessions, tool call batches, and outcomes as JSON. Errors are rendered
// from *api.APIError with a status code derived from the error type.
//
// # Middleware
//
// Middleware wraps an http.Handler. Built-in middleware provides panic
// recovery, request ID assignment (X-Request-ID), and structured access
// logging via log/slog.
package transport
