package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"

	"github.com/rhuss/ptcgate/pkg/api"
	"github.com/rhuss/ptcgate/pkg/debug"
	"github.com/rhuss/ptcgate/pkg/ipc"
	"github.com/rhuss/ptcgate/pkg/ptc"
	"github.com/rhuss/ptcgate/pkg/transport"
)

// BetaHeader carries the activation marker.
const BetaHeader = "anthropic-beta"

// Response types for a step.
const (
	TypeToolCalls = "tool_calls"
	TypeResult    = "result"
	TypeSession   = "session"
)

// Adapter serves the PTC session API over HTTP.
type Adapter struct {
	orch   transport.Orchestrator
	mux    *http.ServeMux
	config Config
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize: 10 << 20, // 10 MB
	}
}

// CreateSessionRequest starts a session, or resumes one when SessionID is
// set.
type CreateSessionRequest struct {
	SessionID string     `json:"session_id,omitempty"`
	Code      string     `json:"code"`
	Tools     []ptc.Tool `json:"tools"`
}

// SubmitResultsRequest resolves the pending tool calls of a session.
type SubmitResultsRequest struct {
	ToolResults []ipc.ToolCallResult `json:"tool_results"`
}

// StepResponse is either a batch of tool calls or the final output.
type StepResponse struct {
	Session   ptc.Session           `json:"session"`
	Type      string                `json:"type"`
	Round     int                   `json:"round,omitempty"`
	ToolCalls []ipc.ToolCallRequest `json:"tool_calls,omitempty"`
	Output    *string               `json:"output,omitempty"`
	Stderr    string                `json:"stderr,omitempty"`
}

// NewAdapter creates an HTTP adapter for orch.
func NewAdapter(orch transport.Orchestrator, cfg Config) *Adapter {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}
	a := &Adapter{
		orch:   orch,
		mux:    http.NewServeMux(),
		config: cfg,
	}

	a.mux.HandleFunc("POST /v1/ptc/sessions", a.handleCreateSession)
	a.mux.HandleFunc("POST /v1/ptc/sessions/{id}/results", a.handleSubmitResults)
	a.mux.HandleFunc("GET /v1/ptc/sessions/{id}", a.handleGetSession)
	a.mux.HandleFunc("DELETE /v1/ptc/sessions/{id}", a.handleDeleteSession)
	a.mux.HandleFunc("GET /health/ptc", a.handleHealth)
	a.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return a
}

// Handle registers an additional route, such as the metrics endpoint.
func (a *Adapter) Handle(pattern string, h http.Handler) {
	a.mux.Handle(pattern, h)
}

// Handler returns the http.Handler for this adapter wrapped in mw.
func (a *Adapter) Handler(mw ...transport.Middleware) http.Handler {
	if len(mw) == 0 {
		return a.mux
	}
	return transport.Chain(mw...)(a.mux)
}

// handleCreateSession handles POST /v1/ptc/sessions.
func (a *Adapter) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !a.decode(w, r, &req) {
		return
	}

	desc := ptc.Descriptor{Betas: r.Header.Values(BetaHeader), Tools: req.Tools}
	if !a.orch.IsEligible(desc) {
		transport.WriteAPIError(w, api.NewInvalidRequestError("tools",
			"request is not eligible for programmatic tool calling"))
		return
	}

	session, err := a.orch.BeginOrResume(r.Context(), ptc.BeginRequest{
		SessionID: req.SessionID,
		Code:      req.Code,
		Tools:     a.orch.CallableTools(desc),
	})
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	if session.State != api.SessionActive {
		transport.WriteJSON(w, http.StatusOK, StepResponse{Session: session, Type: TypeSession})
		return
	}

	a.step(w, r, session.ID, nil, http.StatusCreated)
}

// handleSubmitResults handles POST /v1/ptc/sessions/{id}/results.
func (a *Adapter) handleSubmitResults(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req SubmitResultsRequest
	if !a.decode(w, r, &req) {
		return
	}
	for _, res := range req.ToolResults {
		if !api.ValidateToolCallID(res.ID) {
			transport.WriteAPIError(w, api.NewInvalidRequestError("tool_results",
				fmt.Sprintf("malformed tool call id %q", res.ID)))
			return
		}
	}
	a.step(w, r, id, req.ToolResults, http.StatusOK)
}

func (a *Adapter) step(w http.ResponseWriter, r *http.Request, id string, results []ipc.ToolCallResult, status int) {
	res, err := a.orch.Step(r.Context(), id, results)
	if err != nil {
		if r.Context().Err() != nil {
			debug.Log("transport", "client went away during step", "session", id)
		}
		transport.WriteError(w, err)
		return
	}

	out := StepResponse{Session: res.Session}
	switch {
	case res.Batch != nil:
		out.Type = TypeToolCalls
		out.Round = res.Batch.Round
		out.ToolCalls = res.Batch.Calls
	case res.Outcome != nil:
		out.Type = TypeResult
		out.Output = &res.Outcome.Stdout
		out.Stderr = res.Outcome.Stderr
	default:
		out.Type = TypeSession
	}
	transport.WriteJSON(w, status, out)
}

// handleGetSession handles GET /v1/ptc/sessions/{id}.
func (a *Adapter) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	session, err := a.orch.Get(r.Context(), id)
	if err != nil {
		transport.WriteError(w, err)
		return
	}
	transport.WriteJSON(w, http.StatusOK, session)
}

// handleDeleteSession handles DELETE /v1/ptc/sessions/{id}.
func (a *Adapter) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if err := a.orch.Terminate(r.Context(), id); err != nil {
		transport.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth handles GET /health/ptc.
func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := a.orch.Health(r.Context())
	status := http.StatusOK
	if h.Enabled && !h.RuntimeReachable {
		status = http.StatusServiceUnavailable
	}
	transport.WriteJSON(w, status, h)
}

// decode reads a JSON body into v, writing an error response on failure.
func (a *Adapter) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
				http.StatusUnsupportedMediaType,
			)
			return false
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return false
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return false
	}
	return true
}

func sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !api.ValidateSessionID(id) {
		transport.WriteAPIError(w, api.NewSessionNotFoundError(id))
		return "", false
	}
	return id, true
}
