// Package acp serves the agent communication protocol surface. Requests are
// resolved to a provider and forwarded byte-for-byte by the proxy; only the
// agent directory and ping are answered locally.
package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/internal/registry/proxy"
	"github.com/agentregistry-dev/agentplane/pkg/models"
	"github.com/agentregistry-dev/agentplane/pkg/registry/database"
)

// UserHeader carries the caller recorded as the creator of a run.
const UserHeader = "X-Agentplane-User"

const maxRequestBody = 16 << 20

// Error codes returned in ErrorBody.
const (
	CodeNotFound     = "not_found"
	CodeInvalidInput = "invalid_input"
	CodeServerError  = "server_error"
)

// Proxy is the part of the proxy service the protocol handlers need.
type Proxy interface {
	Resolve(ctx context.Context, sel proxy.Selector) (*proxy.Target, error)
	Serve(ctx context.Context, w http.ResponseWriter, target *proxy.Target, req *proxy.Request) (*proxy.Result, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	GetAgent(ctx context.Context, name string) (*models.Agent, error)
}

var _ Proxy = (*proxy.Service)(nil)

// ErrorBody is the protocol error shape.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AgentBody is an entry of the agent directory.
type AgentBody struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type agentsBody struct {
	Agents []AgentBody `json:"agents"`
}

// Handler serves the protocol routes.
type Handler struct {
	proxy Proxy
	log   *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(p Proxy) *Handler {
	return &Handler{proxy: p, log: logging.ProxyLog}
}

// Register mounts the protocol routes under prefix, e.g. /api/v1/acp.
func (h *Handler) Register(mux *http.ServeMux, prefix string) {
	mux.HandleFunc("GET "+prefix+"/ping", h.ping)
	mux.HandleFunc("GET "+prefix+"/agents", h.listAgents)
	mux.HandleFunc("GET "+prefix+"/agents/{name}", h.getAgent)
	mux.HandleFunc("POST "+prefix+"/runs", h.createRun)
	mux.HandleFunc("GET "+prefix+"/runs/{run_id}", h.forwardRun("GET /runs/{run_id}", ""))
	mux.HandleFunc("POST "+prefix+"/runs/{run_id}", h.forwardRun("POST /runs/{run_id}", ""))
	mux.HandleFunc("POST "+prefix+"/runs/{run_id}/cancel", h.forwardRun("POST /runs/{run_id}/cancel", "/cancel"))
	mux.HandleFunc("GET "+prefix+"/runs/{run_id}/events", h.forwardRun("GET /runs/{run_id}/events", "/events"))
	mux.HandleFunc("GET "+prefix+"/sessions/{session_id}", h.getSession)
}

func (h *Handler) ping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.proxy.ListAgents(r.Context())
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	body := agentsBody{Agents: make([]AgentBody, 0, len(agents))}
	for _, a := range agents {
		body.Agents = append(body.Agents, toAgentBody(a))
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.proxy.GetAgent(r.Context(), r.PathValue("name"))
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentBody(agent))
}

// createRun resolves the agent named in the body and records a new run.
func (h *Handler) createRun(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.writeError(r.Context(), w, err)
		return
	}
	var run struct {
		AgentName string `json:"agent_name"`
	}
	if err := json.Unmarshal(body, &run); err != nil {
		h.writeError(r.Context(), w, fmt.Errorf("%w: request body is not a run: %v", database.ErrInvalidInput, err))
		return
	}
	h.forward(w, r, proxy.Selector{AgentName: run.AgentName}, &proxy.Request{
		Method: http.MethodPost,
		Path:   "/runs",
		Body:   body,
		Route:  "POST /runs",
		NewRun: true,
	})
}

func (h *Handler) forwardRun(route, suffix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err != nil {
			h.writeError(r.Context(), w, err)
			return
		}
		runID := r.PathValue("run_id")
		h.forward(w, r, proxy.Selector{RunID: runID}, &proxy.Request{
			Method: r.Method,
			Path:   "/runs/" + runID + suffix,
			Body:   body,
			Route:  route,
		})
	}
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	h.forward(w, r, proxy.Selector{SessionID: sessionID}, &proxy.Request{
		Method: http.MethodGet,
		Path:   "/sessions/" + sessionID,
		Route:  "GET /sessions/{session_id}",
	})
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, sel proxy.Selector, req *proxy.Request) {
	ctx := r.Context()
	target, err := h.proxy.Resolve(ctx, sel)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	req.RawQuery = r.URL.RawQuery
	req.Header = r.Header.Clone()
	req.CreatedBy = r.Header.Get(UserHeader)
	if _, err := h.proxy.Serve(ctx, w, target, req); err != nil {
		h.writeError(ctx, w, err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		logging.L(ctx, h.log).Debug("client went away", zap.Error(err))
		return
	}
	status, body := errorBody(err)
	if status >= http.StatusInternalServerError {
		logging.L(ctx, h.log).Error("protocol request failed", zap.Error(err))
	}
	writeJSON(w, status, body)
}

// errorBody maps err to a protocol error. Activation failures only expose the
// provider and the failing stage.
func errorBody(err error) (int, ErrorBody) {
	var (
		missing    *models.MissingConfigurationError
		activation *proxy.ActivationError
	)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound, ErrorBody{Code: CodeNotFound, Message: err.Error()}
	case errors.As(err, &missing):
		return http.StatusBadRequest, ErrorBody{Code: CodeInvalidInput, Message: missing.Error()}
	case errors.Is(err, database.ErrInvalidInput):
		return http.StatusBadRequest, ErrorBody{Code: CodeInvalidInput, Message: err.Error()}
	case errors.As(err, &activation):
		return http.StatusBadGateway, ErrorBody{Code: CodeServerError, Message: activation.PublicMessage()}
	default:
		return http.StatusInternalServerError, ErrorBody{Code: CodeServerError, Message: "internal server error"}
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, fmt.Errorf("%w: request body exceeds %d bytes", database.ErrInvalidInput, tooLarge.Limit)
		}
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return body, nil
}

func toAgentBody(a *models.Agent) AgentBody {
	return AgentBody{Name: a.Name, Description: a.Description, Metadata: a.Metadata}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
