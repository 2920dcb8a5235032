// Package a2a forwards agent-to-agent protocol traffic to a provider
// addressed by id.
package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/internal/registry/proxy"
	"github.com/agentregistry-dev/agentplane/pkg/models"
	"github.com/agentregistry-dev/agentplane/pkg/registry/database"
)

const maxRequestBody = 16 << 20

var agentCardPaths = []string{"/.well-known/agent.json", "/.well-known/agent-card.json"}

// Proxy is the part of the proxy service A2A forwarding needs.
type Proxy interface {
	ResolveProvider(ctx context.Context, providerID string) (*proxy.Target, error)
	Serve(ctx context.Context, w http.ResponseWriter, target *proxy.Target, req *proxy.Request) (*proxy.Result, error)
}

var _ Proxy = (*proxy.Service)(nil)

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	JSONRPC string       `json:"jsonrpc"`
	Error   jsonRPCError `json:"error"`
}

// Handler forwards every method and path below {prefix}/{provider_id}/.
type Handler struct {
	proxy  Proxy
	prefix string
	log    *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(p Proxy) *Handler {
	return &Handler{proxy: p, log: logging.ProxyLog}
}

// Register mounts the handler under prefix, e.g. /api/v1/a2a.
func (h *Handler) Register(mux *http.ServeMux, prefix string) {
	h.prefix = prefix
	mux.HandleFunc(prefix+"/{provider_id}/{path...}", h.serve)
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerID := r.PathValue("provider_id")
	path := "/" + r.PathValue("path")

	target, err := h.proxy.ResolveProvider(ctx, providerID)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			h.writeError(ctx, w, fmt.Errorf("%w: %v", database.ErrInvalidInput, err))
			return
		}
	}

	req := &proxy.Request{
		Method:   r.Method,
		Path:     path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
		Route:    r.Method + " /a2a",
	}
	if isAgentCard(path) {
		req.Route = r.Method + " /a2a/agent-card"
		req.RewriteBody = rewriteCardURL(externalURL(r, h.prefix+"/"+providerID))
	}
	if _, err := h.proxy.Serve(ctx, w, target, req); err != nil {
		h.writeError(ctx, w, err)
	}
}

func isAgentCard(path string) bool {
	for _, p := range agentCardPaths {
		if path == p {
			return true
		}
	}
	return false
}

// rewriteCardURL points the card's url at the proxy so clients keep talking
// through the plane. Bodies that are not JSON objects pass through unchanged.
func rewriteCardURL(proxyURL string) func([]byte) []byte {
	return func(body []byte) []byte {
		var card map[string]json.RawMessage
		if err := json.Unmarshal(body, &card); err != nil {
			return body
		}
		if _, ok := card["url"]; !ok {
			return body
		}
		card["url"], _ = json.Marshal(proxyURL + "/")
		out, err := json.Marshal(card)
		if err != nil {
			return body
		}
		return out
	}
}

func externalURL(r *http.Request, path string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return scheme + "://" + host + path
}

// writeError answers with a JSON-RPC error; A2A clients parse no other shape.
func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}
	var (
		status     = http.StatusInternalServerError
		code       = -32603
		message    = "internal error"
		missing    *models.MissingConfigurationError
		activation *proxy.ActivationError
	)
	switch {
	case errors.Is(err, database.ErrNotFound):
		status, code, message = http.StatusNotFound, -32001, err.Error()
	case errors.As(err, &missing):
		status, code, message = http.StatusBadRequest, -32602, missing.Error()
	case errors.Is(err, database.ErrInvalidInput):
		status, code, message = http.StatusBadRequest, -32600, err.Error()
	case errors.As(err, &activation):
		status, message = http.StatusBadGateway, activation.PublicMessage()
	}
	if status >= http.StatusInternalServerError {
		logging.L(ctx, h.log).Error("a2a request failed", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{JSONRPC: "2.0", Error: jsonRPCError{Code: code, Message: message}})
}
