package router

import (
	"net/http"

	"github.com/agentregistry-dev/agentplane/internal/registry/api/handlers/a2a"
	"github.com/agentregistry-dev/agentplane/internal/registry/api/handlers/acp"
	"github.com/agentregistry-dev/agentplane/internal/registry/proxy"
)

// Protocol surface mount points.
const (
	ACPPrefix = PathPrefix + "/acp"
	A2APrefix = PathPrefix + "/a2a"
)

// RegisterProtocolRoutes mounts the proxied protocols on mux. They bypass huma
// because their bodies are forwarded verbatim and may be event streams.
func RegisterProtocolRoutes(mux *http.ServeMux, p *proxy.Service) {
	acp.NewHandler(p).Register(mux, ACPPrefix)
	a2a.NewHandler(p).Register(mux, A2APrefix)
}
