package acp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentregistry-dev/agentplane/internal/registry/api/handlers/acp"
	"github.com/agentregistry-dev/agentplane/internal/registry/database"
	"github.com/agentregistry-dev/agentplane/internal/registry/proxy"
	deploymenttesting "github.com/agentregistry-dev/agentplane/internal/runtime/deployment/testing"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

const prefix = "/api/v1/acp"

func echoAgent(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /runs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Run-ID", "r1")
		_, _ = w.Write([]byte(`{"run_id":"r1","session_id":"s1","status":"completed"}`))
	})
	mux.HandleFunc("GET /runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"run_id":%q,"status":"completed"}`, r.PathValue("id"))
	})
	mux.HandleFunc("POST /runs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"code":"invalid_input","message":"run already completed"}`))
	})
	mux.HandleFunc("GET /runs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := range 3 {
			_, _ = fmt.Fprintf(w, "data: {\"seq\":%d}\n\n", i)
			w.(http.Flusher).Flush()
		}
	})
	mux.HandleFunc("GET /sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprintf(w, `{"id":%q,"history":[]}`, r.PathValue("id"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type fixture struct {
	server   *httptest.Server
	manager  *deploymenttesting.FakeManager
	provider *models.Provider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := database.NewMemory()
	manager := deploymenttesting.NewFakeManager()

	location := "docker://registry/echo:v1"
	p, err := db.CreateProvider(ctx, nil, &models.Provider{
		ID:       models.ComputeProviderID(location),
		Location: location,
		ImageRef: "registry/echo:v1",
	})
	require.NoError(t, err)
	require.NoError(t, db.ReplaceAgents(ctx, nil, p.ID, []*models.Agent{{
		ID:          models.ComputeAgentID(p.ID, "echo-agent"),
		ProviderID:  p.ID,
		Name:        "echo-agent",
		Description: "echoes its input",
	}}))
	manager.URLs[p.ID] = echoAgent(t).URL

	mux := http.NewServeMux()
	acp.NewHandler(proxy.NewService(db, manager, proxy.Options{})).Register(mux, prefix)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &fixture{server: srv, manager: manager, provider: p}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.server.URL+prefix+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) acp.ErrorBody {
	t.Helper()
	var body acp.ErrorBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestRunLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/runs", `{"agent_name":"echo-agent","input":[]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "r1", resp.Header.Get("Run-ID"))
	assert.Equal(t, proxy.SchemaVersion, resp.Header.Get(proxy.SchemaVersionHeader))
	assert.Equal(t, 1, f.manager.Calls())

	resp = f.do(t, http.MethodGet, "/runs/r1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"run_id":"r1","status":"completed"}`, string(body))
	assert.Equal(t, 1, f.manager.Calls(), "follow-up requests reuse the running deployment")

	resp = f.do(t, http.MethodGet, "/sessions/s1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"s1","history":[]}`, string(body))
}

func TestRunEventsStream(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/runs", `{"agent_name":"echo-agent"}`).StatusCode)

	resp := f.do(t, http.MethodGet, "/runs/r1/events", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Empty(t, resp.Header.Get(proxy.SchemaVersionHeader))

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			events = append(events, data)
		}
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, []string{`{"seq":0}`, `{"seq":1}`, `{"seq":2}`}, events)
}

func TestUpstreamErrorPassesThrough(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/runs", `{"agent_name":"echo-agent"}`).StatusCode)

	resp := f.do(t, http.MethodPost, "/runs/r1/cancel", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Equal(t, "run already completed", body.Message)
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown agent", http.MethodPost, "/runs", `{"agent_name":"nope"}`, http.StatusNotFound, acp.CodeNotFound},
		{"unknown run", http.MethodGet, "/runs/nope", "", http.StatusNotFound, acp.CodeNotFound},
		{"unknown session", http.MethodGet, "/sessions/nope", "", http.StatusNotFound, acp.CodeNotFound},
		{"unknown directory entry", http.MethodGet, "/agents/nope", "", http.StatusNotFound, acp.CodeNotFound},
		{"missing agent name", http.MethodPost, "/runs", `{"input":[]}`, http.StatusBadRequest, acp.CodeInvalidInput},
		{"malformed body", http.MethodPost, "/runs", `{`, http.StatusBadRequest, acp.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			resp := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decodeError(t, resp).Code)
			assert.Zero(t, f.manager.Calls())
		})
	}
}

func TestActivationFailureHidesInternals(t *testing.T) {
	f := newFixture(t)
	f.manager.SetState(f.provider.ID, models.DeploymentStateError)

	resp := f.do(t, http.MethodPost, "/runs", `{"agent_name":"echo-agent"}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decodeError(t, resp)
	assert.Equal(t, acp.CodeServerError, body.Code)
	assert.Contains(t, body.Message, f.provider.ID)
	assert.NotContains(t, body.Message, "127.0.0.1")
}

func TestAgentDirectory(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/agents", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Agents []acp.AgentBody `json:"agents"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list.Agents, 1)
	assert.Equal(t, "echo-agent", list.Agents[0].Name)

	resp = f.do(t, http.MethodGet, "/agents/echo-agent", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var agent acp.AgentBody
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&agent))
	assert.Equal(t, "echoes its input", agent.Description)
	assert.Zero(t, f.manager.Calls(), "the directory never activates providers")
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
