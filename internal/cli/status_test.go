package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStatusCmd(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	StatusCmd.SetOut(&buf)
	t.Cleanup(func() { StatusCmd.SetOut(nil) })
	require.NoError(t, StatusCmd.RunE(StatusCmd, nil))
	return buf.String()
}

func TestStatusCmd_ServerStopped(t *testing.T) {
	t.Setenv("AGENTPLANE_API_BASE_URL", "http://127.0.0.1:19999/api/v1")

	out := runStatusCmd(t)
	assert.Contains(t, out, "unreachable")
	assert.NotContains(t, out, "Providers:")
}

func TestStatusCmd_ServerRunning(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ping", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"pong":true}`))
	})
	mux.HandleFunc("/api/v1/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"version":    "v0.5.0",
			"git_commit": "abc1234",
			"build_time": "2026-02-08T00:00:00Z",
		})
	})
	mux.HandleFunc("/api/v1/providers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"providers":[{"id":"p1","state":"running"},{"id":"p2","state":"ready"}],"count":2}`))
	})
	mux.HandleFunc("/api/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"agents":[{"name":"echo"},{"name":"weather"},{"name":"chat"}],"count":3}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	t.Setenv("AGENTPLANE_API_BASE_URL", srv.URL+"/api/v1")

	out := runStatusCmd(t)
	assert.Contains(t, out, "API:                ok")
	assert.Contains(t, out, "v0.5.0")
	assert.Contains(t, out, "Providers:          2 (1 running)")
	assert.Contains(t, out, "Agents:             3")
}

func TestStatusCmd_JSONOutput(t *testing.T) {
	t.Setenv("AGENTPLANE_API_BASE_URL", "http://127.0.0.1:19999/api/v1")

	statusOutputFormat = "json"
	defer func() { statusOutputFormat = "table" }()

	var info statusInfo
	require.NoError(t, json.Unmarshal([]byte(runStatusCmd(t)), &info))
	assert.Equal(t, "unreachable", info.API)
	assert.Equal(t, -1, info.Providers)
}

func TestUpdateRecommendation(t *testing.T) {
	assert.Contains(t, updateRecommendation("1.2.0", "v1.1.0"), "Consider updating the server")
	assert.Contains(t, updateRecommendation("v1.0.0", "1.1.0"), "Consider updating the CLI")
	assert.Empty(t, updateRecommendation("1.0.0", "1.0.0"))
	assert.Empty(t, updateRecommendation("dev", "1.0.0"))
}
