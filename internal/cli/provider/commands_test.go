package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentregistry-dev/agentplane/internal/client"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

func newTestServer(t *testing.T, created *models.CreateProviderInput) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/providers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"providers":[{"id":"p1","location":"docker://registry/echo:v1","env":[{"name":"OPENAI_API_KEY","required":true}],"state":"ready"}],"count":1}`))
	})
	mux.HandleFunc("POST /api/v1/providers", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(created))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"p2","location":"http://localhost:9000","state":"running"}`))
	})
	mux.HandleFunc("DELETE /api/v1/providers/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "p1" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"title":"Not Found","detail":"Provider not found"}`))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/v1/providers/{id}/logs", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"lines":["starting","ready"]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	SetAPIClient(client.NewClient(srv.URL+"/api/v1", ""))
	t.Cleanup(func() { SetAPIClient(nil) })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	ProviderCmd.SetOut(&buf)
	ProviderCmd.SetErr(&buf)
	ProviderCmd.SetArgs(args)
	t.Cleanup(func() {
		ProviderCmd.SetOut(nil)
		ProviderCmd.SetErr(nil)
		ProviderCmd.SetArgs(nil)
	})
	err := ProviderCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestListCmd(t *testing.T) {
	newTestServer(t, &models.CreateProviderInput{})

	out, err := execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "p1")
	assert.Contains(t, out, "managed")
	assert.Contains(t, out, "OPENAI_API_KEY*")
}

func TestAddCmd(t *testing.T) {
	var created models.CreateProviderInput
	newTestServer(t, &created)

	out, err := execute(t, "add", "http://localhost:9000", "--self-registered", "--auto-stop-timeout", "10m")
	require.NoError(t, err)
	assert.Contains(t, out, "p2")
	assert.Equal(t, "http://localhost:9000", created.Location)
	assert.True(t, created.SelfRegistered)
	assert.Equal(t, 10*time.Minute, created.AutoStopTimeout)
}

func TestRemoveAndLogsCmd(t *testing.T) {
	newTestServer(t, &models.CreateProviderInput{})

	_, err := execute(t, "remove", "p1")
	require.NoError(t, err)

	_, err = execute(t, "remove", "nope")
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err))

	out, err := execute(t, "logs", "p1", "-n", "2")
	require.NoError(t, err)
	assert.Equal(t, "starting\nready\n", out)
}

func TestExportCmd(t *testing.T) {
	newTestServer(t, &models.CreateProviderInput{})

	out, err := execute(t, "export")
	require.NoError(t, err)
	assert.Contains(t, out, "location: docker://registry/echo:v1")
}
