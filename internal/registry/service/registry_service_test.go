package service_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentregistry-dev/agentplane/internal/registry/database"
	"github.com/agentregistry-dev/agentplane/internal/registry/provider"
	"github.com/agentregistry-dev/agentplane/internal/registry/service"
	deploymenttesting "github.com/agentregistry-dev/agentplane/internal/runtime/deployment/testing"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

// fakeLocation serves a fixed manifest for managed sources.
type fakeLocation struct {
	src      models.Source
	imageRef string
	manifest *models.AgentManifest
}

func (l *fakeLocation) Source() models.Source                     { return l.src }
func (l *fakeLocation) Install(context.Context) (string, error)   { return l.imageRef, nil }
func (l *fakeLocation) IsInstalled(context.Context) (bool, error) { return true, nil }
func (l *fakeLocation) LoadManifest(context.Context) (*models.AgentManifest, error) {
	return l.manifest, nil
}

// fakeResolver answers managed sources from manifests and delegates network
// sources to the real resolver.
type fakeResolver struct {
	mu        sync.Mutex
	manifests map[string]*models.AgentManifest
	network   *provider.Resolver
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		manifests: map[string]*models.AgentManifest{},
		network:   provider.NewResolver(nil, nil),
	}
}

func (r *fakeResolver) add(location string, agents ...models.AgentManifestEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests[location] = &models.AgentManifest{Agents: agents}
}

func (r *fakeResolver) Resolve(src models.Source) (provider.Location, error) {
	if !src.Managed() {
		return r.network.Resolve(src)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[src.String()]
	if !ok {
		return nil, fmt.Errorf("no image for %s", src)
	}
	return &fakeLocation{src: src, imageRef: "localhost:5001/" + src.String()[len("docker://"):], manifest: m}, nil
}

type fixture struct {
	db       *database.Memory
	manager  *deploymenttesting.FakeManager
	resolver *fakeResolver
	svc      *service.Service
}

func newFixture(t *testing.T, opts ...service.Option) *fixture {
	t.Helper()
	f := &fixture{
		db:       database.NewMemory(),
		manager:  deploymenttesting.NewFakeManager(),
		resolver: newFakeResolver(),
	}
	f.svc = service.NewRegistryService(f.db, f.manager, f.resolver, opts...)
	return f
}

func (f *fixture) register(t *testing.T, location string, agents ...models.AgentManifestEntry) *models.ProviderStatus {
	t.Helper()
	f.resolver.add(location, agents...)
	p, err := f.svc.RegisterProvider(context.Background(), &models.CreateProviderInput{Location: location})
	require.NoError(t, err)
	return p
}

func (f *fixture) setEnv(t *testing.T, set map[string]string) {
	t.Helper()
	env, err := f.db.GetEnv(context.Background(), nil)
	require.NoError(t, err)
	_, err = f.db.UpdateEnv(context.Background(), nil, env.Version, set, nil)
	require.NoError(t, err)
}

// agentsServer exposes GET /agents like an unmanaged provider.
func agentsServer(t *testing.T, names ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"agents":[`))
		for i, n := range names {
			if i > 0 {
				_, _ = w.Write([]byte(","))
			}
			_, _ = fmt.Fprintf(w, `{"name":%q,"description":"remote"}`, n)
		}
		_, _ = w.Write([]byte(`]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRegisterProvider_Managed(t *testing.T) {
	f := newFixture(t)
	f.setEnv(t, map[string]string{"API_KEY": "secret"})

	p := f.register(t, "docker://registry/echo:v1", models.AgentManifestEntry{
		Name: "echo-agent",
		Env:  []models.EnvVar{{Name: "API_KEY", Required: true}},
	})

	assert.Equal(t, models.ComputeProviderID("docker://registry/echo:v1"), p.ID)
	assert.Equal(t, "localhost:5001/registry/echo:v1", p.ImageRef)
	assert.Equal(t, models.DeploymentStateMissing, p.State)
	assert.Equal(t, models.DefaultAutoStopTimeout, p.AutoStopTimeout)
	assert.Equal(t, []models.EnvVar{{Name: "API_KEY", Required: true}}, p.Env)

	agent, err := f.svc.GetAgentByName(context.Background(), "echo-agent")
	require.NoError(t, err)
	assert.Equal(t, p.ID, agent.ProviderID)
	assert.Zero(t, f.manager.Calls(), "registration never deploys")
}

func TestRegisterProvider_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	first := f.register(t, "docker://registry/echo:v1", models.AgentManifestEntry{Name: "echo-agent"})
	second := f.register(t, "docker://registry/echo:v1", models.AgentManifestEntry{Name: "echo-agent"}, models.AgentManifestEntry{Name: "echo-2"})

	assert.Equal(t, first.ID, second.ID)
	agents, err := f.svc.ListAgents(context.Background(), &first.ID)
	require.NoError(t, err)
	assert.Len(t, agents, 2)
}

func TestRegisterProvider_MissingConfiguration(t *testing.T) {
	f := newFixture(t)
	f.resolver.add("docker://registry/llm:v1", models.AgentManifestEntry{
		Name: "llm",
		Env: []models.EnvVar{
			{Name: "LLM_API_KEY", Required: true},
			{Name: "LLM_MODEL", Required: false},
		},
	})

	_, err := f.svc.RegisterProvider(context.Background(), &models.CreateProviderInput{Location: "docker://registry/llm:v1"})
	var missing *models.MissingConfigurationError
	require.ErrorAs(t, err, &missing)
	require.Len(t, missing.Missing, 1)
	assert.Equal(t, "LLM_API_KEY", missing.Missing[0].Name)

	_, err = f.svc.GetProvider(context.Background(), models.ComputeProviderID("docker://registry/llm:v1"))
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestRegisterProvider_AgentNameCollision(t *testing.T) {
	f := newFixture(t)
	f.register(t, "docker://registry/echo:v1", models.AgentManifestEntry{Name: "echo-agent"})
	f.resolver.add("docker://registry/other:v1", models.AgentManifestEntry{Name: "echo-agent"})

	_, err := f.svc.RegisterProvider(context.Background(), &models.CreateProviderInput{Location: "docker://registry/other:v1"})
	assert.ErrorIs(t, err, database.ErrAlreadyExists)

	providers, err := f.svc.ListProviders(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, providers, 1, "the colliding provider is not persisted")
}

func TestRegisterProvider_InvalidLocation(t *testing.T) {
	f := newFixture(t)
	for _, loc := range []string{"", "ftp://example.com", "docker://"} {
		_, err := f.svc.RegisterProvider(context.Background(), &models.CreateProviderInput{Location: loc})
		assert.ErrorIs(t, err, database.ErrInvalidInput, loc)
	}
}

func TestRegisterProvider_Unmanaged(t *testing.T) {
	f := newFixture(t)
	srv := agentsServer(t, "remote-agent")

	p, err := f.svc.RegisterProvider(context.Background(), &models.CreateProviderInput{
		Location:       srv.URL,
		AutoRemove:     true,
		SelfRegistered: true,
	})
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentStateRunning, p.State)
	assert.True(t, p.AutoRemove)
	assert.True(t, p.SelfRegistered)
	assert.Empty(t, p.ImageRef)
}

func TestListProviders_BatchesState(t *testing.T) {
	f := newFixture(t)
	a := f.register(t, "docker://registry/a:v1", models.AgentManifestEntry{Name: "a"})
	b := f.register(t, "docker://registry/b:v1", models.AgentManifestEntry{Name: "b"})
	f.manager.SetState(a.ID, models.DeploymentStateRunning)
	f.manager.SetState(b.ID, models.DeploymentStateReady)

	var batches [][]string
	f.manager.StateFn = func(_ context.Context, ids []string) ([]models.ProviderDeploymentState, error) {
		batches = append(batches, ids)
		out := make([]models.ProviderDeploymentState, len(ids))
		for i, id := range ids {
			out[i] = f.manager.StateOf(id)
		}
		return out, nil
	}

	providers, err := f.svc.ListProviders(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Len(t, batches, 1)
	states := map[string]models.ProviderDeploymentState{}
	for _, p := range providers {
		states[p.ID] = p.State
	}
	assert.Equal(t, models.DeploymentStateRunning, states[a.ID])
	assert.Equal(t, models.DeploymentStateReady, states[b.ID])
}

func TestDeleteProvider(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, "docker://registry/echo:v1", models.AgentManifestEntry{Name: "echo-agent"})
	f.manager.SetState(p.ID, models.DeploymentStateRunning)

	require.NoError(t, f.svc.DeleteProvider(context.Background(), p.ID))
	assert.Equal(t, 1, f.manager.DeleteCalls)
	assert.Equal(t, models.DeploymentStateMissing, f.manager.StateOf(p.ID))

	_, err := f.svc.GetAgentByName(context.Background(), "echo-agent")
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.ErrorIs(t, f.svc.DeleteProvider(context.Background(), p.ID), database.ErrNotFound)
}

func TestDeleteProvider_KeepsProviderWhenTeardownFails(t *testing.T) {
	f := newFixture(t)
	p := f.register(t, "docker://registry/echo:v1", models.AgentManifestEntry{Name: "echo-agent"})
	f.manager.DeleteFn = func(context.Context, string) error { return errors.New("api server unavailable") }

	require.Error(t, f.svc.DeleteProvider(context.Background(), p.ID))
	_, err := f.svc.GetProvider(context.Background(), p.ID)
	assert.NoError(t, err)
}

func TestProviderLogs(t *testing.T) {
	f := newFixture(t, service.WithLogWindow(50*time.Millisecond))
	p := f.register(t, "docker://registry/echo:v1", models.AgentManifestEntry{Name: "echo-agent"})
	f.manager.Logs = []string{"one", "two", "three"}

	lines, err := f.svc.ProviderLogs(context.Background(), p.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three"}, lines)
}

func TestProviderLogs_Unmanaged(t *testing.T) {
	f := newFixture(t)
	srv := agentsServer(t, "remote-agent")
	p, err := f.svc.RegisterProvider(context.Background(), &models.CreateProviderInput{Location: srv.URL})
	require.NoError(t, err)

	_, err = f.svc.ProviderLogs(context.Background(), p.ID, 10)
	assert.ErrorIs(t, err, database.ErrInvalidInput)
}

func TestListVariables_KeysOnly(t *testing.T) {
	f := newFixture(t)
	f.setEnv(t, map[string]string{"B": "2", "A": "1"})

	keys, err := f.svc.ListVariables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, keys)
}

func TestRemoveUnresponsive(t *testing.T) {
	f := newFixture(t)
	alive := agentsServer(t, "alive")
	dead := agentsServer(t, "dead")

	for _, url := range []string{alive.URL, dead.URL} {
		_, err := f.svc.RegisterProvider(context.Background(), &models.CreateProviderInput{Location: url, AutoRemove: true})
		require.NoError(t, err)
	}
	dead.Close()

	stats, err := f.svc.RemoveUnresponsive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Processed)
	assert.Equal(t, 1, stats.Removed)

	_, err = f.svc.GetAgentByName(context.Background(), "alive")
	assert.NoError(t, err)
	_, err = f.svc.GetAgentByName(context.Background(), "dead")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestCleanupRunRequests(t *testing.T) {
	f := newFixture(t, service.WithClock(func() time.Time { return time.Now().Add(48 * time.Hour) }))
	p := f.register(t, "docker://registry/echo:v1", models.AgentManifestEntry{Name: "echo-agent"})
	ctx := context.Background()
	agentID := models.ComputeAgentID(p.ID, "echo-agent")

	for _, id := range []string{"finished", "open"} {
		require.NoError(t, f.db.CreateRunRequest(ctx, nil, &models.AgentRunRequest{ID: id, AgentID: agentID, ProviderID: p.ID}))
	}
	done := time.Now()
	require.NoError(t, f.db.UpdateRunRequest(ctx, nil, "finished", &database.RunRequestUpdate{FinishedAt: &done}))
	runID := "r-open"
	require.NoError(t, f.db.UpdateRunRequest(ctx, nil, "open", &database.RunRequestUpdate{ACPRunID: &runID}))

	n, err := f.svc.CleanupRunRequests(ctx, 24*time.Hour, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rr, err := f.db.GetRunRequestByRunID(ctx, nil, "r-open")
	require.NoError(t, err)
	assert.Equal(t, "open", rr.ID)
}

func TestSyncCatalog(t *testing.T) {
	f := newFixture(t)
	one := agentsServer(t, "one")
	two := agentsServer(t, "two")
	path := filepath.Join(t.TempDir(), "catalog.yaml")

	write := func(urls ...string) {
		content := "providers:\n"
		for _, u := range urls {
			content += fmt.Sprintf("  - location: %s\n    auto_stop_timeout: 10m\n", u)
		}
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	}

	write(one.URL, two.URL)
	result, err := f.svc.SyncCatalog(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Registered)
	assert.Zero(t, result.Removed)

	providers, err := f.svc.ListProviders(context.Background(), &database.ProviderFilter{Registry: &path})
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, 10*time.Minute, providers[0].AutoStopTimeout)

	write(one.URL)
	result, err = f.svc.SyncCatalog(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Registered)
	assert.Equal(t, 1, result.Removed)

	_, err = f.svc.GetAgentByName(context.Background(), "two")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestSyncCatalog_KeepsProvidersOfOtherRegistries(t *testing.T) {
	f := newFixture(t)
	manual := f.register(t, "docker://registry/manual:v1", models.AgentManifestEntry{Name: "manual"})
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers: []\n"), 0o600))

	result, err := f.svc.SyncCatalog(context.Background(), path)
	require.NoError(t, err)
	assert.Zero(t, result.Removed)
	_, err = f.svc.GetProvider(context.Background(), manual.ID)
	assert.NoError(t, err)
}

func TestLoadCatalog_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers:\n  - auto_remove: true\n"), 0o600))

	_, err := service.LoadCatalog(path)
	assert.ErrorIs(t, err, database.ErrInvalidInput)
}

func TestWatchCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers: []\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- service.WatchCatalog(ctx, path, func(context.Context) {
			select {
			case changed <- struct{}{}:
			default:
			}
		})
	}()

	// Writes to other files in the directory are ignored.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(path, []byte("providers: []\n# edited\n"), 0o600))

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("catalog change was not reported")
	}
	cancel()
	assert.NoError(t, <-done)
}
