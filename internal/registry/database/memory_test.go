package database_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"

	"github.com/agentregistry-dev/agentplane/internal/registry/database"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

func newProvider(location string) *models.Provider {
	return &models.Provider{ID: models.ComputeProviderID(location), Location: location}
}

func TestMemory_ProviderCRUD(t *testing.T) {
	ctx := context.Background()
	db := database.NewMemory()

	p := newProvider("docker://registry/echo:v1")
	created, err := db.CreateProvider(ctx, nil, p)
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	_, err = db.CreateProvider(ctx, nil, p)
	assert.ErrorIs(t, err, database.ErrAlreadyExists)

	now := time.Now()
	require.NoError(t, db.TouchProvider(ctx, nil, p.ID, now))

	got, err := db.GetProviderByID(ctx, nil, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastActiveAt)
	assert.True(t, got.LastActiveAt.Equal(now))

	// Upsert keeps activity.
	p.ImageRef = "registry/echo@sha256:abc"
	upserted, err := db.UpsertProvider(ctx, nil, p)
	require.NoError(t, err)
	assert.Equal(t, "registry/echo@sha256:abc", upserted.ImageRef)
	require.NotNil(t, upserted.LastActiveAt)

	unmanaged := newProvider("http://localhost:9000")
	unmanaged.AutoRemove = true
	_, err = db.CreateProvider(ctx, nil, unmanaged)
	require.NoError(t, err)

	managedOnly, err := db.ListProviders(ctx, nil, &database.ProviderFilter{Managed: ptr.To(true)})
	require.NoError(t, err)
	require.Len(t, managedOnly, 1)
	assert.Equal(t, p.ID, managedOnly[0].ID)

	autoRemove, err := db.ListProviders(ctx, nil, &database.ProviderFilter{AutoRemove: ptr.To(true)})
	require.NoError(t, err)
	require.Len(t, autoRemove, 1)
	assert.Equal(t, unmanaged.ID, autoRemove[0].ID)

	require.NoError(t, db.DeleteProvider(ctx, nil, p.ID))
	_, err = db.GetProviderByID(ctx, nil, p.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestMemory_AgentNamesAreUnique(t *testing.T) {
	ctx := context.Background()
	db := database.NewMemory()

	p1 := newProvider("docker://registry/a:v1")
	p2 := newProvider("docker://registry/b:v1")
	_, err := db.CreateProvider(ctx, nil, p1)
	require.NoError(t, err)
	_, err = db.CreateProvider(ctx, nil, p2)
	require.NoError(t, err)

	require.NoError(t, db.ReplaceAgents(ctx, nil, p1.ID, []*models.Agent{
		{ID: models.ComputeAgentID(p1.ID, "echo"), Name: "echo"},
	}))

	err = db.ReplaceAgents(ctx, nil, p2.ID, []*models.Agent{
		{ID: models.ComputeAgentID(p2.ID, "echo"), Name: "echo"},
	})
	assert.ErrorIs(t, err, database.ErrAlreadyExists)

	// Reloading the same provider is fine and prunes removed agents.
	require.NoError(t, db.ReplaceAgents(ctx, nil, p1.ID, []*models.Agent{
		{ID: models.ComputeAgentID(p1.ID, "chat"), Name: "chat"},
	}))
	agents, err := db.ListAgents(ctx, nil, &p1.ID)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "chat", agents[0].Name)
}

func TestMemory_RunRequests(t *testing.T) {
	ctx := context.Background()
	db := database.NewMemory()
	p := newProvider("docker://registry/echo:v1")
	_, err := db.CreateProvider(ctx, nil, p)
	require.NoError(t, err)

	req := &models.AgentRunRequest{ID: "req-1", AgentID: "agent-1", ProviderID: p.ID}
	require.NoError(t, db.CreateRunRequest(ctx, nil, req))

	require.NoError(t, db.UpdateRunRequest(ctx, nil, "req-1", &database.RunRequestUpdate{
		ACPRunID:     ptr.To("r1"),
		ACPSessionID: ptr.To("s1"),
	}))

	byRun, err := db.GetRunRequestByRunID(ctx, nil, "r1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byRun.ProviderID)

	bySession, err := db.GetRunRequestBySessionID(ctx, nil, "s1")
	require.NoError(t, err)
	assert.Equal(t, "req-1", bySession.ID)

	_, err = db.GetRunRequestByRunID(ctx, nil, "missing")
	assert.ErrorIs(t, err, database.ErrNotFound)

	// Unfinished and recent: kept.
	n, err := db.DeleteRunRequests(ctx, nil, time.Now(), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	finished := time.Now().Add(-2 * time.Hour)
	require.NoError(t, db.UpdateRunRequest(ctx, nil, "req-1", &database.RunRequestUpdate{FinishedAt: &finished}))
	n, err = db.DeleteRunRequests(ctx, nil, time.Now().Add(-time.Hour), time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemory_EnvVersioning(t *testing.T) {
	ctx := context.Background()
	db := database.NewMemory()

	snap, err := db.GetEnv(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Version)

	next, err := db.UpdateEnv(ctx, nil, 0, map[string]string{"A": "1", "B": "2"}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Version)

	_, err = db.UpdateEnv(ctx, nil, 0, map[string]string{"A": "stale"}, nil)
	assert.ErrorIs(t, err, database.ErrConflict)

	next, err = db.UpdateEnv(ctx, nil, 1, nil, []string{"B"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1"}, next.Values)
}

func TestMemory_InTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	db := database.NewMemory()
	boom := errors.New("boom")

	err := db.InTransaction(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := db.UpdateEnv(ctx, tx, 0, map[string]string{"A": "1"}, nil); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	snap, err := db.GetEnv(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, snap.Values)
	assert.Equal(t, int64(0), snap.Version)

	got, err := database.InTransactionT(ctx, db, func(ctx context.Context, tx pgx.Tx) (*models.EnvSnapshot, error) {
		return db.UpdateEnv(ctx, tx, 0, map[string]string{"A": "1"}, nil)
	})
	require.NoError(t, err)
	assert.Equal(t, "1", got.Values["A"])
}

func TestMemory_RollbackKeepsWritesOutsideTransaction(t *testing.T) {
	ctx := context.Background()
	db := database.NewMemory()
	p := newProvider("docker://registry/echo:v1")
	_, err := db.CreateProvider(ctx, nil, p)
	require.NoError(t, err)
	boom := errors.New("boom")

	err = db.InTransaction(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		_, err := db.UpsertProvider(txCtx, tx, newProvider("http://localhost:9000"))
		require.NoError(t, err)
		require.NoError(t, db.ReplaceAgents(txCtx, tx, p.ID, []*models.Agent{{ID: "a1", Name: "echo"}}))

		// A concurrent request writing through its own context.
		require.NoError(t, db.CreateRunRequest(ctx, nil, &models.AgentRunRequest{ID: "rr1", AgentID: "a0", ProviderID: p.ID}))
		require.NoError(t, db.TouchProvider(ctx, nil, p.ID, time.Now()))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	require.NoError(t, db.UpdateRunRequest(ctx, nil, "rr1", &database.RunRequestUpdate{ACPRunID: ptr.To("r1")}))
	byRun, err := db.GetRunRequestByRunID(ctx, nil, "r1")
	require.NoError(t, err)
	assert.Equal(t, "rr1", byRun.ID)

	got, err := db.GetProviderByID(ctx, nil, p.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastActiveAt)

	_, err = db.GetProviderByID(ctx, nil, models.ComputeProviderID("http://localhost:9000"))
	assert.ErrorIs(t, err, database.ErrNotFound)
	agents, err := db.ListAgents(ctx, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestMemory_RollbackRestoresDeletedRows(t *testing.T) {
	ctx := context.Background()
	db := database.NewMemory()
	p := newProvider("docker://registry/echo:v1")
	_, err := db.CreateProvider(ctx, nil, p)
	require.NoError(t, err)
	require.NoError(t, db.ReplaceAgents(ctx, nil, p.ID, []*models.Agent{{ID: "a1", Name: "echo"}}))
	require.NoError(t, db.CreateRunRequest(ctx, nil, &models.AgentRunRequest{ID: "rr1", AgentID: "a1", ProviderID: p.ID}))

	err = db.InTransaction(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		require.NoError(t, db.DeleteProvider(txCtx, tx, p.ID))
		return errors.New("boom")
	})
	require.Error(t, err)

	_, err = db.GetProviderByID(ctx, nil, p.ID)
	require.NoError(t, err)
	agent, err := db.GetAgentByName(ctx, nil, "echo")
	require.NoError(t, err)
	assert.Equal(t, p.ID, agent.ProviderID)
	require.NoError(t, db.UpdateRunRequest(ctx, nil, "rr1", &database.RunRequestUpdate{ACPRunID: ptr.To("r1")}))
}
