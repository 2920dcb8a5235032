package database

import (
	"context"
	"errors"
	"time"

	"github.com/agentregistry-dev/agentplane/pkg/models"
	"github.com/jackc/pgx/v5"
)

// Common database errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrDatabase      = errors.New("database error")
	ErrConflict      = errors.New("concurrent modification")
)

// ProviderFilter narrows ListProviders. Nil fields are ignored.
type ProviderFilter struct {
	Registry   *string
	AutoRemove *bool
	Managed    *bool
}

// RunRequestUpdate carries the fields a proxied response may reveal.
type RunRequestUpdate struct {
	ACPRunID     *string
	ACPSessionID *string
	FinishedAt   *time.Time
}

// Database is the repository behind the control plane. Every method accepts an
// optional transaction; nil runs against the pool.
type Database interface {
	// Providers
	CreateProvider(ctx context.Context, tx pgx.Tx, provider *models.Provider) (*models.Provider, error)
	UpsertProvider(ctx context.Context, tx pgx.Tx, provider *models.Provider) (*models.Provider, error)
	GetProviderByID(ctx context.Context, tx pgx.Tx, providerID string) (*models.Provider, error)
	ListProviders(ctx context.Context, tx pgx.Tx, filter *ProviderFilter) ([]*models.Provider, error)
	DeleteProvider(ctx context.Context, tx pgx.Tx, providerID string) error
	TouchProvider(ctx context.Context, tx pgx.Tx, providerID string, at time.Time) error

	// Agents
	ReplaceAgents(ctx context.Context, tx pgx.Tx, providerID string, agents []*models.Agent) error
	ListAgents(ctx context.Context, tx pgx.Tx, providerID *string) ([]*models.Agent, error)
	GetAgentByName(ctx context.Context, tx pgx.Tx, name string) (*models.Agent, error)
	GetAgentByID(ctx context.Context, tx pgx.Tx, agentID string) (*models.Agent, error)

	// Run requests
	CreateRunRequest(ctx context.Context, tx pgx.Tx, req *models.AgentRunRequest) error
	UpdateRunRequest(ctx context.Context, tx pgx.Tx, id string, update *RunRequestUpdate) error
	GetRunRequestByRunID(ctx context.Context, tx pgx.Tx, runID string) (*models.AgentRunRequest, error)
	GetRunRequestBySessionID(ctx context.Context, tx pgx.Tx, sessionID string) (*models.AgentRunRequest, error)
	DeleteRunRequests(ctx context.Context, tx pgx.Tx, finishedBefore, createdBefore time.Time) (int64, error)

	// Global environment
	GetEnv(ctx context.Context, tx pgx.Tx) (*models.EnvSnapshot, error)
	// UpdateEnv applies set and remove if the store is still at expectedVersion.
	UpdateEnv(ctx context.Context, tx pgx.Tx, expectedVersion int64, set map[string]string, remove []string) (*models.EnvSnapshot, error)

	InTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error
	Close() error
}

// InTransactionT is a generic helper that wraps InTransaction for functions returning a value.
func InTransactionT[T any](ctx context.Context, db Database, fn func(ctx context.Context, tx pgx.Tx) (T, error)) (T, error) {
	var result T
	err := db.InTransaction(ctx, func(txCtx context.Context, tx pgx.Tx) error {
		var err error
		result, err = fn(txCtx, tx)
		return err
	})
	return result, err
}
