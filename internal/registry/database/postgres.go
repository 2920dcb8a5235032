package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

var dbLog = logging.NewLogger("database")

// PostgreSQL is an implementation of the Database interface using PostgreSQL
type PostgreSQL struct {
	pool *pgxpool.Pool
}

// Executor is an interface for executing queries (satisfied by both pgx.Tx and pgxpool.Pool)
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// getExecutor returns the appropriate executor (transaction or pool)
func (db *PostgreSQL) getExecutor(tx pgx.Tx) Executor {
	if tx != nil {
		return tx
	}
	return db.pool
}

// NewPostgreSQL creates a new instance of the PostgreSQL database
func NewPostgreSQL(ctx context.Context, connectionURI string) (*PostgreSQL, error) {
	config, err := pgxpool.ParseConfig(connectionURI)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL config: %w", err)
	}

	config.MaxConns = 30
	config.MinConns = 5
	config.MaxConnIdleTime = 30 * time.Minute
	config.MaxConnLifetime = 2 * time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to acquire connection for migrations: %w", err)
	}
	defer conn.Release()

	if err := Migrate(ctx, conn.Conn()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	return &PostgreSQL{pool: pool}, nil
}

const providerColumns = `id, location, image_ref, env, auto_stop_timeout_ms, registry, auto_remove, self_registered, last_active_at, created_at, updated_at`

func scanProvider(row pgx.Row) (*models.Provider, error) {
	var (
		p             models.Provider
		envJSON       []byte
		autoStopMilli int64
	)
	if err := row.Scan(
		&p.ID,
		&p.Location,
		&p.ImageRef,
		&envJSON,
		&autoStopMilli,
		&p.Registry,
		&p.AutoRemove,
		&p.SelfRegistered,
		&p.LastActiveAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(envJSON) > 0 {
		if err := json.Unmarshal(envJSON, &p.Env); err != nil {
			return nil, fmt.Errorf("failed to unmarshal provider env: %w", err)
		}
	}
	p.AutoStopTimeout = time.Duration(autoStopMilli) * time.Millisecond
	return &p, nil
}

func providerArgs(p *models.Provider) ([]any, error) {
	if p == nil || strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Location) == "" {
		return nil, ErrInvalidInput
	}
	env := p.Env
	if env == nil {
		env = []models.EnvVar{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal provider env: %w", err)
	}
	return []any{
		p.ID,
		p.Location,
		p.ImageRef,
		envJSON,
		p.AutoStopTimeout.Milliseconds(),
		p.Registry,
		p.AutoRemove,
		p.SelfRegistered,
	}, nil
}

// CreateProvider creates a provider record.
func (db *PostgreSQL) CreateProvider(ctx context.Context, tx pgx.Tx, provider *models.Provider) (*models.Provider, error) {
	args, err := providerArgs(provider)
	if err != nil {
		return nil, err
	}
	query := `
		INSERT INTO providers (id, location, image_ref, env, auto_stop_timeout_ms, registry, auto_remove, self_registered)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + providerColumns
	p, err := scanProvider(db.getExecutor(tx).QueryRow(ctx, query, args...))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}
	return p, nil
}

// UpsertProvider creates the provider or refreshes its resolved attributes.
// last_active_at and created_at are preserved.
func (db *PostgreSQL) UpsertProvider(ctx context.Context, tx pgx.Tx, provider *models.Provider) (*models.Provider, error) {
	args, err := providerArgs(provider)
	if err != nil {
		return nil, err
	}
	query := `
		INSERT INTO providers (id, location, image_ref, env, auto_stop_timeout_ms, registry, auto_remove, self_registered)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			image_ref = EXCLUDED.image_ref,
			env = EXCLUDED.env,
			auto_stop_timeout_ms = EXCLUDED.auto_stop_timeout_ms,
			registry = EXCLUDED.registry,
			auto_remove = EXCLUDED.auto_remove,
			self_registered = EXCLUDED.self_registered,
			updated_at = NOW()
		RETURNING ` + providerColumns
	p, err := scanProvider(db.getExecutor(tx).QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert provider: %w", err)
	}
	return p, nil
}

// GetProviderByID gets a provider by ID.
func (db *PostgreSQL) GetProviderByID(ctx context.Context, tx pgx.Tx, providerID string) (*models.Provider, error) {
	query := `SELECT ` + providerColumns + ` FROM providers WHERE id = $1`
	p, err := scanProvider(db.getExecutor(tx).QueryRow(ctx, query, providerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return p, nil
}

// ListProviders lists providers ordered by creation time.
func (db *PostgreSQL) ListProviders(ctx context.Context, tx pgx.Tx, filter *ProviderFilter) ([]*models.Provider, error) {
	var whereConditions []string
	args := []any{}
	argIndex := 1

	if filter != nil {
		if filter.Registry != nil {
			whereConditions = append(whereConditions, fmt.Sprintf("registry = $%d", argIndex))
			args = append(args, *filter.Registry)
			argIndex++
		}
		if filter.AutoRemove != nil {
			whereConditions = append(whereConditions, fmt.Sprintf("auto_remove = $%d", argIndex))
			args = append(args, *filter.AutoRemove)
		}
	}

	whereClause := ""
	if len(whereConditions) > 0 {
		whereClause = "WHERE " + strings.Join(whereConditions, " AND ")
	}

	query := fmt.Sprintf(`SELECT %s FROM providers %s ORDER BY created_at, id`, providerColumns, whereClause)
	rows, err := db.getExecutor(tx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var out []*models.Provider
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		// managed is derived from the location, so it is filtered here
		if filter != nil && filter.Managed != nil && p.Managed() != *filter.Managed {
			continue
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate providers: %w", err)
	}
	return out, nil
}

// DeleteProvider deletes a provider and, by cascade, its agents and run requests.
func (db *PostgreSQL) DeleteProvider(ctx context.Context, tx pgx.Tx, providerID string) error {
	result, err := db.getExecutor(tx).Exec(ctx, `DELETE FROM providers WHERE id = $1`, providerID)
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchProvider records routing activity. Concurrent bumps are last-write-wins.
func (db *PostgreSQL) TouchProvider(ctx context.Context, tx pgx.Tx, providerID string, at time.Time) error {
	result, err := db.getExecutor(tx).Exec(ctx, `UPDATE providers SET last_active_at = $2 WHERE id = $1`, providerID, at)
	if err != nil {
		return fmt.Errorf("failed to touch provider: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReplaceAgents makes agents the complete agent set of the provider. Agent
// names are unique across all providers.
func (db *PostgreSQL) ReplaceAgents(ctx context.Context, tx pgx.Tx, providerID string, agents []*models.Agent) error {
	executor := db.getExecutor(tx)
	names := make([]string, 0, len(agents))
	for _, a := range agents {
		names = append(names, a.Name)
	}
	if _, err := executor.Exec(ctx, `DELETE FROM agents WHERE provider_id = $1 AND NOT (name = ANY($2))`, providerID, names); err != nil {
		return fmt.Errorf("failed to prune agents: %w", err)
	}

	query := `
		INSERT INTO agents (id, provider_id, name, description, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET description = EXCLUDED.description, metadata = EXCLUDED.metadata
	`
	for _, a := range agents {
		metadata := a.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadataJSON, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal agent metadata: %w", err)
		}
		if _, err := executor.Exec(ctx, query, a.ID, providerID, a.Name, a.Description, metadataJSON); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: agent name %q is already taken", ErrAlreadyExists, a.Name)
			}
			return fmt.Errorf("failed to save agent %s: %w", a.Name, err)
		}
	}
	return nil
}

const agentColumns = `id, provider_id, name, description, metadata, created_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var (
		a            models.Agent
		metadataJSON []byte
	)
	if err := row.Scan(&a.ID, &a.ProviderID, &a.Name, &a.Description, &metadataJSON, &a.CreatedAt); err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &a.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agent metadata: %w", err)
		}
	}
	return &a, nil
}

// ListAgents lists agents, optionally restricted to one provider.
func (db *PostgreSQL) ListAgents(ctx context.Context, tx pgx.Tx, providerID *string) ([]*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	args := []any{}
	if providerID != nil {
		query += ` WHERE provider_id = $1`
		args = append(args, *providerID)
	}
	query += ` ORDER BY name`

	rows, err := db.getExecutor(tx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agents: %w", err)
	}
	return out, nil
}

// GetAgentByName gets an agent by its unique name.
func (db *PostgreSQL) GetAgentByName(ctx context.Context, tx pgx.Tx, name string) (*models.Agent, error) {
	a, err := scanAgent(db.getExecutor(tx).QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

// GetAgentByID gets an agent by ID.
func (db *PostgreSQL) GetAgentByID(ctx context.Context, tx pgx.Tx, agentID string) (*models.Agent, error) {
	a, err := scanAgent(db.getExecutor(tx).QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, agentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return a, nil
}

const runRequestColumns = `id, agent_id, provider_id, created_by, acp_run_id, acp_session_id, created_at, finished_at`

func scanRunRequest(row pgx.Row) (*models.AgentRunRequest, error) {
	var r models.AgentRunRequest
	if err := row.Scan(&r.ID, &r.AgentID, &r.ProviderID, &r.CreatedBy, &r.ACPRunID, &r.ACPSessionID, &r.CreatedAt, &r.FinishedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRunRequest records a proxied run before it is forwarded.
func (db *PostgreSQL) CreateRunRequest(ctx context.Context, tx pgx.Tx, req *models.AgentRunRequest) error {
	if req == nil || req.ID == "" || req.AgentID == "" || req.ProviderID == "" {
		return ErrInvalidInput
	}
	query := `
		INSERT INTO agent_run_requests (id, agent_id, provider_id, created_by, acp_run_id, acp_session_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	err := db.getExecutor(tx).QueryRow(ctx, query, req.ID, req.AgentID, req.ProviderID, req.CreatedBy, req.ACPRunID, req.ACPSessionID).Scan(&req.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create run request: %w", err)
	}
	return nil
}

// UpdateRunRequest sets the non-nil fields of update.
func (db *PostgreSQL) UpdateRunRequest(ctx context.Context, tx pgx.Tx, id string, update *RunRequestUpdate) error {
	if update == nil {
		return nil
	}
	query := `
		UPDATE agent_run_requests SET
			acp_run_id = COALESCE($2, acp_run_id),
			acp_session_id = COALESCE($3, acp_session_id),
			finished_at = COALESCE($4, finished_at)
		WHERE id = $1
	`
	result, err := db.getExecutor(tx).Exec(ctx, query, id, update.ACPRunID, update.ACPSessionID, update.FinishedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to update run request: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRunRequestByRunID gets the run request that recorded runID.
func (db *PostgreSQL) GetRunRequestByRunID(ctx context.Context, tx pgx.Tx, runID string) (*models.AgentRunRequest, error) {
	r, err := scanRunRequest(db.getExecutor(tx).QueryRow(ctx, `SELECT `+runRequestColumns+` FROM agent_run_requests WHERE acp_run_id = $1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run request: %w", err)
	}
	return r, nil
}

// GetRunRequestBySessionID gets the most recent run request in a session.
func (db *PostgreSQL) GetRunRequestBySessionID(ctx context.Context, tx pgx.Tx, sessionID string) (*models.AgentRunRequest, error) {
	query := `SELECT ` + runRequestColumns + ` FROM agent_run_requests WHERE acp_session_id = $1 ORDER BY created_at DESC LIMIT 1`
	r, err := scanRunRequest(db.getExecutor(tx).QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run request: %w", err)
	}
	return r, nil
}

// DeleteRunRequests removes finished requests older than finishedBefore and
// unfinished ones created before createdBefore.
func (db *PostgreSQL) DeleteRunRequests(ctx context.Context, tx pgx.Tx, finishedBefore, createdBefore time.Time) (int64, error) {
	query := `
		DELETE FROM agent_run_requests
		WHERE (finished_at IS NOT NULL AND finished_at < $1)
		   OR (finished_at IS NULL AND created_at < $2)
	`
	result, err := db.getExecutor(tx).Exec(ctx, query, finishedBefore, createdBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to delete run requests: %w", err)
	}
	return result.RowsAffected(), nil
}

// GetEnv reads the global environment. Inside a transaction the version row
// is locked until commit.
func (db *PostgreSQL) GetEnv(ctx context.Context, tx pgx.Tx) (*models.EnvSnapshot, error) {
	executor := db.getExecutor(tx)
	versionQuery := `SELECT version FROM env_version WHERE id = 1`
	if tx != nil {
		versionQuery += ` FOR UPDATE`
	}
	snapshot := &models.EnvSnapshot{Values: map[string]string{}}
	if err := executor.QueryRow(ctx, versionQuery).Scan(&snapshot.Version); err != nil {
		return nil, fmt.Errorf("failed to read env version: %w", err)
	}

	rows, err := executor.Query(ctx, `SELECT key, value FROM env_variables`)
	if err != nil {
		return nil, fmt.Errorf("failed to read env: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan env: %w", err)
		}
		snapshot.Values[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate env: %w", err)
	}
	return snapshot, nil
}

// UpdateEnv applies set and remove when the store is still at expectedVersion
// and returns the resulting snapshot.
func (db *PostgreSQL) UpdateEnv(ctx context.Context, tx pgx.Tx, expectedVersion int64, set map[string]string, remove []string) (*models.EnvSnapshot, error) {
	executor := db.getExecutor(tx)
	result, err := executor.Exec(ctx, `UPDATE env_version SET version = version + 1 WHERE id = 1 AND version = $1`, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to bump env version: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, ErrConflict
	}
	for k, v := range set {
		if _, err := executor.Exec(ctx, `INSERT INTO env_variables (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, k, v); err != nil {
			return nil, fmt.Errorf("failed to set env %s: %w", k, err)
		}
	}
	if len(remove) > 0 {
		if _, err := executor.Exec(ctx, `DELETE FROM env_variables WHERE key = ANY($1)`, remove); err != nil {
			return nil, fmt.Errorf("failed to remove env: %w", err)
		}
	}
	return db.GetEnv(ctx, tx)
}

// InTransaction executes a function within a database transaction
func (db *PostgreSQL) InTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	//nolint:contextcheck // rollback must run even if the request is cancelled
	defer func() {
		rollbackCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if rbErr := tx.Rollback(rollbackCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			dbLog.Warn("failed to rollback transaction", zap.Error(rbErr))
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *PostgreSQL) Close() error {
	db.pool.Close()
	return nil
}
