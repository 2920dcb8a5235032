package database

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentregistry-dev/agentplane/pkg/models"
)

// Memory is an in-process Database. Transactions are serialized. Writes made
// through a transaction's context are recorded in an undo log and reverted
// when fn fails; writes from outside the transaction are kept.
type Memory struct {
	txMu sync.Mutex

	mu          sync.RWMutex
	providers   map[string]*models.Provider
	agents      map[string]*models.Agent
	runRequests map[string]*models.AgentRunRequest
	env         map[string]string
	envVersion  int64
	now         func() time.Time
}

var _ Database = (*Memory)(nil)

// NewMemory creates an empty in-memory database.
func NewMemory() *Memory {
	return &Memory{
		providers:   map[string]*models.Provider{},
		agents:      map[string]*models.Agent{},
		runRequests: map[string]*models.AgentRunRequest{},
		env:         map[string]string{},
		now:         time.Now,
	}
}

type undoKey struct{}

// undoLog holds the first prior image of every row a transaction wrote.
// A nil image means the row did not exist.
type undoLog struct {
	providers   map[string]*models.Provider
	agents      map[string]*models.Agent
	runRequests map[string]*models.AgentRunRequest
	env         map[string]string
	envVersion  int64
	envSaved    bool
}

func undoFrom(ctx context.Context) *undoLog {
	u, _ := ctx.Value(undoKey{}).(*undoLog)
	return u
}

// The save helpers are called with m.mu held.

func (m *Memory) saveProvider(ctx context.Context, id string) {
	u := undoFrom(ctx)
	if u == nil {
		return
	}
	if _, ok := u.providers[id]; ok {
		return
	}
	var prior *models.Provider
	if p, ok := m.providers[id]; ok {
		prior = copyProvider(p)
	}
	u.providers[id] = prior
}

func (m *Memory) saveAgent(ctx context.Context, id string) {
	u := undoFrom(ctx)
	if u == nil {
		return
	}
	if _, ok := u.agents[id]; ok {
		return
	}
	var prior *models.Agent
	if a, ok := m.agents[id]; ok {
		c := *a
		prior = &c
	}
	u.agents[id] = prior
}

func (m *Memory) saveRunRequest(ctx context.Context, id string) {
	u := undoFrom(ctx)
	if u == nil {
		return
	}
	if _, ok := u.runRequests[id]; ok {
		return
	}
	var prior *models.AgentRunRequest
	if r, ok := m.runRequests[id]; ok {
		c := *r
		prior = &c
	}
	u.runRequests[id] = prior
}

func (m *Memory) saveEnv(ctx context.Context) {
	u := undoFrom(ctx)
	if u == nil || u.envSaved {
		return
	}
	u.env = maps.Clone(m.env)
	u.envVersion = m.envVersion
	u.envSaved = true
}

func (m *Memory) undo(u *undoLog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range u.providers {
		if p == nil {
			delete(m.providers, id)
		} else {
			m.providers[id] = p
		}
	}
	for id, a := range u.agents {
		if a == nil {
			delete(m.agents, id)
		} else {
			m.agents[id] = a
		}
	}
	for id, r := range u.runRequests {
		if r == nil {
			delete(m.runRequests, id)
		} else {
			m.runRequests[id] = r
		}
	}
	if u.envSaved {
		m.env = u.env
		m.envVersion = u.envVersion
	}
}

func copyProvider(p *models.Provider) *models.Provider {
	out := *p
	out.Env = append([]models.EnvVar(nil), p.Env...)
	if p.LastActiveAt != nil {
		t := *p.LastActiveAt
		out.LastActiveAt = &t
	}
	return &out
}

func (m *Memory) CreateProvider(ctx context.Context, _ pgx.Tx, provider *models.Provider) (*models.Provider, error) {
	if provider == nil || provider.ID == "" || provider.Location == "" {
		return nil, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[provider.ID]; ok {
		return nil, ErrAlreadyExists
	}
	m.saveProvider(ctx, provider.ID)
	p := copyProvider(provider)
	p.CreatedAt = m.now()
	p.UpdatedAt = p.CreatedAt
	m.providers[p.ID] = p
	return copyProvider(p), nil
}

func (m *Memory) UpsertProvider(ctx context.Context, _ pgx.Tx, provider *models.Provider) (*models.Provider, error) {
	if provider == nil || provider.ID == "" || provider.Location == "" {
		return nil, ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveProvider(ctx, provider.ID)
	p := copyProvider(provider)
	p.UpdatedAt = m.now()
	if existing, ok := m.providers[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
		p.LastActiveAt = existing.LastActiveAt
	} else {
		p.CreatedAt = p.UpdatedAt
		p.LastActiveAt = nil
	}
	m.providers[p.ID] = p
	return copyProvider(p), nil
}

func (m *Memory) GetProviderByID(_ context.Context, _ pgx.Tx, providerID string) (*models.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[providerID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyProvider(p), nil
}

func (m *Memory) ListProviders(_ context.Context, _ pgx.Tx, filter *ProviderFilter) ([]*models.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Provider
	for _, p := range m.providers {
		if filter != nil {
			if filter.Registry != nil && p.Registry != *filter.Registry {
				continue
			}
			if filter.AutoRemove != nil && p.AutoRemove != *filter.AutoRemove {
				continue
			}
			if filter.Managed != nil && p.Managed() != *filter.Managed {
				continue
			}
		}
		out = append(out, copyProvider(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) DeleteProvider(ctx context.Context, _ pgx.Tx, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[providerID]; !ok {
		return ErrNotFound
	}
	m.saveProvider(ctx, providerID)
	delete(m.providers, providerID)
	for id, a := range m.agents {
		if a.ProviderID == providerID {
			m.saveAgent(ctx, id)
			delete(m.agents, id)
		}
	}
	for id, r := range m.runRequests {
		if r.ProviderID == providerID {
			m.saveRunRequest(ctx, id)
			delete(m.runRequests, id)
		}
	}
	return nil
}

func (m *Memory) TouchProvider(ctx context.Context, _ pgx.Tx, providerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[providerID]
	if !ok {
		return ErrNotFound
	}
	m.saveProvider(ctx, providerID)
	p.LastActiveAt = &at
	return nil
}

func (m *Memory) ReplaceAgents(ctx context.Context, _ pgx.Tx, providerID string, agents []*models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := make(map[string]bool, len(agents))
	for _, a := range agents {
		for _, existing := range m.agents {
			if existing.Name == a.Name && existing.ProviderID != providerID {
				return fmt.Errorf("%w: agent name %q is already taken", ErrAlreadyExists, a.Name)
			}
		}
		keep[a.ID] = true
	}
	for id, a := range m.agents {
		if a.ProviderID == providerID && !keep[id] {
			m.saveAgent(ctx, id)
			delete(m.agents, id)
		}
	}
	for _, a := range agents {
		m.saveAgent(ctx, a.ID)
		stored := *a
		stored.ProviderID = providerID
		if existing, ok := m.agents[a.ID]; ok {
			stored.CreatedAt = existing.CreatedAt
		} else {
			stored.CreatedAt = m.now()
		}
		m.agents[a.ID] = &stored
	}
	return nil
}

func (m *Memory) ListAgents(_ context.Context, _ pgx.Tx, providerID *string) ([]*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Agent
	for _, a := range m.agents {
		if providerID != nil && a.ProviderID != *providerID {
			continue
		}
		agent := *a
		out = append(out, &agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) GetAgentByName(_ context.Context, _ pgx.Tx, name string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.agents {
		if a.Name == name {
			agent := *a
			return &agent, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetAgentByID(_ context.Context, _ pgx.Tx, agentID string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	agent := *a
	return &agent, nil
}

func (m *Memory) CreateRunRequest(ctx context.Context, _ pgx.Tx, req *models.AgentRunRequest) error {
	if req == nil || req.ID == "" || req.AgentID == "" || req.ProviderID == "" {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.providers[req.ProviderID]; !ok {
		return fmt.Errorf("%w: unknown provider %s", ErrInvalidInput, req.ProviderID)
	}
	if _, ok := m.runRequests[req.ID]; ok {
		return ErrAlreadyExists
	}
	m.saveRunRequest(ctx, req.ID)
	req.CreatedAt = m.now()
	stored := *req
	m.runRequests[req.ID] = &stored
	return nil
}

func (m *Memory) UpdateRunRequest(ctx context.Context, _ pgx.Tx, id string, update *RunRequestUpdate) error {
	if update == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runRequests[id]
	if !ok {
		return ErrNotFound
	}
	if update.ACPRunID != nil {
		for otherID, other := range m.runRequests {
			if otherID != id && other.ACPRunID != nil && *other.ACPRunID == *update.ACPRunID {
				return ErrAlreadyExists
			}
		}
	}
	m.saveRunRequest(ctx, id)
	if update.ACPRunID != nil {
		runID := *update.ACPRunID
		r.ACPRunID = &runID
	}
	if update.ACPSessionID != nil {
		sessionID := *update.ACPSessionID
		r.ACPSessionID = &sessionID
	}
	if update.FinishedAt != nil {
		finished := *update.FinishedAt
		r.FinishedAt = &finished
	}
	return nil
}

func (m *Memory) GetRunRequestByRunID(_ context.Context, _ pgx.Tx, runID string) (*models.AgentRunRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runRequests {
		if r.ACPRunID != nil && *r.ACPRunID == runID {
			out := *r
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) GetRunRequestBySessionID(_ context.Context, _ pgx.Tx, sessionID string) (*models.AgentRunRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *models.AgentRunRequest
	for _, r := range m.runRequests {
		if r.ACPSessionID == nil || *r.ACPSessionID != sessionID {
			continue
		}
		if latest == nil || r.CreatedAt.After(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	out := *latest
	return &out, nil
}

func (m *Memory) DeleteRunRequests(ctx context.Context, _ pgx.Tx, finishedBefore, createdBefore time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.runRequests {
		expired := (r.FinishedAt != nil && r.FinishedAt.Before(finishedBefore)) ||
			(r.FinishedAt == nil && r.CreatedAt.Before(createdBefore))
		if expired {
			m.saveRunRequest(ctx, id)
			delete(m.runRequests, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetEnv(_ context.Context, _ pgx.Tx) (*models.EnvSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &models.EnvSnapshot{Values: maps.Clone(m.env), Version: m.envVersion}, nil
}

func (m *Memory) UpdateEnv(ctx context.Context, _ pgx.Tx, expectedVersion int64, set map[string]string, remove []string) (*models.EnvSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.envVersion != expectedVersion {
		return nil, ErrConflict
	}
	m.saveEnv(ctx)
	maps.Copy(m.env, set)
	for _, k := range remove {
		delete(m.env, k)
	}
	m.envVersion++
	return &models.EnvSnapshot{Values: maps.Clone(m.env), Version: m.envVersion}, nil
}

// InTransaction runs fn with a nil transaction. Writes must use the context
// passed to fn to be reverted when fn returns an error.
func (m *Memory) InTransaction(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	u := &undoLog{
		providers:   map[string]*models.Provider{},
		agents:      map[string]*models.Agent{},
		runRequests: map[string]*models.AgentRunRequest{},
	}
	if err := fn(context.WithValue(ctx, undoKey{}, u), nil); err != nil {
		m.undo(u)
		return err
	}
	return nil
}

func (m *Memory) Close() error { return nil }
