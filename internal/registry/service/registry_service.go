package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/internal/registry/provider"
	"github.com/agentregistry-dev/agentplane/internal/registry/telemetry"
	"github.com/agentregistry-dev/agentplane/internal/runtime/deployment"
	"github.com/agentregistry-dev/agentplane/pkg/models"
	"github.com/agentregistry-dev/agentplane/pkg/registry/database"
)

const (
	defaultLogLines  = 100
	defaultLogWindow = 3 * time.Second
)

// LocationResolver turns parsed sources into installable locations.
type LocationResolver interface {
	Resolve(src models.Source) (provider.Location, error)
}

var _ LocationResolver = (*provider.Resolver)(nil)

// Service implements the RegistryService interface using our Database and a
// deployment manager for managed providers. It also runs the catalog sync and
// the periodic sweeps.
type Service struct {
	db        database.Database
	manager   deployment.Manager
	locations LocationResolver
	metrics   *telemetry.Metrics
	client    *http.Client
	log       *zap.Logger
	now       func() time.Time

	defaultAutoStop time.Duration
	logWindow       time.Duration
}

// Option configures the registry service.
type Option func(*Service)

// WithMetrics records env rotations.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithHTTPClient sets the client used to probe unmanaged providers.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithDefaultAutoStopTimeout applies to providers registered without one.
func WithDefaultAutoStopTimeout(d time.Duration) Option {
	return func(s *Service) { s.defaultAutoStop = d }
}

// WithLogWindow bounds how long ProviderLogs collects lines.
func WithLogWindow(d time.Duration) Option {
	return func(s *Service) { s.logWindow = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewRegistryService creates a new registry service with the provided database and deployment manager
func NewRegistryService(db database.Database, manager deployment.Manager, locations LocationResolver, opts ...Option) *Service {
	s := &Service{
		db:              db,
		manager:         manager,
		locations:       locations,
		client:          &http.Client{Timeout: 10 * time.Second},
		log:             logging.ServiceLog,
		now:             time.Now,
		defaultAutoStop: models.DefaultAutoStopTimeout,
		logWindow:       defaultLogWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ RegistryService = (*Service)(nil)

// RegisterProvider resolves a location into a provider. Registering the same
// location again refreshes the provider and its agents in place.
func (s *Service) RegisterProvider(ctx context.Context, in *models.CreateProviderInput) (*models.ProviderStatus, error) {
	if in == nil || strings.TrimSpace(in.Location) == "" {
		return nil, fmt.Errorf("%w: location is required", database.ErrInvalidInput)
	}
	if in.AutoStopTimeout < 0 {
		return nil, fmt.Errorf("%w: autoStopTimeout must not be negative", database.ErrInvalidInput)
	}
	src, err := models.ParseSource(in.Location)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", database.ErrInvalidInput, err)
	}
	loc, err := s.locations.Resolve(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", database.ErrInvalidInput, err)
	}

	location := src.String()
	p := &models.Provider{
		ID:              models.ComputeProviderID(location),
		Location:        location,
		AutoStopTimeout: in.AutoStopTimeout,
		Registry:        in.Registry,
	}
	if p.AutoStopTimeout == 0 {
		p.AutoStopTimeout = s.defaultAutoStop
	}
	if !src.Managed() {
		p.AutoRemove = in.AutoRemove
		p.SelfRegistered = in.SelfRegistered
	}
	ctx = logging.SetProviderID(ctx, p.ID)
	log := logging.L(ctx, s.log)

	imageRef, err := loc.Install(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to install provider %s: %w", location, err)
	}
	p.ImageRef = imageRef

	manifest, err := loc.LoadManifest(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent manifest of %s: %w", location, err)
	}
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", database.ErrInvalidInput, err)
	}
	p.Env = manifest.Env()

	env, err := s.db.GetEnv(ctx, nil)
	if err != nil {
		return nil, err
	}
	if _, err := p.CheckEnv(env.Values, true); err != nil {
		return nil, err
	}

	agents := agentsFromManifest(p.ID, manifest)
	saved, err := database.InTransactionT(ctx, s.db, func(ctx context.Context, tx pgx.Tx) (*models.Provider, error) {
		saved, err := s.db.UpsertProvider(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		if err := s.db.ReplaceAgents(ctx, tx, saved.ID, agents); err != nil {
			return nil, err
		}
		return saved, nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("provider registered",
		zap.String("location", location),
		zap.Bool("managed", src.Managed()),
		zap.Int("agents", len(agents)))
	return s.withState(ctx, saved)
}

func agentsFromManifest(providerID string, m *models.AgentManifest) []*models.Agent {
	agents := make([]*models.Agent, 0, len(m.Agents))
	for _, entry := range m.Agents {
		metadata := make(map[string]any, len(entry.Metadata)+1)
		for k, v := range entry.Metadata {
			metadata[k] = v
		}
		if len(entry.Env) > 0 {
			metadata["env"] = entry.Env
		}
		agents = append(agents, &models.Agent{
			ID:          models.ComputeAgentID(providerID, entry.Name),
			ProviderID:  providerID,
			Name:        entry.Name,
			Description: entry.Description,
			Metadata:    metadata,
		})
	}
	return agents
}

// GetProvider retrieves a provider with its deployment state
func (s *Service) GetProvider(ctx context.Context, providerID string) (*models.ProviderStatus, error) {
	p, err := s.db.GetProviderByID(ctx, nil, providerID)
	if err != nil {
		return nil, err
	}
	return s.withState(ctx, p)
}

// ListProviders returns providers with their deployment state, read in one batch
func (s *Service) ListProviders(ctx context.Context, filter *database.ProviderFilter) ([]*models.ProviderStatus, error) {
	providers, err := s.db.ListProviders(ctx, nil, filter)
	if err != nil {
		return nil, err
	}
	return s.withStates(ctx, providers)
}

func (s *Service) withState(ctx context.Context, p *models.Provider) (*models.ProviderStatus, error) {
	out, err := s.withStates(ctx, []*models.Provider{p})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// withStates pairs providers with their state. Unmanaged providers have no
// deployment and are reported as running.
func (s *Service) withStates(ctx context.Context, providers []*models.Provider) ([]*models.ProviderStatus, error) {
	var managedIDs []string
	for _, p := range providers {
		if p.Managed() {
			managedIDs = append(managedIDs, p.ID)
		}
	}
	states := map[string]models.ProviderDeploymentState{}
	if len(managedIDs) > 0 {
		list, err := s.manager.State(ctx, managedIDs)
		if err != nil {
			return nil, fmt.Errorf("failed to read deployment state: %w", err)
		}
		for i, id := range managedIDs {
			states[id] = list[i]
		}
	}

	out := make([]*models.ProviderStatus, 0, len(providers))
	for _, p := range providers {
		state := models.DeploymentStateRunning
		if p.Managed() {
			state = states[p.ID]
		}
		out = append(out, &models.ProviderStatus{Provider: *p, State: state})
	}
	return out, nil
}

// DeleteProvider removes the deployment first so a failed teardown leaves the
// provider registered and retryable.
func (s *Service) DeleteProvider(ctx context.Context, providerID string) error {
	p, err := s.db.GetProviderByID(ctx, nil, providerID)
	if err != nil {
		return err
	}
	ctx = logging.SetProviderID(ctx, p.ID)
	if p.Managed() {
		if err := s.manager.Delete(ctx, p.ID); err != nil {
			return fmt.Errorf("failed to delete deployment of provider %s: %w", p.ID, err)
		}
	}
	if err := s.db.DeleteProvider(ctx, nil, p.ID); err != nil {
		return err
	}
	logging.L(ctx, s.log).Info("provider deleted", zap.String("location", p.Location))
	return nil
}

// ProviderLogs tails the provider's logs for a short window. Log streaming is
// best effort: collected lines are returned even when the stream fails.
func (s *Service) ProviderLogs(ctx context.Context, providerID string, limit int) ([]string, error) {
	p, err := s.db.GetProviderByID(ctx, nil, providerID)
	if err != nil {
		return nil, err
	}
	if !p.Managed() {
		return nil, fmt.Errorf("%w: provider %s is not managed", database.ErrInvalidInput, providerID)
	}
	if limit <= 0 {
		limit = defaultLogLines
	}

	streamCtx, cancel := context.WithTimeout(logging.SetProviderID(ctx, p.ID), s.logWindow)
	defer cancel()

	lines := make([]string, 0, limit)
	err = s.manager.StreamLogs(streamCtx, p.ID, func(line string) {
		if len(lines) == limit {
			lines = slices.Delete(lines, 0, 1)
		}
		lines = append(lines, line)
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		logging.L(streamCtx, s.log).Warn("log stream failed", zap.Error(err))
	}
	return lines, nil
}

func (s *Service) ListAgents(ctx context.Context, providerID *string) ([]*models.Agent, error) {
	return s.db.ListAgents(ctx, nil, providerID)
}

func (s *Service) GetAgentByName(ctx context.Context, name string) (*models.Agent, error) {
	return s.db.GetAgentByName(ctx, nil, name)
}

func (s *Service) ListVariables(ctx context.Context) ([]string, error) {
	env, err := s.db.GetEnv(ctx, nil)
	if err != nil {
		return nil, err
	}
	keys := env.Keys()
	slices.Sort(keys)
	return keys, nil
}
