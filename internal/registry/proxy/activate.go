package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/internal/runtime/deployment"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

// Activation stages, reported in ActivationError.
const (
	StageState   = "state"
	StageEnv     = "env"
	StageDeploy  = "deploy"
	StageStartup = "startup"
	StageForward = "forward"
)

// ActivationError reports which provider failed to become servable and where.
type ActivationError struct {
	ProviderID string
	Stage      string
	Err        error
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("provider %s failed at %s: %v", e.ProviderID, e.Stage, e.Err)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// PublicMessage describes the failure without upstream addresses or backend details.
func (e *ActivationError) PublicMessage() string {
	switch {
	case errors.Is(e.Err, deployment.ErrStartupTimeout):
		return fmt.Sprintf("provider %s did not start in time", e.ProviderID)
	case errors.Is(e.Err, deployment.ErrDeploymentFailed):
		return fmt.Sprintf("provider %s deployment is failing", e.ProviderID)
	default:
		return fmt.Sprintf("provider %s could not be activated (stage: %s)", e.ProviderID, e.Stage)
	}
}

// Activate brings a provider into a servable state and returns its base URL.
// Unmanaged providers are returned as-is. Cancelling ctx abandons the wait for
// this caller only; a reconcile shared with other requests keeps running.
func (s *Service) Activate(ctx context.Context, provider *models.Provider) (string, error) {
	ctx = logging.SetProviderID(ctx, provider.ID)
	if !provider.Managed() {
		return provider.URL(), nil
	}

	start := s.now()
	stage, err := s.activate(ctx, provider)
	s.metrics.RecordActivation(ctx, stage, time.Since(start), err)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logging.L(ctx, s.log).Warn("provider activation failed", zap.String("stage", stage), zap.Error(err))
		return "", &ActivationError{ProviderID: provider.ID, Stage: stage, Err: err}
	}
	return s.manager.ProviderURL(provider.ID), nil
}

func (s *Service) activate(ctx context.Context, provider *models.Provider) (string, error) {
	states, err := s.manager.State(ctx, []string{provider.ID})
	if err != nil {
		return StageState, err
	}
	state := states[0]
	switch state {
	case models.DeploymentStateError:
		return StageState, fmt.Errorf("%w: deployment reports an error", deployment.ErrDeploymentFailed)
	case models.DeploymentStateRunning:
		return StageForward, nil
	}

	logging.L(ctx, s.log).Info("activating provider", zap.String("state", string(state)))
	changed, stage, err := s.reconcile(ctx, provider)
	if err != nil {
		return stage, err
	}
	if changed || state != models.DeploymentStateRunning {
		if err := s.manager.WaitForStartup(ctx, provider.ID, s.opts.StartupTimeout); err != nil {
			return StageStartup, err
		}
	}
	return StageForward, nil
}

type reconcileResult struct {
	changed bool
	stage   string
}

// reconcile runs create_or_replace once per provider no matter how many
// requests are activating it, detached from any one caller's cancellation.
func (s *Service) reconcile(ctx context.Context, provider *models.Provider) (bool, string, error) {
	ch := s.activations.DoChan(provider.ID, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ActivationTimeout)
		defer cancel()

		env, err := s.db.GetEnv(shared, nil)
		if err != nil {
			return reconcileResult{stage: StageEnv}, err
		}
		changed, err := s.manager.CreateOrReplace(shared, provider, env.Values)
		if err != nil {
			return reconcileResult{stage: StageDeploy}, err
		}
		return reconcileResult{changed: changed, stage: StageDeploy}, nil
	})

	select {
	case <-ctx.Done():
		return false, StageDeploy, ctx.Err()
	case res := <-ch:
		r, _ := res.Val.(reconcileResult)
		if r.stage == "" {
			r.stage = StageDeploy
		}
		return r.changed, r.stage, res.Err
	}
}
