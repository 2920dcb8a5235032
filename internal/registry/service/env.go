package service

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"k8s.io/utils/ptr"

	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/pkg/models"
	"github.com/agentregistry-dev/agentplane/pkg/registry/database"
)

// EnvRotationResult reports a successful env update.
type EnvRotationResult struct {
	Version int64 `json:"version"`
	// Rotated lists the providers redeployed with the new environment.
	Rotated []string `json:"rotated"`
}

// UpdateEnv persists set and remove and, within the same transaction,
// redeploys every managed provider that declares one of the changed keys.
// If a redeploy fails, providers already rotated are reconciled back to the
// previous environment and the original error is returned.
func (s *Service) UpdateEnv(ctx context.Context, set map[string]string, remove []string) (*EnvRotationResult, error) {
	changed := slices.Concat(slices.Collect(maps.Keys(set)), remove)
	if len(changed) == 0 {
		return nil, fmt.Errorf("%w: no variables to change", database.ErrInvalidInput)
	}
	for _, k := range changed {
		if k == "" {
			return nil, fmt.Errorf("%w: variable names must not be empty", database.ErrInvalidInput)
		}
	}
	log := logging.L(ctx, s.log)

	var (
		previous *models.EnvSnapshot
		rotated  []*models.Provider
	)
	result, err := database.InTransactionT(ctx, s.db, func(ctx context.Context, tx pgx.Tx) (*EnvRotationResult, error) {
		current, err := s.db.GetEnv(ctx, tx)
		if err != nil {
			return nil, err
		}
		previous = current
		next, err := s.db.UpdateEnv(ctx, tx, current.Version, set, remove)
		if err != nil {
			return nil, err
		}

		affected, err := s.affectedProviders(ctx, tx, changed)
		if err != nil {
			return nil, err
		}
		out := &EnvRotationResult{Version: next.Version, Rotated: []string{}}
		for _, p := range affected {
			if _, err := s.manager.CreateOrReplace(logging.SetProviderID(ctx, p.ID), p, next.Values); err != nil {
				return nil, fmt.Errorf("failed to rotate env of provider %s: %w", p.ID, err)
			}
			rotated = append(rotated, p)
			out.Rotated = append(out.Rotated, p.ID)
		}
		return out, nil
	})
	s.metrics.RecordEnvRotation(ctx, err)
	if err != nil {
		if len(rotated) > 0 && previous != nil {
			s.rollbackEnv(ctx, rotated, previous.Values)
		}
		return nil, err
	}

	log.Info("environment updated",
		zap.Strings("keys", changed),
		zap.Int64("version", result.Version),
		zap.Strings("rotated", result.Rotated))
	return result, nil
}

// affectedProviders returns the deployed managed providers declaring any of keys.
// Providers without a deployment pick up the new environment on activation.
func (s *Service) affectedProviders(ctx context.Context, tx pgx.Tx, keys []string) ([]*models.Provider, error) {
	managed, err := s.db.ListProviders(ctx, tx, &database.ProviderFilter{Managed: ptr.To(true)})
	if err != nil {
		return nil, err
	}
	var candidates []*models.Provider
	var ids []string
	for _, p := range managed {
		if p.DeclaresAny(keys) {
			candidates = append(candidates, p)
			ids = append(ids, p.ID)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	states, err := s.manager.State(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment state: %w", err)
	}
	var out []*models.Provider
	for i, p := range candidates {
		if states[i] != models.DeploymentStateMissing {
			out = append(out, p)
		}
	}
	return out, nil
}

// rollbackEnv is best effort: failures are logged and never replace the
// error that triggered the rollback.
func (s *Service) rollbackEnv(ctx context.Context, rotated []*models.Provider, values map[string]string) {
	ctx = context.WithoutCancel(ctx)
	for _, p := range rotated {
		pctx := logging.SetProviderID(ctx, p.ID)
		if _, err := s.manager.CreateOrReplace(pctx, p, values); err != nil {
			logging.L(pctx, s.log).Error("failed to roll back provider environment", zap.Error(err))
			continue
		}
		logging.L(pctx, s.log).Warn("provider environment rolled back")
	}
}
