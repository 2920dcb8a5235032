package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/ptr"

	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/internal/registry/provider"
	"github.com/agentregistry-dev/agentplane/pkg/registry/database"
)

// SweepStats tracks the outcome of a sweep over providers.
type SweepStats struct {
	Processed int `json:"processed"`
	Removed   int `json:"removed"`
	Failures  int `json:"failures"`
}

// RemoveUnresponsive deletes unmanaged auto-remove providers that no longer
// answer GET /agents. Each probe is bounded by probeTimeout.
func (s *Service) RemoveUnresponsive(ctx context.Context, probeTimeout time.Duration) (*SweepStats, error) {
	providers, err := s.db.ListProviders(ctx, nil, &database.ProviderFilter{
		AutoRemove: ptr.To(true),
		Managed:    ptr.To(false),
	})
	if err != nil {
		return nil, err
	}

	stats := &SweepStats{}
	var errs []error
	for _, p := range providers {
		stats.Processed++
		pctx := logging.SetProviderID(ctx, p.ID)
		probeCtx, cancel := context.WithTimeout(pctx, probeTimeout)
		probeErr := provider.Ping(probeCtx, s.client, p.URL())
		cancel()
		if probeErr == nil {
			continue
		}
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		logging.L(pctx, s.log).Info("removing unresponsive provider",
			zap.String("location", p.Location), zap.Error(probeErr))
		if err := s.DeleteProvider(pctx, p.ID); err != nil && !errors.Is(err, database.ErrNotFound) {
			stats.Failures++
			errs = append(errs, fmt.Errorf("provider %s: %w", p.ID, err))
			continue
		}
		stats.Removed++
	}
	return stats, errors.Join(errs...)
}

// CleanupRunRequests deletes run requests finished longer than finished ago,
// and unfinished ones created longer than stale ago.
func (s *Service) CleanupRunRequests(ctx context.Context, finished, stale time.Duration) (int64, error) {
	now := s.now()
	n, err := s.db.DeleteRunRequests(ctx, nil, now.Add(-finished), now.Add(-stale))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired run requests: %w", err)
	}
	if n > 0 {
		logging.L(ctx, s.log).Info("expired run requests deleted", zap.Int64("count", n))
	}
	return n, nil
}
