package jobs

import (
	"context"
	"time"

	"github.com/agentregistry-dev/agentplane/internal/registry/service"
)

// Task names of the registry maintenance jobs.
const (
	CatalogSyncJob  = "catalog-sync"
	AutoRemoveJob   = "auto-remove"
	RunRetentionJob = "run-retention"
)

// Maintainer is the part of the registry service the maintenance jobs drive.
type Maintainer interface {
	SyncCatalog(ctx context.Context, path string) (*service.CatalogSyncResult, error)
	RemoveUnresponsive(ctx context.Context, probeTimeout time.Duration) (*service.SweepStats, error)
	CleanupRunRequests(ctx context.Context, finished, stale time.Duration) (int64, error)
}

var _ Maintainer = (*service.Service)(nil)

// CatalogSync re-registers the catalog at path every interval.
func CatalogSync(m Maintainer, path string, interval time.Duration) Task {
	return Task{
		Name:      CatalogSyncJob,
		Interval:  interval,
		Immediate: true,
		Run: func(ctx context.Context) (map[string]any, error) {
			res, err := m.SyncCatalog(ctx, path)
			if res == nil {
				return nil, err
			}
			return map[string]any{"registered": res.Registered, "removed": res.Removed, "failures": res.Failures}, err
		},
	}
}

// AutoRemove deletes unmanaged providers that stopped answering.
func AutoRemove(m Maintainer, interval, probeTimeout time.Duration) Task {
	return Task{
		Name:     AutoRemoveJob,
		Interval: interval,
		Run: func(ctx context.Context) (map[string]any, error) {
			stats, err := m.RemoveUnresponsive(ctx, probeTimeout)
			if stats == nil {
				return nil, err
			}
			return map[string]any{"processed": stats.Processed, "removed": stats.Removed, "failures": stats.Failures}, err
		},
	}
}

// RunRetention deletes expired run requests.
func RunRetention(m Maintainer, interval, finished, stale time.Duration) Task {
	return Task{
		Name:     RunRetentionJob,
		Interval: interval,
		Run: func(ctx context.Context) (map[string]any, error) {
			n, err := m.CleanupRunRequests(ctx, finished, stale)
			return map[string]any{"deleted": n}, err
		},
	}
}
