package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/ptr"

	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/internal/registry/telemetry"
	"github.com/agentregistry-dev/agentplane/internal/runtime/deployment"
	"github.com/agentregistry-dev/agentplane/pkg/models"
	"github.com/agentregistry-dev/agentplane/pkg/registry/database"
)

// IdleScaleDownJob is the task name of the idle sweep.
const IdleScaleDownJob = "idle-scale-down"

// ActivityTracker reports requests currently being served per provider.
type ActivityTracker interface {
	InFlight(providerID string) int
}

// IdleScaleDown parks running managed providers that have not served a
// request within their auto-stop timeout.
type IdleScaleDown struct {
	db       database.Database
	manager  deployment.Manager
	activity ActivityTracker
	metrics  *telemetry.Metrics
	now      func() time.Time
	log      *zap.Logger
}

// ScaleDownResult summarizes one sweep.
type ScaleDownResult struct {
	Checked    int      `json:"checked"`
	ScaledDown []string `json:"scaledDown"`
}

// NewIdleScaleDown creates the sweep. activity may be nil.
func NewIdleScaleDown(db database.Database, manager deployment.Manager, activity ActivityTracker, metrics *telemetry.Metrics) *IdleScaleDown {
	return &IdleScaleDown{
		db:       db,
		manager:  manager,
		activity: activity,
		metrics:  metrics,
		now:      time.Now,
		log:      logging.JobLog,
	}
}

// WithClock overrides time.Now, for tests.
func (j *IdleScaleDown) WithClock(now func() time.Time) *IdleScaleDown {
	j.now = now
	return j
}

// Run evaluates every running managed provider. A failure to scale one
// provider does not stop the others; all failures are returned joined.
func (j *IdleScaleDown) Run(ctx context.Context) (*ScaleDownResult, error) {
	providers, err := j.db.ListProviders(ctx, nil, &database.ProviderFilter{Managed: ptr.To(true)})
	if err != nil {
		return nil, err
	}
	result := &ScaleDownResult{ScaledDown: []string{}}
	if len(providers) == 0 {
		return result, nil
	}
	ids := make([]string, len(providers))
	for i, p := range providers {
		ids[i] = p.ID
	}
	states, err := j.manager.State(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment state: %w", err)
	}

	now := j.now()
	var errs []error
	for i, p := range providers {
		if states[i] != models.DeploymentStateRunning {
			continue
		}
		result.Checked++
		if !j.idle(p, now) {
			continue
		}
		pctx := logging.SetProviderID(ctx, p.ID)
		err := j.manager.ScaleDown(pctx, p.ID)
		j.metrics.RecordScaleDown(pctx, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", p.ID, err))
			continue
		}
		result.ScaledDown = append(result.ScaledDown, p.ID)
		logging.L(pctx, j.log).Info("idle provider scaled down",
			zap.Duration("auto_stop_timeout", p.EffectiveAutoStopTimeout()))
	}
	return result, errors.Join(errs...)
}

func (j *IdleScaleDown) idle(p *models.Provider, now time.Time) bool {
	if j.activity != nil && j.activity.InFlight(p.ID) > 0 {
		return false
	}
	last := p.UpdatedAt
	if p.LastActiveAt != nil {
		last = *p.LastActiveAt
	}
	return now.After(last.Add(p.EffectiveAutoStopTimeout()))
}

// Task adapts the sweep for the scheduler.
func (j *IdleScaleDown) Task(interval time.Duration) Task {
	return Task{
		Name:     IdleScaleDownJob,
		Interval: interval,
		Run: func(ctx context.Context) (map[string]any, error) {
			res, err := j.Run(ctx)
			if res == nil {
				return nil, err
			}
			return map[string]any{"checked": res.Checked, "scaledDown": res.ScaledDown}, err
		},
	}
}
