// Package jobs runs the control plane's periodic maintenance tasks.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentregistry-dev/agentplane/internal/registry/logging"
	"github.com/agentregistry-dev/agentplane/internal/registry/telemetry"
)

// ErrUnknownJob is returned when triggering a task that was never added.
var ErrUnknownJob = errors.New("unknown job")

// Func performs one run of a task and returns a summary for the job history.
type Func func(ctx context.Context) (map[string]any, error)

// Task is a named job executed every Interval.
type Task struct {
	Name     string
	Interval time.Duration
	Run      Func
	// Immediate runs the task once at startup instead of waiting a full interval.
	Immediate bool
}

// Scheduler runs tasks on their own tickers. A failing run is recorded and
// logged and never stops the scheduler.
type Scheduler struct {
	store   *Store
	metrics *telemetry.Metrics
	log     *zap.Logger

	mu    sync.Mutex
	tasks map[string]Task
	names []string
}

// NewScheduler creates a scheduler recording runs into store.
func NewScheduler(store *Store, metrics *telemetry.Metrics) *Scheduler {
	return &Scheduler{
		store:   store,
		metrics: metrics,
		log:     logging.JobLog,
		tasks:   make(map[string]Task),
	}
}

// Add registers a task. Tasks with a non-positive interval are ignored.
func (s *Scheduler) Add(t Task) {
	if t.Interval <= 0 || t.Run == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[t.Name]; !exists {
		s.names = append(s.names, t.Name)
	}
	s.tasks[t.Name] = t
}

// Tasks returns the registered task names in registration order.
func (s *Scheduler) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.names...)
}

// Store returns the job history.
func (s *Scheduler) Store() *Store { return s.store }

// Start runs every task until ctx is cancelled and blocks until all of them
// have stopped.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	tasks := make([]Task, 0, len(s.names))
	for _, name := range s.names {
		tasks = append(tasks, s.tasks[name])
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range tasks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, t)
		}()
	}
	s.log.Info("job scheduler started", zap.Int("tasks", len(tasks)))
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	if t.Immediate {
		s.execute(ctx, t)
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.execute(ctx, t)
		}
	}
}

// Trigger runs a registered task now, outside its schedule.
func (s *Scheduler) Trigger(ctx context.Context, name string) (*Job, error) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownJob, name)
	}
	return s.execute(ctx, t), nil
}

func (s *Scheduler) execute(ctx context.Context, t Task) *Job {
	job := s.store.CreateJob(t.Name)
	ctx = logging.SetRequestID(ctx, job.ID)
	started := time.Now()
	s.store.UpdateJob(job.ID, func(j *Job) {
		j.Status = JobStatusRunning
		j.StartedAt = &started
	})

	result, err := t.Run(ctx)

	finished := time.Now()
	s.store.UpdateJob(job.ID, func(j *Job) {
		j.FinishedAt = &finished
		j.Result = result
		if err != nil {
			j.Status = JobStatusFailed
			j.Error = err.Error()
			return
		}
		j.Status = JobStatusCompleted
	})
	s.metrics.RecordJobRun(ctx, t.Name, err)

	fields := []zap.Field{zap.String("job", t.Name), zap.Duration("duration", finished.Sub(started))}
	if err != nil {
		logging.Log(ctx, s.log, zapcore.WarnLevel, "job failed", append(fields, zap.Error(err))...)
	} else {
		logging.Log(ctx, s.log, zapcore.DebugLevel, "job completed", fields...)
	}

	out, _ := s.store.GetJob(job.ID)
	return out
}
