package v0

import (
	"context"
	"errors"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/agentregistry-dev/agentplane/internal/registry/jobs"
)

type JobListInput struct {
	Type string `query:"type" json:"type,omitempty" doc:"Only runs of this job"`
}

type JobByIDInput struct {
	JobID string `path:"jobId" json:"jobId" doc:"Job run ID"`
}

type TriggerJobInput struct {
	Name string `path:"name" json:"name" doc:"Job name"`
}

type JobsListResponse struct {
	Body struct {
		Jobs  []jobs.Job `json:"jobs"`
		Names []string   `json:"names" doc:"Scheduled job names"`
	}
}

type JobResponse struct {
	Body jobs.Job
}

// RegisterJobsEndpoints exposes the maintenance job history and lets
// operators run a job outside its schedule.
func RegisterJobsEndpoints(api huma.API, basePath string, scheduler *jobs.Scheduler) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        basePath + "/jobs",
		Summary:     "List job runs",
		Description: "List recent maintenance job runs, newest first.",
		Tags:        []string{"jobs"},
	}, func(_ context.Context, input *JobListInput) (*JobsListResponse, error) {
		resp := &JobsListResponse{}
		resp.Body.Jobs = []jobs.Job{}
		for _, j := range scheduler.Store().ListJobs(input.Type) {
			resp.Body.Jobs = append(resp.Body.Jobs, *j)
		}
		resp.Body.Names = scheduler.Tasks()
		return resp, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        basePath + "/jobs/{jobId}",
		Summary:     "Get job run",
		Tags:        []string{"jobs"},
	}, func(_ context.Context, input *JobByIDInput) (*JobResponse, error) {
		job, ok := scheduler.Store().GetJob(input.JobID)
		if !ok {
			return nil, huma.Error404NotFound("Job not found")
		}
		return &JobResponse{Body: *job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trigger-job",
		Method:      http.MethodPost,
		Path:        basePath + "/jobs/{name}/trigger",
		Summary:     "Run job now",
		Description: "Run a maintenance job synchronously and return its run record.",
		Tags:        []string{"jobs"},
	}, func(ctx context.Context, input *TriggerJobInput) (*JobResponse, error) {
		job, err := scheduler.Trigger(ctx, input.Name)
		if errors.Is(err, jobs.ErrUnknownJob) {
			return nil, huma.Error404NotFound("Job not found")
		}
		if err != nil {
			return nil, huma.Error500InternalServerError("Failed to run job", err)
		}
		return &JobResponse{Body: *job}, nil
	})
}
