package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"backline/internal/domain"
	"backline/internal/jobs"
)

func registerJobs(api huma.API, orch *jobs.Orchestrator) {
	if orch == nil {
		return
	}

	huma.Register(api, huma.Operation{
		OperationID:   "submit-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Submit an asynchronous job",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body SubmitJobRequest `json:"body"`
	}) (*struct {
		Body SubmitJobResponse `json:"body"`
	}, error) {
		job, err := orch.Submit(ctx, input.Body.JobType, input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubmitJobResponse `json:"body"`
		}{Body: SubmitJobResponse{
			JobID:   job.ID,
			Status:  job.Status,
			Message: "job accepted; poll /jobs/" + job.ID,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,running,completed,failed,cancelled"`
	}) (*struct {
		Body []domain.Job `json:"body"`
	}, error) {
		var status *string
		if input.Status != "" {
			status = &input.Status
		}
		rows, err := orch.List(ctx, status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Job `json:"body"`
		}{Body: rows}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Job status and progress",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		job, err := orch.Get(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "job-result",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}/result",
		Summary:     "Result of a completed job",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body JobResultResponse `json:"body"`
	}, error) {
		result, err := orch.Result(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResultResponse `json:"body"`
		}{Body: JobResultResponse{JobID: input.JobID, Result: json.RawMessage(result)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/cancel",
		Summary:     "Cancel a pending or running job",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		JobID string `path:"job_id"`
	}) (*struct {
		Body domain.Job `json:"body"`
	}, error) {
		job, err := orch.Cancel(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Job `json:"body"`
		}{Body: job}, nil
	})
}
