// ABOUTME: huma handlers for the jobs API: submit, poll, list, rename, delete, stats.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/google/uuid"

	"github.com/OMCHOKSI108/Multiagent-LangGraph-Orchestrated-LLM-Research-Automation-Platform-sub001/internal/store"
)

// registerJobRoutes wires up the job endpoints on the huma API.
//
//	POST   /jobs        — submit a research job (enters the queue)
//	GET    /jobs        — list jobs, newest first, with status filter
//	GET    /jobs/{id}   — poll status/result of a single job
//	PATCH  /jobs/{id}   — rename a job's task text
//	DELETE /jobs/{id}   — delete a job row
//	GET    /jobs/stats  — queue depth per status
func registerJobRoutes(api huma.API, s *store.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Submit a research job",
		Description:   "Inserts a queued job; the dispatcher is woken immediately via pg_notify.",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusCreated,
	}, submitJobHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Description: "Jobs newest-first with optional status filter and keyset pagination.",
		Tags:        []string{"Jobs"},
	}, listJobsHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "get-job-stats",
		Method:      http.MethodGet,
		Path:        "/jobs/stats",
		Summary:     "Queue depth per status",
		Tags:        []string{"Jobs"},
	}, jobStatsHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job status and result",
		Tags:        []string{"Jobs"},
	}, getJobHandler(s))

	huma.Register(api, huma.Operation{
		OperationID: "rename-job",
		Method:      http.MethodPatch,
		Path:        "/jobs/{id}",
		Summary:     "Rename a job",
		Tags:        []string{"Jobs"},
	}, renameJobHandler(s))

	huma.Register(api, huma.Operation{
		OperationID:   "delete-job",
		Method:        http.MethodDelete,
		Path:          "/jobs/{id}",
		Summary:       "Delete a job",
		Tags:          []string{"Jobs"},
		DefaultStatus: http.StatusNoContent,
	}, deleteJobHandler(s))
}

// ── Response types ────────────────────────────────────────────────────────────

// JobResponse is the API representation of a research_jobs row.
type JobResponse struct {
	ID            int64           `json:"id"`
	Task          string          `json:"task"`
	Depth         string          `json:"depth"`
	PaperURL      *string         `json:"paper_url,omitempty"`
	WorkspaceID   *uuid.UUID      `json:"workspace_id,omitempty"`
	Status        string          `json:"status"`
	TriggerSource string          `json:"trigger_source"`
	RetryCount    int             `json:"retry_count"`
	Result        json.RawMessage `json:"result,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

func toJobResponse(j *store.Job) JobResponse {
	return JobResponse{
		ID:            j.ID,
		Task:          j.Task,
		Depth:         j.Depth,
		PaperURL:      j.PaperURL,
		WorkspaceID:   j.WorkspaceID,
		Status:        string(j.Status),
		TriggerSource: string(j.TriggerSource),
		RetryCount:    j.RetryCount,
		Result:        j.Result,
		LastError:     j.LastError,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
		StartedAt:     j.StartedAt,
		CompletedAt:   j.CompletedAt,
	}
}

// jobListCursor is the internal JSON structure encoded in the opaque cursor string.
type jobListCursor struct {
	// CreatedAt of the last row, RFC3339Nano.
	CreatedAt string `json:"t"`
	// ID of the last row.
	ID int64 `json:"id"`
}

// encodeCursor base64-encodes the cursor JSON (opaque to API clients).
func encodeCursor(last store.Job) string {
	c := jobListCursor{
		CreatedAt: last.CreatedAt.UTC().Format(time.RFC3339Nano),
		ID:        last.ID,
	}
	b, _ := json.Marshal(c) //nolint:errcheck
	return base64.RawURLEncoding.EncodeToString(b)
}

// decodeCursor base64-decodes the opaque cursor, returning a parsed cursor or nil.
func decodeCursor(s string) (*jobListCursor, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor (base64): %w", err)
	}
	var c jobListCursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("invalid cursor (json): %w", err)
	}
	if c.ID == 0 {
		return nil, fmt.Errorf("invalid cursor: missing id")
	}
	return &c, nil
}

// ── POST /jobs ────────────────────────────────────────────────────────────────

// SubmitJobInput is the request for submitting a research job.
type SubmitJobInput struct {
	Body struct {
		Task        string     `json:"task" minLength:"1" maxLength:"4000" doc:"Research topic or task description"`
		Depth       string     `json:"depth,omitempty" enum:"quick,deep" doc:"Research depth; defaults to deep"`
		PaperURL    *string    `json:"paper_url,omitempty" format:"uri" doc:"Optional seed paper URL"`
		WorkspaceID *uuid.UUID `json:"workspace_id,omitempty" doc:"Optional workspace context"`
	}
}

// JobOutput wraps a single job response body.
type JobOutput struct {
	Body JobResponse
}

func submitJobHandler(s *store.Store) func(context.Context, *SubmitJobInput) (*JobOutput, error) {
	return func(ctx context.Context, input *SubmitJobInput) (*JobOutput, error) {
		job, err := s.CreateJob(ctx, store.CreateJobParams{
			Task:        input.Body.Task,
			Depth:       input.Body.Depth,
			PaperURL:    input.Body.PaperURL,
			WorkspaceID: input.Body.WorkspaceID,
		})
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to submit job", err)
		}
		return &JobOutput{Body: toJobResponse(job)}, nil
	}
}

// ── GET /jobs ─────────────────────────────────────────────────────────────────

// ListJobsInput defines query parameters for the paginated job list.
type ListJobsInput struct {
	Status string `query:"status" enum:"queued,processing,completed,failed" doc:"Filter by status"`
	Cursor string `query:"cursor" doc:"Opaque pagination cursor returned in the previous response"`
	Limit  int    `query:"limit" minimum:"1" maximum:"100" default:"25" doc:"Page size (max 100)"`
}

// ListJobsOutput is the response body for GET /jobs.
type ListJobsOutput struct {
	Body ListJobsBody
}

// ListJobsBody is the JSON body of the list response.
type ListJobsBody struct {
	Items      []JobResponse `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func listJobsHandler(s *store.Store) func(context.Context, *ListJobsInput) (*ListJobsOutput, error) {
	return func(ctx context.Context, input *ListJobsInput) (*ListJobsOutput, error) {
		cur, err := decodeCursor(input.Cursor)
		if err != nil {
			return nil, huma.Error400BadRequest("invalid cursor", err)
		}

		p := store.ListJobsParams{
			Limit: input.Limit + 1, // fetch one extra to detect next page
		}
		if input.Status != "" {
			st := store.Status(input.Status)
			p.Status = &st
		}
		if cur != nil {
			t, err := time.Parse(time.RFC3339Nano, cur.CreatedAt)
			if err != nil {
				return nil, huma.Error400BadRequest("invalid cursor timestamp", err)
			}
			p.CursorTime = &t
			p.CursorID = &cur.ID
		}

		jobs, err := s.ListJobs(ctx, p)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to list jobs", err)
		}

		out := &ListJobsOutput{Body: ListJobsBody{Items: []JobResponse{}}}
		hasMore := len(jobs) > input.Limit
		if hasMore {
			jobs = jobs[:input.Limit]
		}
		for i := range jobs {
			out.Body.Items = append(out.Body.Items, toJobResponse(&jobs[i]))
		}
		if hasMore {
			out.Body.NextCursor = encodeCursor(jobs[len(jobs)-1])
		}
		return out, nil
	}
}

// ── GET /jobs/{id} ────────────────────────────────────────────────────────────

// GetJobInput identifies a single job.
type GetJobInput struct {
	ID int64 `path:"id" minimum:"1" doc:"Job id"`
}

func getJobHandler(s *store.Store) func(context.Context, *GetJobInput) (*JobOutput, error) {
	return func(ctx context.Context, input *GetJobInput) (*JobOutput, error) {
		job, err := s.GetJob(ctx, input.ID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to get job", err)
		}
		if job == nil {
			return nil, huma.Error404NotFound(fmt.Sprintf("job %d not found", input.ID))
		}
		return &JobOutput{Body: toJobResponse(job)}, nil
	}
}

// ── PATCH /jobs/{id} ──────────────────────────────────────────────────────────

// RenameJobInput carries the new task text for a job.
type RenameJobInput struct {
	ID   int64 `path:"id" minimum:"1" doc:"Job id"`
	Body struct {
		Task string `json:"task" minLength:"1" maxLength:"4000" doc:"New task text"`
	}
}

func renameJobHandler(s *store.Store) func(context.Context, *RenameJobInput) (*JobOutput, error) {
	return func(ctx context.Context, input *RenameJobInput) (*JobOutput, error) {
		job, err := s.RenameJob(ctx, input.ID, input.Body.Task)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to rename job", err)
		}
		if job == nil {
			return nil, huma.Error404NotFound(fmt.Sprintf("job %d not found", input.ID))
		}
		return &JobOutput{Body: toJobResponse(job)}, nil
	}
}

// ── DELETE /jobs/{id} ─────────────────────────────────────────────────────────

// DeleteJobOutput is an empty 204 response.
type DeleteJobOutput struct{}

func deleteJobHandler(s *store.Store) func(context.Context, *GetJobInput) (*DeleteJobOutput, error) {
	return func(ctx context.Context, input *GetJobInput) (*DeleteJobOutput, error) {
		deleted, err := s.DeleteJob(ctx, input.ID)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to delete job", err)
		}
		if !deleted {
			return nil, huma.Error404NotFound(fmt.Sprintf("job %d not found", input.ID))
		}
		return &DeleteJobOutput{}, nil
	}
}

// ── GET /jobs/stats ───────────────────────────────────────────────────────────

// JobStatsOutput reports the number of jobs in each status.
type JobStatsOutput struct {
	Body map[string]int64
}

func jobStatsHandler(s *store.Store) func(context.Context, *struct{}) (*JobStatsOutput, error) {
	return func(ctx context.Context, _ *struct{}) (*JobStatsOutput, error) {
		counts, err := s.CountJobsByStatus(ctx)
		if err != nil {
			return nil, huma.Error500InternalServerError("failed to count jobs", err)
		}
		out := &JobStatsOutput{Body: make(map[string]int64, len(counts))}
		for st, n := range counts {
			out.Body[string(st)] = n
		}
		return out, nil
	}
}
