package dto

import (
	"time"

	"github.com/cuongbtq/agent-jobs/internal/jobs"
)

type CreateJobRequest struct {
	UserID         string      `json:"user_id" binding:"required"`
	AgentID        string      `json:"agent_id" binding:"required"`
	Message        string      `json:"message" binding:"required"`
	Context        jobs.Opaque `json:"context"`
	PreferredAgent string      `json:"preferred_agent"`
}

type ListArchivedJobsRequest struct {
	Status   string `form:"status" binding:"omitempty,oneof=completed failed"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type ResultDTO struct {
	PrimaryResponse        jobs.Opaque   `json:"primary_response"`
	CollaborationResponses []jobs.Opaque `json:"collaboration_responses"`
	Workflow               jobs.Opaque   `json:"workflow,omitempty"`
}

type ErrorDTO struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Name    string `json:"name,omitempty"`
}

type JobDTO struct {
	JobID          string      `json:"job_id"`
	UserID         string      `json:"user_id"`
	AgentID        string      `json:"agent_id"`
	Message        string      `json:"message"`
	Context        jobs.Opaque `json:"context,omitempty"`
	PreferredAgent string      `json:"preferred_agent,omitempty"`
	Status         string      `json:"status"`
	Result         *ResultDTO  `json:"result,omitempty"`
	Error          *ErrorDTO   `json:"error,omitempty"`
	Attempts       int         `json:"attempts"`
	CreatedAt      string      `json:"created_at"`
	UpdatedAt      string      `json:"updated_at"`
}

// WorkerResponse acknowledges a broker delivery
type WorkerResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status,omitempty"`
	Skipped string `json:"skipped,omitempty"`
}

// FromRecord converts a stored job for the HTTP response
func FromRecord(rec *jobs.Record) JobDTO {
	out := JobDTO{
		JobID:          rec.ID,
		UserID:         rec.UserID,
		AgentID:        rec.AgentID,
		Message:        rec.Message,
		Context:        rec.Context,
		PreferredAgent: rec.PreferredAgent,
		Status:         string(rec.Status),
		Attempts:       rec.Attempts,
		CreatedAt:      rec.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt:      rec.UpdatedAt.Format(time.RFC3339Nano),
	}
	if rec.Result != nil {
		out.Result = &ResultDTO{
			PrimaryResponse:        rec.Result.PrimaryResponse,
			CollaborationResponses: rec.Result.CollaborationResponses,
			Workflow:               rec.Result.Workflow,
		}
		if out.Result.CollaborationResponses == nil {
			out.Result.CollaborationResponses = []jobs.Opaque{}
		}
	}
	if rec.Error != nil {
		out.Error = &ErrorDTO{Message: rec.Error.Message, Stack: rec.Error.Stack, Name: rec.Error.Name}
	}
	return out
}

// FromRecords converts a list of stored jobs
func FromRecords(recs []*jobs.Record) []JobDTO {
	out := make([]JobDTO, len(recs))
	for i, rec := range recs {
		out[i] = FromRecord(rec)
	}
	return out
}
