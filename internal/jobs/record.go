package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Status is the lifecycle state of an agent job
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record is the persisted state of one agent invocation request
type Record struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	AgentID        string    `json:"agentId"`
	Message        string    `json:"message"`
	Context        Opaque    `json:"context,omitempty"`
	PreferredAgent string    `json:"preferredAgent,omitempty"`
	Status         Status    `json:"status"`
	Result         *Result   `json:"result,omitempty"`
	Error          *JobError `json:"error,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Attempts       int       `json:"attempts"`
}

// Result is what a worker stores once a job completes
type Result struct {
	PrimaryResponse        Opaque   `json:"primaryResponse"`
	CollaborationResponses []Opaque `json:"collaborationResponses"`
	Workflow               Opaque   `json:"workflow,omitempty"`
}

// JobError is what a worker stores once a job fails
type JobError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Context = r.Context.clone()
	if r.Result != nil {
		res := *r.Result
		res.PrimaryResponse = r.Result.PrimaryResponse.clone()
		res.Workflow = r.Result.Workflow.clone()
		if r.Result.CollaborationResponses != nil {
			res.CollaborationResponses = make([]Opaque, len(r.Result.CollaborationResponses))
			for i, o := range r.Result.CollaborationResponses {
				res.CollaborationResponses[i] = o.clone()
			}
		}
		c.Result = &res
	}
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}

// Marshal encodes the record in its stored JSON form
func (r *Record) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job record: %w", err)
	}
	return data, nil
}

// wireRecord mirrors Record with pointers so that presence can be checked
type wireRecord struct {
	ID             *string    `json:"id" validate:"required,min=1"`
	UserID         *string    `json:"userId" validate:"required,min=1"`
	AgentID        *string    `json:"agentId" validate:"required,min=1"`
	Message        *string    `json:"message" validate:"required"`
	Context        Opaque     `json:"context"`
	PreferredAgent *string    `json:"preferredAgent"`
	Status         *Status    `json:"status" validate:"required,oneof=queued processing completed failed"`
	Result         *Result    `json:"result"`
	Error          *JobError  `json:"error"`
	CreatedAt      *time.Time `json:"createdAt" validate:"required"`
	UpdatedAt      *time.Time `json:"updatedAt" validate:"required"`
	Attempts       *int       `json:"attempts" validate:"required,min=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Parse decodes and validates a stored job record
func Parse(raw []byte) (*Record, error) {
	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, &ValidationError{Field: typeErr.Field, Reason: "expected " + typeErr.Type.String()}
		}
		return nil, &ValidationError{Reason: "malformed JSON: " + err.Error()}
	}

	if err := validate.Struct(&w); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return nil, &ValidationError{Field: jsonFieldName(fe.StructField()), Reason: "failed " + fe.Tag()}
		}
		return nil, &ValidationError{Reason: err.Error()}
	}

	rec := &Record{
		ID:        *w.ID,
		UserID:    *w.UserID,
		AgentID:   *w.AgentID,
		Message:   *w.Message,
		Context:   w.Context,
		Status:    *w.Status,
		Result:    w.Result,
		Error:     w.Error,
		CreatedAt: w.CreatedAt.UTC(),
		UpdatedAt: w.UpdatedAt.UTC(),
		Attempts:  *w.Attempts,
	}
	if w.PreferredAgent != nil {
		rec.PreferredAgent = *w.PreferredAgent
	}

	return rec, nil
}

func jsonFieldName(structField string) string {
	switch structField {
	case "ID":
		return "id"
	case "UserID":
		return "userId"
	case "AgentID":
		return "agentId"
	case "Message":
		return "message"
	case "Status":
		return "status"
	case "CreatedAt":
		return "createdAt"
	case "UpdatedAt":
		return "updatedAt"
	case "Attempts":
		return "attempts"
	default:
		return structField
	}
}
