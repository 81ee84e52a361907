// Package archive copies finished jobs into PostgreSQL so they stay listable
// after the job store has expired them.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/agent-jobs/internal/jobs"
)

const schema = `
CREATE TABLE IF NOT EXISTS agent_job_archive (
	job_id          TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	agent_id        TEXT NOT NULL,
	message         TEXT NOT NULL,
	context         JSONB,
	preferred_agent TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	result          JSONB,
	error           JSONB,
	attempts        INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	archived_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS agent_job_archive_user_created_idx
	ON agent_job_archive (user_id, created_at DESC, job_id DESC);
`

// row is the database shape of an archived job
type row struct {
	JobID          string    `db:"job_id"`
	UserID         string    `db:"user_id"`
	AgentID        string    `db:"agent_id"`
	Message        string    `db:"message"`
	Context        []byte    `db:"context"`
	PreferredAgent string    `db:"preferred_agent"`
	Status         string    `db:"status"`
	Result         []byte    `db:"result"`
	Error          []byte    `db:"error"`
	Attempts       int       `db:"attempts"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
	ArchivedAt     time.Time `db:"archived_at"`
}

// Filter selects a page of archived jobs
type Filter struct {
	UserID   string
	Status   string
	PageSize int
	Cursor   *Cursor
}

// Cursor marks the last job of the previous page
type Cursor struct {
	CreatedAt time.Time
	JobID     string
}

// Store reads and writes the archive table
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStore creates an archive store over db
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates the archive table if it does not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate archive: %w", err)
	}
	return nil
}

// nullJSON marshals v as text for a JSONB column, mapping nil to SQL NULL
func nullJSON(v any, isNil bool) (any, error) {
	if isNil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Archive upserts a terminal job
func (s *Store) Archive(ctx context.Context, rec *jobs.Record) error {
	if !rec.Status.IsTerminal() {
		return fmt.Errorf("refusing to archive job %s in status %s", rec.ID, rec.Status)
	}

	var jobContext any
	if !rec.Context.IsZero() {
		jobContext = string(rec.Context)
	}
	result, err := nullJSON(rec.Result, rec.Result == nil)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	jobErr, err := nullJSON(rec.Error, rec.Error == nil)
	if err != nil {
		return fmt.Errorf("failed to encode error: %w", err)
	}

	query := `
		INSERT INTO agent_job_archive (
			job_id, user_id, agent_id, message, context, preferred_agent,
			status, result, error, attempts, created_at, updated_at, archived_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12, $13
		)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			attempts = EXCLUDED.attempts,
			updated_at = EXCLUDED.updated_at,
			archived_at = EXCLUDED.archived_at
	`

	_, err = s.db.ExecContext(
		ctx,
		query,
		rec.ID,
		rec.UserID,
		rec.AgentID,
		rec.Message,
		jobContext,
		rec.PreferredAgent,
		string(rec.Status),
		result,
		jobErr,
		rec.Attempts,
		rec.CreatedAt,
		rec.UpdatedAt,
		s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}

	return nil
}

// List returns up to PageSize+1 jobs, newest first. The extra row tells the
// caller whether another page exists.
func (s *Store) List(ctx context.Context, filter Filter) ([]*jobs.Record, error) {
	query := `
        SELECT
            job_id, user_id, agent_id, message, context, preferred_agent,
            status, result, error, attempts, created_at, updated_at, archived_at
        FROM agent_job_archive
        WHERE user_id = $1
    `
	args := []interface{}{filter.UserID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list archived jobs: %w", err)
	}

	out := make([]*jobs.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, fmt.Errorf("failed to decode archived job %s: %w", r.JobID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r row) record() (*jobs.Record, error) {
	rec := &jobs.Record{
		ID:             r.JobID,
		UserID:         r.UserID,
		AgentID:        r.AgentID,
		Message:        r.Message,
		PreferredAgent: r.PreferredAgent,
		Status:         jobs.Status(r.Status),
		Attempts:       r.Attempts,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
	if len(r.Context) > 0 {
		rec.Context = jobs.Opaque(r.Context)
	}
	if len(r.Result) > 0 {
		rec.Result = &jobs.Result{}
		if err := json.Unmarshal(r.Result, rec.Result); err != nil {
			return nil, err
		}
	}
	if len(r.Error) > 0 {
		rec.Error = &jobs.JobError{}
		if err := json.Unmarshal(r.Error, rec.Error); err != nil {
			return nil, err
		}
	}
	return rec, nil
}
