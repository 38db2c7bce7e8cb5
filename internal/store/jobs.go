package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSuccess   JobStatus = "success"
	JobStatusError     JobStatus = "error"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job can no longer change state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusError || s == JobStatusCancelled
}

// JobProgress represents the progress of a job.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Job is a background job record.
type Job struct {
	ID         string          `json:"job_id"`
	Type       string          `json:"type"`
	ItemID     string          `json:"item_id,omitempty"`
	Status     JobStatus       `json:"status"`
	Params     json.RawMessage `json:"params"`
	Progress   JobProgress     `json:"progress"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// CreateJob creates a new job record.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	params := string(job.Params)
	if params == "" {
		params = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, type, item_id, status, params_json, phase, done, total, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID,
		job.Type,
		job.ItemID,
		string(job.Status),
		params,
		job.Progress.Phase,
		job.Progress.Done,
		job.Progress.Total,
		job.Error,
		formatTime(job.CreatedAt),
		nil,
		nil,
	)
	return unavailable(err, "failed to create job %s", job.ID)
}

const jobColumns = `job_id, type, item_id, status, params_json, phase, done, total, error, created_at, started_at, finished_at`

func scanJob(scan func(...interface{}) error) (*Job, error) {
	var job Job
	var params, createdAt string
	var startedAt, finishedAt sql.NullString
	err := scan(
		&job.ID,
		&job.Type,
		&job.ItemID,
		&job.Status,
		&params,
		&job.Progress.Phase,
		&job.Progress.Done,
		&job.Progress.Total,
		&job.Error,
		&createdAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Params = json.RawMessage(params)
	job.CreatedAt = parseTime(createdAt)
	job.StartedAt = parseNullTime(startedAt)
	job.FinishedAt = parseNullTime(finishedAt)
	return &job, nil
}

// GetJob retrieves a job by ID. It returns nil when the job does not exist.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err, "failed to get job %s", jobID)
	}
	return job, nil
}

// UpdateJobStatus updates the job status and error message. Terminal
// statuses also record the finish time.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := formatTime(time.Now())
		finishedAt = &t
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return unavailable(err, "failed to update job %s", jobID)
}

// UpdateJobStarted marks a job as running with start time.
func (s *Store) UpdateJobStarted(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ?
		WHERE job_id = ?
	`, string(JobStatusRunning), formatTime(time.Now()), jobID)
	return unavailable(err, "failed to start job %s", jobID)
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID string, p JobProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET phase = ?, done = ?, total = ?
		WHERE job_id = ?
	`, p.Phase, p.Done, p.Total, jobID)
	return unavailable(err, "failed to update progress of job %s", jobID)
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err, "failed to query jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, unavailable(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	return jobs, unavailable(rows.Err(), "failed to query jobs")
}

// ListJobsByItem returns all jobs for an item, newest first.
func (s *Store) ListJobsByItem(ctx context.Context, itemID string) ([]*Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE item_id = ? ORDER BY created_at DESC`, itemID)
}

// ListQueuedJobs returns all queued jobs (for restart recovery).
func (s *Store) ListQueuedJobs(ctx context.Context) ([]*Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC`, string(JobStatusQueued))
}

// MarkRunningAsFailed marks all running jobs as failed (for restart recovery).
func (s *Store) MarkRunningAsFailed(ctx context.Context, errMsg string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, finished_at = ?
		WHERE status = ?
	`, string(JobStatusError), errMsg, formatTime(time.Now()), string(JobStatusRunning))
	if err != nil {
		return 0, unavailable(err, "failed to mark running jobs")
	}
	return res.RowsAffected()
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(ctx context.Context, retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := formatTime(time.Now().AddDate(0, 0, -retentionDays))
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?
	`, cutoff)
	if err != nil {
		return 0, unavailable(err, "failed to delete expired jobs")
	}
	return res.RowsAffected()
}

// DeleteJob deletes a job record.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE job_id = ?", jobID)
	return unavailable(err, "failed to delete job %s", jobID)
}
