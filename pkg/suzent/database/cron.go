package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

// Delivery modes for cron job results.
const (
	DeliveryAnnounce = "announce"
	DeliveryNone     = "none"
)

// Cron run statuses.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusError   = "error"
)

// CronJob is a persisted recurring agent task.
type CronJob struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	CronExpr      string     `json:"cron_expr"`
	Prompt        string     `json:"prompt"`
	Active        bool       `json:"active"`
	DeliveryMode  string     `json:"delivery_mode"`
	ModelOverride string     `json:"model_override,omitempty"`
	RetryCount    int        `json:"retry_count"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastResult    string     `json:"last_result,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// CronRun is one execution record of a cron job.
type CronRun struct {
	ID         string     `json:"id"`
	JobID      string     `json:"job_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// CreateCronJob inserts a new job. ID is generated when empty.
func (s *Store) CreateCronJob(job *CronJob) error {
	if job.Name == "" {
		return apierr.InvalidInput("job name is required")
	}
	if job.CronExpr == "" {
		return apierr.InvalidInput("cron expression is required")
	}
	if job.DeliveryMode == "" {
		job.DeliveryMode = DeliveryNone
	}
	if job.DeliveryMode != DeliveryAnnounce && job.DeliveryMode != DeliveryNone {
		return apierr.InvalidInput("invalid delivery_mode %q", job.DeliveryMode)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO cron_jobs (id, name, cron_expr, prompt, active, delivery_mode, model_override,
			retry_count, last_run_at, next_run_at, last_result, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.CronExpr, job.Prompt, job.Active, job.DeliveryMode, job.ModelOverride,
		job.RetryCount, job.LastRunAt, job.NextRunAt, job.LastResult, job.LastError, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create cron job: %w", err)
	}
	return nil
}

// GetCronJob returns a job by id.
func (s *Store) GetCronJob(id string) (*CronJob, error) {
	row := s.db.QueryRow(`
		SELECT id, name, cron_expr, prompt, active, delivery_mode, model_override,
			retry_count, last_run_at, next_run_at, last_result, last_error, created_at, updated_at
		FROM cron_jobs WHERE id = ?`, id)
	job, err := scanCronJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("cron job %q not found", id)
	}
	return job, err
}

// ListCronJobs returns all jobs, optionally only active ones.
func (s *Store) ListCronJobs(activeOnly bool) ([]*CronJob, error) {
	query := `
		SELECT id, name, cron_expr, prompt, active, delivery_mode, model_override,
			retry_count, last_run_at, next_run_at, last_result, last_error, created_at, updated_at
		FROM cron_jobs`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY created_at`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()

	var out []*CronJob
	for rows.Next() {
		job, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// DueCronJobs returns active jobs whose next_run_at is at or before now.
func (s *Store) DueCronJobs(now time.Time) ([]*CronJob, error) {
	rows, err := s.db.Query(`
		SELECT id, name, cron_expr, prompt, active, delivery_mode, model_override,
			retry_count, last_run_at, next_run_at, last_result, last_error, created_at, updated_at
		FROM cron_jobs WHERE active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due cron jobs: %w", err)
	}
	defer rows.Close()

	var out []*CronJob
	for rows.Next() {
		job, err := scanCronJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// UpdateCronJob rewrites the mutable fields of a job.
func (s *Store) UpdateCronJob(job *CronJob) error {
	job.UpdatedAt = time.Now().UTC()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.Exec(`
		UPDATE cron_jobs SET name = ?, cron_expr = ?, prompt = ?, active = ?, delivery_mode = ?,
			model_override = ?, retry_count = ?, last_run_at = ?, next_run_at = ?,
			last_result = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		job.Name, job.CronExpr, job.Prompt, job.Active, job.DeliveryMode,
		job.ModelOverride, job.RetryCount, job.LastRunAt, job.NextRunAt,
		job.LastResult, job.LastError, job.UpdatedAt, job.ID,
	)
	if err != nil {
		return fmt.Errorf("update cron job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NotFound("cron job %q not found", job.ID)
	}
	return nil
}

// DeleteCronJob removes a job and, via cascade, its run history.
func (s *Store) DeleteCronJob(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.Exec(`DELETE FROM cron_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete cron job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NotFound("cron job %q not found", id)
	}
	return nil
}

// StartCronRun opens a run row in running state and returns its id.
func (s *Store) StartCronRun(jobID string) (string, error) {
	id := uuid.NewString()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO cron_runs (id, job_id, started_at, status) VALUES (?, ?, ?, ?)`,
		id, jobID, time.Now().UTC(), RunStatusRunning,
	)
	if err != nil {
		return "", fmt.Errorf("start cron run: %w", err)
	}
	return id, nil
}

// FinishCronRun closes a run with its outcome.
func (s *Store) FinishCronRun(runID, status, result, errMsg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(
		`UPDATE cron_runs SET finished_at = ?, status = ?, result = ?, error = ? WHERE id = ?`,
		time.Now().UTC(), status, result, errMsg, runID,
	)
	if err != nil {
		return fmt.Errorf("finish cron run: %w", err)
	}
	return nil
}

// ListCronRuns returns the most recent runs for a job, newest first.
func (s *Store) ListCronRuns(jobID string, limit int) ([]*CronRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, job_id, started_at, finished_at, status, result, error
		FROM cron_runs WHERE job_id = ? ORDER BY started_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("list cron runs: %w", err)
	}
	defer rows.Close()

	out := []*CronRun{}
	for rows.Next() {
		var r CronRun
		if err := rows.Scan(&r.ID, &r.JobID, &r.StartedAt, &r.FinishedAt, &r.Status, &r.Result, &r.Error); err != nil {
			return nil, fmt.Errorf("scan cron run: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCronJob(row rowScanner) (*CronJob, error) {
	var j CronJob
	err := row.Scan(&j.ID, &j.Name, &j.CronExpr, &j.Prompt, &j.Active, &j.DeliveryMode,
		&j.ModelOverride, &j.RetryCount, &j.LastRunAt, &j.NextRunAt,
		&j.LastResult, &j.LastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}
