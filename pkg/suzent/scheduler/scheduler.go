// Package scheduler implements the cron-driven background turn system.
// A single tick loop polls for due jobs, advances each job's schedule
// before running it (so slow runs never cause catch-up storms), drives
// the chat turn processor on a dedicated synthetic chat, and records a
// run history with exponential-backoff retries.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/suzent/suzent/pkg/suzent/apierr"
	"github.com/suzent/suzent/pkg/suzent/database"
	"github.com/suzent/suzent/pkg/suzent/streaming"
)

const (
	// DefaultTick is the poll interval for due jobs.
	DefaultTick = 30 * time.Second

	// maxRetries bounds the backoff sequence before a job is deactivated.
	maxRetries = 5

	// resultLimit truncates announced results.
	resultLimit = 500
)

// cronParser accepts standard 5-field cron expressions.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ComputeNextRun returns the first cron-valid time strictly after from.
// Invalid expressions fail with InvalidInput.
func ComputeNextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, apierr.InvalidInput("invalid cron expression %q: %v", expr, err)
	}
	return sched.Next(from), nil
}

// TurnFunc runs one agent turn and returns the final answer.
type TurnFunc func(ctx context.Context, chatID, userID, prompt string, override map[string]any) (string, error)

// Scheduler is the tick loop over the persisted cron jobs.
type Scheduler struct {
	store   *database.Store
	runTurn TurnFunc
	streams *streaming.Registry

	notifications *Notifications
	tick          time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
}

// New creates a scheduler. tick ≤ 0 uses the default.
func New(store *database.Store, runTurn TurnFunc, streams *streaming.Registry, tick time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{
		store:         store,
		runTurn:       runTurn,
		streams:       streams,
		notifications: NewNotifications(20),
		tick:          tick,
		logger:        logger.With("component", "scheduler"),
	}
}

// Notifications returns the bounded announcement deque.
func (s *Scheduler) Notifications() *Notifications { return s.notifications }

// Running reports whether the tick loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Tick returns the poll interval.
func (s *Scheduler) Tick() time.Duration { return s.tick }

// Start launches the tick loop. Jobs missing a next_run_at (created
// before this code computed them, or after an expression edit) are
// initialized first.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.initializeSchedules()
	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "tick", s.tick.String())
}

// Stop halts the tick loop. In-flight job executions finish on their own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.running = false
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.runDue(ctx)
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		}
	}
}

// initializeSchedules fills in next_run_at for active jobs missing one.
func (s *Scheduler) initializeSchedules() {
	jobs, err := s.store.ListCronJobs(true)
	if err != nil {
		s.logger.Error("failed to load cron jobs", "error", err)
		return
	}
	now := time.Now()
	for _, job := range jobs {
		if job.NextRunAt != nil {
			continue
		}
		next, err := ComputeNextRun(job.CronExpr, now)
		if err != nil {
			s.logger.Warn("deactivating job with invalid expression", "job", job.Name, "error", err)
			job.Active = false
			job.LastError = err.Error()
		} else {
			job.NextRunAt = &next
		}
		if err := s.store.UpdateCronJob(job); err != nil {
			s.logger.Error("failed to persist schedule", "job", job.Name, "error", err)
		}
	}
}

// runDue fires every active job whose next_run_at has passed.
func (s *Scheduler) runDue(ctx context.Context) {
	due, err := s.store.DueCronJobs(time.Now())
	if err != nil {
		s.logger.Error("due job query failed", "error", err)
		return
	}
	for _, job := range due {
		go s.execute(ctx, job.ID)
	}
}

// TriggerNow runs a job immediately, independent of the tick loop.
func (s *Scheduler) TriggerNow(jobID string) error {
	if _, err := s.store.GetCronJob(jobID); err != nil {
		return err
	}
	go s.execute(context.Background(), jobID)
	return nil
}

// ChatIDForJob is the synthetic chat a job's turns run on.
func ChatIDForJob(jobID string) string { return "cron-" + jobID }

// execute runs one job end to end: advance the schedule, ensure the
// synthetic chat, open a run row, run the turn, record the outcome.
func (s *Scheduler) execute(ctx context.Context, jobID string) {
	job, err := s.store.GetCronJob(jobID)
	if err != nil || !job.Active {
		return
	}
	chatID := ChatIDForJob(job.ID)
	if s.streams.Active(chatID) {
		s.logger.Debug("job skipped, previous run still streaming", "job", job.Name)
		return
	}

	// Advance the schedule before executing so a slow run cannot make
	// the job immediately due again.
	now := time.Now()
	next, err := ComputeNextRun(job.CronExpr, now)
	if err != nil {
		job.Active = false
		job.NextRunAt = nil
		job.LastError = err.Error()
		if uerr := s.store.UpdateCronJob(job); uerr != nil {
			s.logger.Error("failed to deactivate job", "job", job.Name, "error", uerr)
		}
		return
	}
	job.LastRunAt = &now
	job.NextRunAt = &next
	if err := s.store.UpdateCronJob(job); err != nil {
		s.logger.Error("failed to advance schedule", "job", job.Name, "error", err)
		return
	}

	if !s.store.ChatExists(chatID) {
		cfg := map[string]any{"platform": "cron", "cron_job_id": job.ID}
		if _, err := s.store.CreateChat(chatID, "Cron: "+job.Name, cfg, nil); err != nil {
			s.logger.Error("failed to create cron chat", "job", job.Name, "error", err)
			return
		}
	}

	runID, err := s.store.StartCronRun(job.ID)
	if err != nil {
		s.logger.Error("failed to open cron run", "job", job.Name, "error", err)
		return
	}
	s.logger.Info("cron job started", "job", job.Name)

	var override map[string]any
	if job.ModelOverride != "" {
		override = map[string]any{"model": job.ModelOverride}
	}
	result, runErr := s.runTurn(ctx, chatID, "default", job.Prompt, override)
	if runErr != nil {
		s.recordFailure(job.ID, runID, runErr)
		return
	}

	if err := s.store.FinishCronRun(runID, database.RunStatusSuccess, result, ""); err != nil {
		s.logger.Error("failed to close cron run", "job", job.Name, "error", err)
	}
	if job, err = s.store.GetCronJob(job.ID); err == nil {
		job.LastResult = result
		job.LastError = ""
		job.RetryCount = 0
		if err := s.store.UpdateCronJob(job); err != nil {
			s.logger.Error("failed to record result", "job", job.Name, "error", err)
		}
	}
	if job != nil && job.DeliveryMode == database.DeliveryAnnounce {
		s.notifications.Push(Notification{
			JobID:     job.ID,
			JobName:   job.Name,
			Result:    truncate(result, resultLimit),
			Timestamp: time.Now(),
		})
	}
	s.logger.Info("cron job finished", "job", job.Name)
}

// recordFailure closes the run as failed and applies exponential backoff:
// 2^retry minutes, up to maxRetries, then the job is deactivated.
func (s *Scheduler) recordFailure(jobID, runID string, runErr error) {
	if err := s.store.FinishCronRun(runID, database.RunStatusError, "", runErr.Error()); err != nil {
		s.logger.Error("failed to close cron run", "job_id", jobID, "error", err)
	}
	job, err := s.store.GetCronJob(jobID)
	if err != nil {
		return
	}
	job.LastError = runErr.Error()
	if job.RetryCount < maxRetries {
		backoff := time.Duration(1<<job.RetryCount) * time.Minute
		retryAt := time.Now().Add(backoff)
		job.NextRunAt = &retryAt
		job.RetryCount++
		s.logger.Warn("cron job failed, retrying", "job", job.Name, "retry", job.RetryCount, "backoff", backoff.String(), "error", runErr)
	} else {
		job.Active = false
		job.LastError = fmt.Sprintf("max retries exceeded: %v", runErr)
		s.logger.Error("cron job deactivated after max retries", "job", job.Name, "error", runErr)
	}
	if err := s.store.UpdateCronJob(job); err != nil {
		s.logger.Error("failed to persist failure", "job", job.Name, "error", err)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
