package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/suzent/suzent/pkg/suzent/apierr"
	"github.com/suzent/suzent/pkg/suzent/database"
	"github.com/suzent/suzent/pkg/suzent/streaming"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *database.Store {
	t.Helper()
	s, err := database.Open(filepath.Join(t.TempDir(), "suzent.db"), newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeTurn records calls and returns a scripted result or error.
type fakeTurn struct {
	mu      sync.Mutex
	calls   []string
	result  string
	err     error
	chatIDs []string
}

func (f *fakeTurn) run(ctx context.Context, chatID, userID, prompt string, override map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, prompt)
	f.chatIDs = append(f.chatIDs, chatID)
	return f.result, f.err
}

func (f *fakeTurn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestScheduler(t *testing.T, store *database.Store, turn *fakeTurn) *Scheduler {
	t.Helper()
	return New(store, turn.run, streaming.NewRegistry(newTestLogger()), time.Second, newTestLogger())
}

func mkJob(t *testing.T, store *database.Store, job *database.CronJob) {
	t.Helper()
	if job.CronExpr == "" {
		job.CronExpr = "* * * * *"
	}
	if job.Prompt == "" {
		job.Prompt = "do the thing"
	}
	if err := store.CreateCronJob(job); err != nil {
		t.Fatal(err)
	}
}

func TestComputeNextRun(t *testing.T) {
	t.Parallel()
	from := time.Date(2026, 8, 25, 8, 30, 0, 0, time.UTC)

	next, err := ComputeNextRun("0 9 * * *", from)
	if err != nil {
		t.Fatalf("valid expression: %v", err)
	}
	want := time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	for _, expr := range []string{"", "not cron", "0 9 * * * *", "61 * * * *"} {
		if _, err := ComputeNextRun(expr, from); apierr.CodeOf(err) != apierr.CodeInvalidInput {
			t.Errorf("ComputeNextRun(%q) = %v, want invalid_input", expr, err)
		}
	}
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	turn := &fakeTurn{result: "summary: all quiet"}
	s := newTestScheduler(t, store, turn)

	past := time.Now().Add(-time.Minute)
	mkJob(t, store, &database.CronJob{
		ID: "job-1", Name: "morning check", Active: true,
		DeliveryMode: database.DeliveryAnnounce, NextRunAt: &past,
	})

	s.execute(context.Background(), "job-1")

	if turn.count() != 1 {
		t.Fatalf("turn calls = %d", turn.count())
	}
	if turn.chatIDs[0] != "cron-job-1" {
		t.Errorf("chat id = %q", turn.chatIDs[0])
	}

	job, _ := store.GetCronJob("job-1")
	if job.NextRunAt == nil || !job.NextRunAt.After(time.Now().Add(-time.Second)) {
		t.Errorf("schedule not advanced: %v", job.NextRunAt)
	}
	if job.LastResult != "summary: all quiet" || job.RetryCount != 0 {
		t.Errorf("job = %+v", job)
	}

	chat, err := store.GetChat("cron-job-1")
	if err != nil {
		t.Fatalf("synthetic chat missing: %v", err)
	}
	if chat.Title != "Cron: morning check" || chat.Config["platform"] != "cron" {
		t.Errorf("chat = %+v", chat)
	}

	runs, _ := store.ListCronRuns("job-1", 10)
	if len(runs) != 1 || runs[0].Status != database.RunStatusSuccess {
		t.Errorf("runs = %+v", runs)
	}

	notes := s.Notifications().Drain()
	if len(notes) != 1 || notes[0].JobID != "job-1" || notes[0].Result != "summary: all quiet" {
		t.Errorf("notifications = %+v", notes)
	}
}

func TestExecuteSilentJobSkipsAnnouncement(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	turn := &fakeTurn{result: "done"}
	s := newTestScheduler(t, store, turn)

	mkJob(t, store, &database.CronJob{
		ID: "job-1", Name: "quiet", Active: true, DeliveryMode: database.DeliveryNone,
	})
	s.execute(context.Background(), "job-1")

	if s.Notifications().Len() != 0 {
		t.Error("silent job produced a notification")
	}
}

func TestExecuteSkipsWhenStreamActive(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	turn := &fakeTurn{result: "x"}
	streams := streaming.NewRegistry(newTestLogger())
	s := New(store, turn.run, streams, time.Second, newTestLogger())

	mkJob(t, store, &database.CronJob{ID: "job-1", Name: "n", Active: true, DeliveryMode: database.DeliveryNone})
	if _, err := streams.Register("cron-job-1"); err != nil {
		t.Fatal(err)
	}
	s.execute(context.Background(), "job-1")

	if turn.count() != 0 {
		t.Error("job ran despite active stream on its chat")
	}
}

func TestExecuteFailureBacksOff(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	turn := &fakeTurn{err: errors.New("model unavailable")}
	s := newTestScheduler(t, store, turn)

	mkJob(t, store, &database.CronJob{ID: "job-1", Name: "flaky", Active: true, DeliveryMode: database.DeliveryNone})

	s.execute(context.Background(), "job-1")
	job, _ := store.GetCronJob("job-1")
	if job.RetryCount != 1 || !job.Active {
		t.Fatalf("after first failure: %+v", job)
	}
	// First backoff is one minute out.
	if until := time.Until(*job.NextRunAt); until < 50*time.Second || until > 70*time.Second {
		t.Errorf("backoff = %v, want ~1m", until)
	}

	s.execute(context.Background(), "job-1")
	job, _ = store.GetCronJob("job-1")
	if job.RetryCount != 2 {
		t.Fatalf("after second failure: %+v", job)
	}
	if until := time.Until(*job.NextRunAt); until < 110*time.Second || until > 130*time.Second {
		t.Errorf("backoff = %v, want ~2m", until)
	}

	runs, _ := store.ListCronRuns("job-1", 10)
	if len(runs) != 2 || runs[0].Status != database.RunStatusError || runs[0].Error != "model unavailable" {
		t.Errorf("runs = %+v", runs)
	}
}

func TestExecuteDeactivatesAfterMaxRetries(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	turn := &fakeTurn{err: errors.New("still broken")}
	s := newTestScheduler(t, store, turn)

	mkJob(t, store, &database.CronJob{ID: "job-1", Name: "doomed", Active: true, DeliveryMode: database.DeliveryNone})

	for i := 0; i < maxRetries+1; i++ {
		s.execute(context.Background(), "job-1")
	}

	job, _ := store.GetCronJob("job-1")
	if job.Active {
		t.Fatalf("job still active after %d failures: %+v", maxRetries+1, job)
	}
	if !strings.Contains(job.LastError, "max retries exceeded") {
		t.Errorf("last error = %q", job.LastError)
	}
}

func TestTriggerNow(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	turn := &fakeTurn{result: "triggered"}
	s := newTestScheduler(t, store, turn)

	if err := s.TriggerNow("missing"); apierr.CodeOf(err) != apierr.CodeNotFound {
		t.Errorf("missing job: %v", err)
	}

	mkJob(t, store, &database.CronJob{ID: "job-1", Name: "n", Active: true, DeliveryMode: database.DeliveryNone})
	if err := s.TriggerNow("job-1"); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for turn.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if turn.count() != 1 {
		t.Fatal("trigger never ran the job")
	}
}

func TestStartInitializesMissingSchedules(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	turn := &fakeTurn{}
	s := newTestScheduler(t, store, turn)

	mkJob(t, store, &database.CronJob{ID: "job-1", Name: "unscheduled", Active: true, DeliveryMode: database.DeliveryNone})
	mkJob(t, store, &database.CronJob{
		ID: "job-2", Name: "bad expr", CronExpr: "not cron", Active: true, DeliveryMode: database.DeliveryNone,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	job, _ := store.GetCronJob("job-1")
	if job.NextRunAt == nil {
		t.Error("next_run_at not initialized")
	}
	bad, _ := store.GetCronJob("job-2")
	if bad.Active || bad.LastError == "" {
		t.Errorf("invalid expression job not deactivated: %+v", bad)
	}
	if !s.Running() {
		t.Error("scheduler not running")
	}
}
