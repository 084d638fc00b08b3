package gateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/suzent/suzent/pkg/suzent/apierr"
	"github.com/suzent/suzent/pkg/suzent/database"
	"github.com/suzent/suzent/pkg/suzent/scheduler"
)

type cronJobRequest struct {
	Name          string `json:"name"`
	CronExpr      string `json:"cron_expr"`
	Prompt        string `json:"prompt"`
	Active        *bool  `json:"active"`
	DeliveryMode  string `json:"delivery_mode"`
	ModelOverride string `json:"model_override"`
}

func (s *Server) handleCreateCronJob(w http.ResponseWriter, r *http.Request) {
	var body cronJobRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Name == "" || body.CronExpr == "" || body.Prompt == "" {
		s.writeError(w, apierr.InvalidInput("name, cron_expr, and prompt are required"))
		return
	}
	next, err := scheduler.ComputeNextRun(body.CronExpr, time.Now())
	if err != nil {
		s.writeError(w, err)
		return
	}
	job := &database.CronJob{
		ID:            uuid.NewString(),
		Name:          body.Name,
		CronExpr:      body.CronExpr,
		Prompt:        body.Prompt,
		Active:        true,
		DeliveryMode:  body.DeliveryMode,
		ModelOverride: body.ModelOverride,
		NextRunAt:     &next,
	}
	if body.Active != nil {
		job.Active = *body.Active
	}
	if job.DeliveryMode == "" {
		job.DeliveryMode = database.DeliveryAnnounce
	}
	if err := s.store.CreateCronJob(job); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListCronJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListCronJobs(r.URL.Query().Get("active") == "true")
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetCronJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetCronJob(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleUpdateCronJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetCronJob(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body cronJobRequest
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Name != "" {
		job.Name = body.Name
	}
	if body.Prompt != "" {
		job.Prompt = body.Prompt
	}
	if body.DeliveryMode != "" {
		job.DeliveryMode = body.DeliveryMode
	}
	job.ModelOverride = body.ModelOverride
	if body.Active != nil {
		job.Active = *body.Active
	}
	if body.CronExpr != "" && body.CronExpr != job.CronExpr {
		next, err := scheduler.ComputeNextRun(body.CronExpr, time.Now())
		if err != nil {
			s.writeError(w, err)
			return
		}
		job.CronExpr = body.CronExpr
		job.NextRunAt = &next
		job.RetryCount = 0
	}
	if err := s.store.UpdateCronJob(job); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteCronJob(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCronJob(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleTriggerCronJob(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.writeError(w, &apierr.Error{Code: apierr.CodeNoModelConfigured, Message: "scheduler is disabled"})
		return
	}
	if err := s.scheduler.TriggerNow(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}

func (s *Server) handleListCronRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetCronJob(id); err != nil {
		s.writeError(w, err)
		return
	}
	runs, err := s.store.ListCronRuns(id, queryInt(r, "limit", 20))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleCronStatus(w http.ResponseWriter, r *http.Request) {
	active, err := s.store.ListCronJobs(true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	status := map[string]any{
		"running":               false,
		"tick_seconds":          0,
		"active_jobs":           len(active),
		"pending_notifications": 0,
	}
	if s.scheduler != nil {
		status["running"] = s.scheduler.Running()
		status["tick_seconds"] = int(s.scheduler.Tick().Seconds())
		status["pending_notifications"] = s.scheduler.Notifications().Len()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCronNotifications(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeJSON(w, http.StatusOK, map[string]any{"notifications": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": s.scheduler.Notifications().Drain()})
}
