package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
)

// Plan is a versioned objective for a chat. Saving a new plan for the
// same chat creates a new version; GetPlan returns the latest.
type Plan struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Objective string    `json:"objective"`
	Tasks     []Task    `json:"tasks"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is one numbered step of a plan.
type Task struct {
	ID           string   `json:"id"`
	PlanID       string   `json:"plan_id"`
	Number       int      `json:"number"`
	Description  string   `json:"description"`
	Status       string   `json:"status"`
	Note         string   `json:"note,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// SavePlan stores a plan and its tasks as a new version for the chat.
func (s *Store) SavePlan(plan *Plan) error {
	if plan.ChatID == "" {
		return apierr.InvalidInput("plan chat_id is required")
	}
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	plan.CreatedAt = now
	plan.UpdatedAt = now

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO plans (id, chat_id, objective, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		plan.ID, plan.ChatID, plan.Objective, plan.CreatedAt, plan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	for i := range plan.Tasks {
		t := &plan.Tasks[i]
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		t.PlanID = plan.ID
		if t.Status == "" {
			t.Status = TaskPending
		}
		caps, _ := json.Marshal(t.Capabilities)
		_, err = tx.Exec(
			`INSERT INTO tasks (id, plan_id, number, description, status, note, capabilities) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.PlanID, t.Number, t.Description, t.Status, t.Note, string(caps),
		)
		if err != nil {
			return fmt.Errorf("save plan task: %w", err)
		}
	}
	return tx.Commit()
}

// GetPlan returns the latest plan for a chat.
func (s *Store) GetPlan(chatID string) (*Plan, error) {
	row := s.db.QueryRow(
		`SELECT id, chat_id, objective, created_at, updated_at FROM plans
		 WHERE chat_id = ? ORDER BY created_at DESC LIMIT 1`, chatID)
	return s.scanPlanWithTasks(row, fmt.Sprintf("no plan for chat %q", chatID))
}

// GetPlanByID returns a specific plan version.
func (s *Store) GetPlanByID(id string) (*Plan, error) {
	row := s.db.QueryRow(
		`SELECT id, chat_id, objective, created_at, updated_at FROM plans WHERE id = ?`, id)
	return s.scanPlanWithTasks(row, fmt.Sprintf("plan %q not found", id))
}

// ListPlans returns all plan versions for a chat, newest first, without tasks.
func (s *Store) ListPlans(chatID string) ([]*Plan, error) {
	rows, err := s.db.Query(
		`SELECT id, chat_id, objective, created_at, updated_at FROM plans
		 WHERE chat_id = ? ORDER BY created_at DESC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	out := []*Plan{}
	for rows.Next() {
		var p Plan
		if err := rows.Scan(&p.ID, &p.ChatID, &p.Objective, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// UpdateTaskStatus sets the status (and optional note) on a task.
func (s *Store) UpdateTaskStatus(taskID, status, note string) error {
	switch status {
	case TaskPending, TaskInProgress, TaskCompleted:
	default:
		return apierr.InvalidInput("invalid task status %q", status)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, note = ? WHERE id = ?`, status, note, taskID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NotFound("task %q not found", taskID)
	}
	return nil
}

func (s *Store) scanPlanWithTasks(row *sql.Row, notFoundMsg string) (*Plan, error) {
	var p Plan
	err := row.Scan(&p.ID, &p.ChatID, &p.Objective, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("%s", notFoundMsg)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	rows, err := s.db.Query(
		`SELECT id, plan_id, number, description, status, note, capabilities FROM tasks
		 WHERE plan_id = ? ORDER BY number`, p.ID)
	if err != nil {
		return nil, fmt.Errorf("get plan tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t Task
		var caps string
		if err := rows.Scan(&t.ID, &t.PlanID, &t.Number, &t.Description, &t.Status, &t.Note, &caps); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		_ = json.Unmarshal([]byte(caps), &t.Capabilities)
		p.Tasks = append(p.Tasks, t)
	}
	return &p, rows.Err()
}
