package agent

import (
	"regexp"
	"strings"

	"github.com/suzent/suzent/pkg/suzent/database"
)

var (
	planHeading = regexp.MustCompile(`(?i)^(?:#{1,4}\s*)?plan\b\s*:?\s*(.*)$`)
	planTask    = regexp.MustCompile(`^(?:\d+[.)]|[-*])\s*(?:\[([ xX])\]\s*)?(.+)$`)
)

// extractPlan scans agent output for a plan block: a "Plan" heading
// followed by a task list. Checked items come back completed. Returns
// nil when the text carries no plan.
func extractPlan(chatID, text string) *database.Plan {
	lines := strings.Split(text, "\n")
	start := -1
	var objective string
	for i, line := range lines {
		if m := planHeading.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			start = i + 1
			objective = strings.TrimSpace(m[1])
			break
		}
	}
	if start < 0 {
		return nil
	}

	var tasks []database.Task
	for _, line := range lines[start:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(tasks) > 0 {
				break
			}
			continue
		}
		m := planTask.FindStringSubmatch(trimmed)
		if m == nil {
			break
		}
		status := database.TaskPending
		if m[1] == "x" || m[1] == "X" {
			status = database.TaskCompleted
		}
		tasks = append(tasks, database.Task{
			Number:      len(tasks) + 1,
			Description: strings.TrimSpace(m[2]),
			Status:      status,
		})
	}
	if len(tasks) == 0 {
		return nil
	}
	if objective == "" {
		objective = tasks[0].Description
	}
	return &database.Plan{ChatID: chatID, Objective: objective, Tasks: tasks}
}

// planFromTurn finds the turn's latest plan, preferring the final
// answer over earlier model output.
func planFromTurn(chatID, final string, steps []Step) *database.Plan {
	if plan := extractPlan(chatID, final); plan != nil {
		return plan
	}
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Type != StepAction {
			continue
		}
		if plan := extractPlan(chatID, steps[i].ModelOutput); plan != nil {
			return plan
		}
	}
	return nil
}
