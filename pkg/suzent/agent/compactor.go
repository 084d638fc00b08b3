package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/suzent/suzent/pkg/suzent/llm"
	"github.com/suzent/suzent/pkg/suzent/memory"
)

// Markers wrapping an archived history summary inside a synthetic step.
const (
	archiveHeader = "--- ARCHIVED CONTEXT SUMMARY ---"
	archiveFooter = "--- END ARCHIVED CONTEXT ---"
)

// Flush caps applied when synthesizing the pre-compaction turn.
const (
	flushMaxActions     = 10
	flushMaxReasoning   = 5
	flushActionChars    = 200
	flushFragmentChars  = 300
)

// Compactor shrinks oversized agent histories. Before replacing a window
// with its summary, the window is flushed through the memory manager so
// facts are extracted from history that is about to disappear.
type Compactor struct {
	provider llm.Provider
	model    string
	memory   *memory.Manager // nil disables the pre-compaction flush

	maxHistorySteps  int
	maxContextTokens int

	logger *slog.Logger
}

// NewCompactor builds a compactor. provider may be nil to disable
// summarization entirely (compression then never triggers).
func NewCompactor(provider llm.Provider, model string, mem *memory.Manager, maxHistorySteps, maxContextTokens int, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxHistorySteps <= 0 {
		maxHistorySteps = 40
	}
	if maxContextTokens <= 0 {
		maxContextTokens = 100000
	}
	return &Compactor{
		provider:         provider,
		model:            model,
		memory:           mem,
		maxHistorySteps:  maxHistorySteps,
		maxContextTokens: maxContextTokens,
		logger:           logger.With("component", "compactor"),
	}
}

// CompressIfNeeded checks the agent's history against the step and token
// budgets and compresses when either is exceeded. Step 0 and the recent
// window survive intact; the rest becomes one synthetic summary step.
// Returns whether compression happened.
func (c *Compactor) CompressIfNeeded(ctx context.Context, a *Agent, chatID, userID string) (bool, error) {
	if c.provider == nil {
		return false, nil
	}
	steps := a.Steps()
	if len(steps) <= c.maxHistorySteps && estimateTokens(steps) <= c.maxContextTokens {
		return false, nil
	}
	keepRecent := c.maxHistorySteps / 4
	if keepRecent < 5 {
		keepRecent = 5
	}
	if len(steps) <= keepRecent+1 {
		return false, nil
	}
	window := steps[1 : len(steps)-keepRecent]

	// Pre-compaction flush: extract memories from the window before it
	// is discarded. Failures only log.
	if c.memory != nil {
		turn := synthesizeTurn(window)
		c.memory.ProcessTurn(ctx, turn, chatID, userID)
	}

	summary, err := c.summarize(ctx, window)
	if err != nil {
		return false, fmt.Errorf("summarize history: %w", err)
	}

	archived := Step{
		Type:       StepAction,
		StepNumber: window[len(window)-1].StepNumber,
		ToolCalls: []ToolCallRecord{{
			ID:        "context_compression_event",
			Name:      "system_context_manager",
			Arguments: `{"action":"read_archived_history"}`,
		}},
		Observations: fmt.Sprintf("%s\n%s\n%s", archiveHeader, summary, archiveFooter),
		ActionOutput: fmt.Sprintf("%s\n%s\n%s", archiveHeader, summary, archiveFooter),
	}

	compressed := make([]Step, 0, keepRecent+2)
	compressed = append(compressed, steps[0], archived)
	compressed = append(compressed, steps[len(steps)-keepRecent:]...)
	a.ReplaceSteps(compressed)
	c.logger.Info("history compressed",
		"chat_id", chatID, "before", len(steps), "after", len(compressed))
	return true, nil
}

// summarize asks the LLM for a concise past-tense summary of the window.
func (c *Compactor) summarize(ctx context.Context, window []Step) (string, error) {
	resp, err := c.provider.Complete(ctx, llm.Request{
		Model:       c.model,
		Temperature: 0.3,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are an expert technical summarizer. Summarize the following agent conversation history concisely and in the past tense. Preserve decisions, facts, file names, and unresolved questions."},
			{Role: llm.RoleUser, Content: renderSteps(window)},
		},
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// synthesizeTurn builds a ConversationTurn from the to-compress window:
// user fragments from task steps, assistant fragments from outputs,
// tool calls as actions, plans as reasoning.
func synthesizeTurn(window []Step) memory.ConversationTurn {
	var turn memory.ConversationTurn
	var userParts, assistantParts []string
	for _, s := range window {
		switch s.Type {
		case StepTask:
			userParts = append(userParts, truncate(s.Task, flushFragmentChars))
		case StepPlanning:
			if len(turn.AgentReasoning) < flushMaxReasoning {
				turn.AgentReasoning = append(turn.AgentReasoning, truncate(s.Plan, flushFragmentChars))
			}
		case StepAction:
			for _, tc := range s.ToolCalls {
				if len(turn.AgentActions) >= flushMaxActions {
					break
				}
				turn.AgentActions = append(turn.AgentActions,
					fmt.Sprintf("%s(%s)", tc.Name, truncate(tc.Arguments, flushActionChars)))
			}
			if s.ActionOutput != "" {
				assistantParts = append(assistantParts, truncate(s.ActionOutput, flushActionChars))
			}
		case StepFinalAnswer:
			assistantParts = append(assistantParts, truncate(s.Output, flushFragmentChars))
		}
	}
	turn.UserMessage = strings.Join(userParts, "\n")
	turn.AssistantMessage = strings.Join(assistantParts, "\n")
	return turn
}

// renderSteps renders a step window as text for the summarizer.
func renderSteps(window []Step) string {
	var b strings.Builder
	for _, s := range window {
		switch s.Type {
		case StepTask:
			fmt.Fprintf(&b, "User task: %s\n", s.Task)
		case StepPlanning:
			fmt.Fprintf(&b, "Plan: %s\n", s.Plan)
		case StepAction:
			for _, tc := range s.ToolCalls {
				fmt.Fprintf(&b, "Tool call %s: %s\n", tc.Name, tc.Arguments)
			}
			if s.Observations != "" {
				fmt.Fprintf(&b, "Observation: %s\n", s.Observations)
			}
		case StepFinalAnswer:
			fmt.Fprintf(&b, "Answer: %s\n", s.Output)
		}
	}
	return b.String()
}

// estimateTokens approximates token usage at four characters per token.
func estimateTokens(steps []Step) int {
	chars := 0
	for _, s := range steps {
		chars += len(s.Task) + len(s.Plan) + len(s.ModelOutput) +
			len(s.Observations) + len(s.ActionOutput) + len(s.Output)
	}
	return chars / 4
}
