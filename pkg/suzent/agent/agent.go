package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/suzent/suzent/pkg/suzent/llm"
	"github.com/suzent/suzent/pkg/suzent/streaming"
)

// Agent is one tool-using LLM loop with step-structured memory. It is
// not safe for concurrent runs; the session manager serializes access.
type Agent struct {
	ModelID      string
	Instructions string
	MaxSteps     int

	provider llm.Provider
	tools    map[string]Tool

	steps      []Step
	stepNumber int

	// turnContext is refreshed before every run and handed to
	// context-aware tools.
	turnContext TurnContext

	logger *slog.Logger
}

// NewAgent builds an agent around a provider and a tool set.
func NewAgent(modelID, instructions string, maxSteps int, provider llm.Provider, tools []Tool, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSteps <= 0 {
		maxSteps = 20
	}
	tm := make(map[string]Tool, len(tools))
	for _, t := range tools {
		tm[t.Name()] = t
	}
	return &Agent{
		ModelID:      modelID,
		Instructions: instructions,
		MaxSteps:     maxSteps,
		provider:     provider,
		tools:        tm,
		logger:       logger.With("component", "agent"),
	}
}

// ToolNames returns the sorted names of the equipped tools.
func (a *Agent) ToolNames() []string {
	names := make([]string, 0, len(a.tools))
	for n := range a.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Steps returns the agent's memory. The slice is shared; callers must
// not mutate it outside the session manager's lock.
func (a *Agent) Steps() []Step { return a.steps }

// StepNumber returns the current step counter.
func (a *Agent) StepNumber() int { return a.stepNumber }

// ReplaceSteps swaps the agent memory, used by restore and compression.
func (a *Agent) ReplaceSteps(steps []Step) { a.steps = steps }

// Restore loads a decoded state into the agent. Model and instructions
// stay as built; only the memory is carried over.
func (a *Agent) Restore(st *State) {
	if st == nil {
		return
	}
	a.steps = st.Steps
	a.stepNumber = st.StepNumber
	if st.MaxSteps > 0 {
		a.MaxSteps = st.MaxSteps
	}
}

// SetTurnContext hands per-turn runtime handles to the agent and its
// context-aware tools before a run.
func (a *Agent) SetTurnContext(tc TurnContext) {
	a.turnContext = tc
	for _, t := range a.tools {
		if ca, ok := t.(ContextAware); ok {
			ca.SetTurnContext(tc)
		}
	}
}

// Run executes one turn: it appends a task step for prompt, loops model
// calls and tool executions, and returns the final answer text. Events
// are emitted in order through emit. Cancellation is observed between
// steps and inside provider streaming via ctx.
func (a *Agent) Run(ctx context.Context, prompt string, images [][]byte, emit func(streaming.Event)) (string, error) {
	if emit == nil {
		emit = func(streaming.Event) {}
	}
	a.steps = append(a.steps, Step{Type: StepTask, Task: prompt})

	for iteration := 0; iteration < a.MaxSteps; iteration++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		req := llm.Request{
			Model:    a.ModelID,
			Messages: a.buildMessages(images),
			Tools:    a.toolDefs(),
		}
		resp, err := a.provider.Stream(ctx, req, func(delta string) {
			emit(streaming.Delta(delta))
		})
		if err != nil {
			return "", fmt.Errorf("model call: %w", err)
		}

		if len(resp.ToolCalls) == 0 {
			a.stepNumber++
			a.steps = append(a.steps, Step{Type: StepFinalAnswer, Output: truncate(resp.Content, maxOutputChars)})
			emit(streaming.FinalAnswer(resp.Content))
			return resp.Content, nil
		}

		a.stepNumber++
		// Text alongside tool calls is the model thinking out loud.
		if strings.TrimSpace(resp.Content) != "" {
			emit(streaming.Planning(resp.Content))
		}
		step := Step{
			Type:        StepAction,
			StepNumber:  a.stepNumber,
			ModelOutput: resp.Content,
		}
		var observations []string
		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			step.ToolCalls = append(step.ToolCalls, ToolCallRecord{
				ID: call.ID, Name: call.Name, Arguments: call.Arguments,
			})
			emit(streaming.Action(call.Name, call.Arguments))
			output := a.executeTool(ctx, call)
			observations = append(observations, output)
			emit(streaming.ActionOutput(call.Name, output))
		}
		step.Observations = truncate(strings.Join(observations, "\n"), maxObservationChars)
		step.ActionOutput = truncate(strings.Join(observations, "\n"), maxOutputChars)
		a.steps = append(a.steps, step)
	}

	// Step budget exhausted: ask for a direct answer without tools.
	resp, err := a.provider.Stream(ctx, llm.Request{
		Model: a.ModelID,
		Messages: append(a.buildMessages(nil), llm.Message{
			Role:    llm.RoleUser,
			Content: "Maximum steps reached. Provide your final answer now based on what you have.",
		}),
	}, func(delta string) { emit(streaming.Delta(delta)) })
	if err != nil {
		return "", fmt.Errorf("final model call: %w", err)
	}
	a.stepNumber++
	a.steps = append(a.steps, Step{Type: StepFinalAnswer, Output: truncate(resp.Content, maxOutputChars)})
	emit(streaming.FinalAnswer(resp.Content))
	return resp.Content, nil
}

// executeTool runs one tool call. Failures become observations for the
// model rather than run errors.
func (a *Agent) executeTool(ctx context.Context, call llm.ToolCall) string {
	tool, ok := a.tools[call.Name]
	if !ok {
		return fmt.Sprintf("Error: unknown tool %q", call.Name)
	}
	var args map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return fmt.Sprintf("Error: invalid tool arguments: %v", err)
		}
	}
	output, err := tool.Execute(ctx, args)
	if err != nil {
		a.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("Error: %v", err)
	}
	return output
}

// buildMessages rebuilds the provider conversation from the step memory.
// Images attach to the most recent task step only.
func (a *Agent) buildMessages(images [][]byte) []llm.Message {
	msgs := []llm.Message{{Role: llm.RoleSystem, Content: a.Instructions}}
	lastTask := -1
	for i, s := range a.steps {
		if s.Type == StepTask {
			lastTask = i
		}
	}
	for i, s := range a.steps {
		switch s.Type {
		case StepTask:
			m := llm.Message{Role: llm.RoleUser, Content: s.Task}
			if i == lastTask {
				m.Images = images
			}
			msgs = append(msgs, m)
		case StepPlanning:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: s.Plan})
		case StepAction:
			if len(s.ToolCalls) == 0 {
				// Synthetic steps (archived summaries) carry their output
				// as plain assistant context.
				msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: s.ActionOutput})
				continue
			}
			am := llm.Message{Role: llm.RoleAssistant, Content: s.ModelOutput}
			for _, tc := range s.ToolCalls {
				am.ToolCalls = append(am.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
			}
			msgs = append(msgs, am)
			for _, tc := range s.ToolCalls {
				msgs = append(msgs, llm.Message{Role: llm.RoleTool, Content: s.Observations, ToolCallID: tc.ID})
			}
		case StepFinalAnswer:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: s.Output})
		}
	}
	return msgs
}

func (a *Agent) toolDefs() []llm.ToolDef {
	var defs []llm.ToolDef
	for _, name := range a.ToolNames() {
		t := a.tools[name]
		defs = append(defs, llm.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}
