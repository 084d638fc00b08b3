// Package agent implements the tool-calling agent loop, its serialized
// state codec, the cached session manager, the context compressor, and
// the chat turn processor that orchestrates them.
package agent

import (
	"encoding/json"
	"fmt"
)

// StateVersion is the current serialized agent state schema version.
const StateVersion = 2

// Step types. Unknown values round-trip untouched.
const (
	StepTask        = "task"
	StepPlanning    = "planning"
	StepAction      = "action"
	StepFinalAnswer = "final_answer"
	StepUnknown     = "unknown"
)

// Truncation limits applied at encode time.
const (
	maxObservationChars = 4000
	maxOutputChars      = 2000
	maxReprChars        = 500
)

// ToolCallRecord is one tool invocation recorded in an action step.
type ToolCallRecord struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// Step is one record in the agent's memory, tagged by Type. Only the
// fields belonging to the type are populated.
type Step struct {
	Type string `json:"type"`

	// task
	Task string `json:"task,omitempty"`

	// planning
	Plan string `json:"plan,omitempty"`

	// action
	StepNumber    int              `json:"step_number,omitempty"`
	ToolCalls     []ToolCallRecord `json:"tool_calls,omitempty"`
	ModelOutput   string           `json:"model_output,omitempty"`
	CodeAction    string           `json:"code_action,omitempty"`
	Observations  string           `json:"observations,omitempty"`
	ActionOutput  string           `json:"action_output,omitempty"`
	IsFinalAnswer bool             `json:"is_final_answer,omitempty"`

	// final_answer
	Output string `json:"output,omitempty"`

	// unknown
	Repr string `json:"repr,omitempty"`
}

// State is the versioned serialized form of an agent's memory.
type State struct {
	Version      int      `json:"version"`
	ModelID      string   `json:"model_id"`
	Instructions string   `json:"instructions"`
	StepNumber   int      `json:"step_number"`
	MaxSteps     int      `json:"max_steps"`
	ToolNames    []string `json:"tool_names"`
	Steps        []Step   `json:"steps"`
}

// EncodeState serializes an agent's memory as versioned JSON. Oversized
// observations and outputs are truncated; steps that cannot be
// represented become unknown records rather than failing the encode.
func EncodeState(a *Agent) ([]byte, error) {
	st := State{
		Version:      StateVersion,
		ModelID:      a.ModelID,
		Instructions: a.Instructions,
		StepNumber:   a.stepNumber,
		MaxSteps:     a.MaxSteps,
		ToolNames:    a.ToolNames(),
	}
	for _, s := range a.steps {
		st.Steps = append(st.Steps, truncateStep(s))
	}
	data, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("encode agent state: %w", err)
	}
	return data, nil
}

// DecodeState parses a serialized agent state. It returns nil for
// anything it cannot decode (legacy opaque blobs, corrupt JSON, wrong
// version) so the caller proceeds with a fresh agent instead of
// failing the turn.
func DecodeState(data []byte) *State {
	if len(data) == 0 {
		return nil
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		// Legacy opaque blob or corruption. Read-only compatibility: the
		// blob is accepted and discarded.
		return nil
	}
	if st.Version != StateVersion {
		return nil
	}
	for i := range st.Steps {
		switch st.Steps[i].Type {
		case StepTask, StepPlanning, StepAction, StepFinalAnswer, StepUnknown:
		default:
			st.Steps[i] = Step{Type: StepUnknown, Repr: truncate(st.Steps[i].Type, maxReprChars)}
		}
	}
	return &st
}

func truncateStep(s Step) Step {
	s.Observations = truncate(s.Observations, maxObservationChars)
	s.ActionOutput = truncate(s.ActionOutput, maxOutputChars)
	s.Output = truncate(s.Output, maxOutputChars)
	s.Repr = truncate(s.Repr, maxReprChars)
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
