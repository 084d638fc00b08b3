// Package streaming provides the per-chat stream controller registry and
// the event envelope the agent loop emits. Events become SSE frames via a
// pure encoding function; the registry enforces at-most-one active stream
// per chat id and carries the cancel signal.
package streaming

import (
	"encoding/json"
	"fmt"
)

// Event kinds emitted during an agent run.
const (
	EventStreamDelta  = "stream_delta"
	EventAction       = "action"
	EventPlanning     = "planning"
	EventActionOutput = "action_output"
	EventFinalAnswer  = "final_answer"
	EventError        = "error"
)

// Event is the envelope wrapping everything an agent run emits.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Delta builds a stream_delta event for a content fragment.
func Delta(content string) Event {
	return Event{Type: EventStreamDelta, Data: map[string]string{"content": content}}
}

// Action builds an action event for a tool call.
func Action(tool string, arguments string) Event {
	return Event{Type: EventAction, Data: map[string]string{"tool": tool, "arguments": arguments}}
}

// Planning builds a planning event.
func Planning(plan string) Event {
	return Event{Type: EventPlanning, Data: map[string]string{"plan": plan}}
}

// ActionOutput builds an action_output event for a tool result.
func ActionOutput(tool, output string) Event {
	return Event{Type: EventActionOutput, Data: map[string]string{"tool": tool, "output": output}}
}

// FinalAnswer builds the terminal final_answer event.
func FinalAnswer(output string) Event {
	return Event{Type: EventFinalAnswer, Data: map[string]string{"output": output}}
}

// Error builds an error event.
func Error(message string) Event {
	return Event{Type: EventError, Data: map[string]string{"message": message}}
}

// SSEFrame encodes an event as one server-sent-events frame.
func SSEFrame(ev Event) []byte {
	payload, err := json.Marshal(ev)
	if err != nil {
		// Data that cannot marshal degrades to an error frame.
		payload, _ = json.Marshal(Error(fmt.Sprintf("unencodable event: %v", err)))
	}
	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame
}
