package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/suzent/suzent/pkg/suzent/llm"
)

// ConversationTurn is the shape handed to fact extraction: one user/
// assistant exchange plus the agent's visible activity during it.
type ConversationTurn struct {
	UserMessage      string
	AssistantMessage string
	AgentActions     []string
	AgentReasoning   []string
}

// extractionSystemPrompt instructs the extractor model to emit facts as
// strict JSON in the closed category set.
const extractionSystemPrompt = `You extract long-term memory facts from a conversation turn.

Return a JSON object: {"facts": [{"content": "...", "category": "...", "importance": 0.0, "tags": ["..."], "conversation_context": "..."}]}

Rules:
- Each fact is ONE sentence about the user or their world worth remembering across conversations.
- category is one of: personal, preference, goal, context, technical, interaction, general.
- importance is between 0 and 1. Names, relationships, and stable preferences are high (0.8+); passing details are low.
- Do not extract facts about the assistant itself, greetings, or one-off requests.
- Return {"facts": []} when nothing is worth remembering.`

type extractedFact struct {
	Content             string   `json:"content"`
	Category            string   `json:"category"`
	Importance          float64  `json:"importance"`
	Tags                []string `json:"tags"`
	ConversationContext string   `json:"conversation_context,omitempty"`
}

type extractionResponse struct {
	Facts []extractedFact `json:"facts"`
}

// extractFacts runs the configured extractor model, or the deterministic
// heuristic when no extractor is configured.
func (m *Manager) extractFacts(ctx context.Context, turn ConversationTurn) ([]extractedFact, error) {
	if m.extractor == nil || m.extractorModel == "" {
		return heuristicExtract(turn), nil
	}
	resp, err := m.extractor.Complete(ctx, llm.Request{
		Model:        m.extractorModel,
		Temperature:  0.1,
		JSONResponse: true,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: extractionSystemPrompt},
			{Role: llm.RoleUser, Content: formatTurn(turn)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extractor call: %w", err)
	}
	var parsed extractionResponse
	if err := json.Unmarshal([]byte(extractJSONObject(resp.Content)), &parsed); err != nil {
		return nil, fmt.Errorf("extractor response parse: %w", err)
	}
	return parsed.Facts, nil
}

// formatTurn renders a turn for the extraction prompt.
func formatTurn(turn ConversationTurn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User: %s\n\nAssistant: %s\n", turn.UserMessage, turn.AssistantMessage)
	if len(turn.AgentActions) > 0 {
		b.WriteString("\nAgent actions:\n")
		for _, a := range turn.AgentActions {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	if len(turn.AgentReasoning) > 0 {
		b.WriteString("\nAgent reasoning:\n")
		for _, r := range turn.AgentReasoning {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return b.String()
}

// extractJSONObject trims everything outside the outermost JSON object,
// tolerating models that wrap the answer in prose or code fences.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}

// firstPersonMarkers drive the no-LLM fallback extractor.
var firstPersonMarkers = []struct {
	marker   string
	category string
}{
	{"my name is", "personal"},
	{"i am called", "personal"},
	{"i live in", "personal"},
	{"i work", "context"},
	{"my job", "context"},
	{"i'm working on", "context"},
	{"i prefer", "preference"},
	{"i like", "preference"},
	{"i love", "preference"},
	{"i hate", "preference"},
	{"i don't like", "preference"},
	{"i want to", "goal"},
	{"my goal", "goal"},
	{"i plan to", "goal"},
	{"i use", "technical"},
	{"my stack", "technical"},
}

// heuristicExtract keeps user-message sentences that carry first-person
// markers. Deterministic, so memory still works with no extractor model.
func heuristicExtract(turn ConversationTurn) []extractedFact {
	var out []extractedFact
	for _, sentence := range splitSentences(turn.UserMessage) {
		lower := strings.ToLower(sentence)
		for _, fm := range firstPersonMarkers {
			if strings.Contains(lower, fm.marker) {
				out = append(out, extractedFact{
					Content:    strings.TrimSpace(sentence),
					Category:   fm.category,
					Importance: 0.6,
					Tags:       []string{fm.category},
				})
				break
			}
		}
	}
	return out
}

func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if r == '.' || r == '!' || r == '?' || r == '\n' {
			if s := strings.TrimSpace(cur.String()); s != "" {
				out = append(out, s)
			}
			cur.Reset()
		}
	}
	if s := strings.TrimSpace(cur.String()); s != "" {
		out = append(out, s)
	}
	return out
}
