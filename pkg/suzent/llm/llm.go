// Package llm defines the provider interface the agent loop talks to and
// an adapter for OpenAI-compatible endpoints. The multi-provider transport
// itself is a collaborator; everything here speaks one dialect.
package llm

import "context"

// Message is one entry in a chat completion request.
type Message struct {
	// Role is system, user, assistant, or tool.
	Role string

	Content string

	// Images holds raw image bytes attached to a user message.
	Images [][]byte

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDef describes a tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object for the arguments.
	Parameters map[string]any
}

// Request is a single chat completion call.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDef
	Temperature float32

	// JSONResponse asks the provider for a JSON-object response format.
	JSONResponse bool
}

// Usage reports token counts for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the provider's answer to a Request.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Provider is the minimal LLM surface the agent loop needs.
type Provider interface {
	// Complete performs a blocking chat completion.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream performs a streaming completion, invoking onDelta for each
	// content fragment, and returns the assembled response.
	Stream(ctx context.Context, req Request, onDelta func(string)) (*Response, error)
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
