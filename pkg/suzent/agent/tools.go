package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/suzent/suzent/pkg/suzent/memory"
)

// Tool is one capability offered to the model.
type Tool interface {
	Name() string
	Description() string
	// Parameters is a JSON-schema object describing the arguments.
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// TurnContext carries the runtime handles a turn hands to stateful tools:
// identity, and the explicit reply target for platform-driven turns.
// Tools never reach into ambient state for these.
type TurnContext struct {
	ChatID string
	UserID string

	// ReplyPlatform and ReplyTarget name the default social destination
	// when the turn was driven by a platform message.
	ReplyPlatform string
	ReplyTarget   string

	// Social sends messages through the channel drivers. Nil when no
	// social layer is running.
	Social SocialSender

	// Nodes invokes capabilities on connected companion devices. Nil
	// when the node gateway is not running.
	Nodes NodeInvoker
}

// ContextAware tools receive the TurnContext before each run.
type ContextAware interface {
	SetTurnContext(tc TurnContext)
}

// SocialSender is the slice of the channel manager tools need.
type SocialSender interface {
	SendMessage(ctx context.Context, platform, target, text string) error
}

// NodeInvoker is the slice of the node manager tools need.
type NodeInvoker interface {
	Invoke(ctx context.Context, nodeID, command string, params map[string]any) (any, error)
	DescribeNodes() string
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// memorySearchTool lets the agent query archival memory.
type memorySearchTool struct {
	memory *memory.Manager
	tc     TurnContext
}

func (t *memorySearchTool) Name() string { return "memory_search" }
func (t *memorySearchTool) Description() string {
	return "Search long-term memory for facts about the user and past conversations. Use when you need context you do not have."
}
func (t *memorySearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "What to search for"},
		},
		"required": []string{"query"},
	}
}
func (t *memorySearchTool) SetTurnContext(tc TurnContext) { t.tc = tc }
func (t *memorySearchTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query := stringArg(args, "query")
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	results, err := t.memory.Search(ctx, query, t.tc.UserID, 5, 0)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No matching memories found.", nil
	}
	var b strings.Builder
	for _, r := range results {
		fmt.Fprintf(&b, "- [%s] %s (importance: %.2f)\n", r.Fact.Category, r.Fact.Content, r.Fact.Importance)
	}
	return b.String(), nil
}

// memoryBlockTool lets the agent rewrite one core memory block.
type memoryBlockTool struct {
	memory *memory.Manager
	tc     TurnContext
}

func (t *memoryBlockTool) Name() string { return "memory_block_update" }
func (t *memoryBlockTool) Description() string {
	return fmt.Sprintf("Replace the content of a core memory block. Valid labels: %s. Core blocks are always visible to you.", strings.Join(memory.CoreLabels, ", "))
}
func (t *memoryBlockTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"label":   map[string]any{"type": "string", "description": "Block label"},
			"content": map[string]any{"type": "string", "description": "New block content"},
		},
		"required": []string{"label", "content"},
	}
}
func (t *memoryBlockTool) SetTurnContext(tc TurnContext) { t.tc = tc }
func (t *memoryBlockTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	label := stringArg(args, "label")
	content := stringArg(args, "content")
	if err := t.memory.Vector().SetCoreMemory(t.tc.UserID, label, content); err != nil {
		return "", err
	}
	return fmt.Sprintf("Core memory block %q updated.", label), nil
}

// socialMessageTool sends progress messages through the platform driver
// while a social-driven turn is still running.
type socialMessageTool struct {
	tc TurnContext
}

func (t *socialMessageTool) Name() string { return "social_message" }
func (t *socialMessageTool) Description() string {
	return "Send an intermediate message to the user on their messaging platform while you keep working. The final answer is delivered automatically; use this only for progress updates."
}
func (t *socialMessageTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"text": map[string]any{"type": "string", "description": "Message text"},
		},
		"required": []string{"text"},
	}
}
func (t *socialMessageTool) SetTurnContext(tc TurnContext) { t.tc = tc }
func (t *socialMessageTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	text := stringArg(args, "text")
	if text == "" {
		return "", fmt.Errorf("text is required")
	}
	if t.tc.Social == nil || t.tc.ReplyPlatform == "" {
		return "", fmt.Errorf("no social reply target for this turn")
	}
	if err := t.tc.Social.SendMessage(ctx, t.tc.ReplyPlatform, t.tc.ReplyTarget, text); err != nil {
		return "", err
	}
	return "Message sent.", nil
}

// nodeInvokeTool invokes a capability on a connected companion device.
type nodeInvokeTool struct {
	tc TurnContext
}

func (t *nodeInvokeTool) Name() string { return "node_invoke" }
func (t *nodeInvokeTool) Description() string {
	return "Invoke a capability on a connected companion device (e.g. camera.snap, speaker.speak). Use an empty node_id to target the local node."
}
func (t *nodeInvokeTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"node_id": map[string]any{"type": "string", "description": "Node id or display name; empty for the local node"},
			"command": map[string]any{"type": "string", "description": "Capability name"},
			"params":  map[string]any{"type": "object", "description": "Capability parameters"},
		},
		"required": []string{"command"},
	}
}
func (t *nodeInvokeTool) SetTurnContext(tc TurnContext) { t.tc = tc }
func (t *nodeInvokeTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	if t.tc.Nodes == nil {
		return "", fmt.Errorf("no nodes are connected")
	}
	command := stringArg(args, "command")
	if command == "" {
		return "", fmt.Errorf("command is required")
	}
	params, _ := args["params"].(map[string]any)
	nodeID := stringArg(args, "node_id")
	if nodeID == "" {
		nodeID = "local"
	}
	result, err := t.tc.Nodes.Invoke(ctx, nodeID, command, params)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result), nil
	}
	return string(out), nil
}
