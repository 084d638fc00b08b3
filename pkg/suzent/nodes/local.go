package nodes

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

// LocalNode exposes the host machine itself through the node surface, so
// the agent has at least one device to drive out of the box.
type LocalNode struct {
	logger *slog.Logger
}

// NewLocalNode creates the built-in host node.
func NewLocalNode(logger *slog.Logger) *LocalNode {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalNode{logger: logger.With("component", "local-node")}
}

func (n *LocalNode) ID() string          { return "local" }
func (n *LocalNode) DisplayName() string { return "Local PC" }
func (n *LocalNode) Platform() string    { return runtime.GOOS }

func (n *LocalNode) Capabilities() []Capability {
	return []Capability{
		{Name: "system.info", Description: "Report hostname, OS, architecture, and local time."},
		{Name: "system.notify", Description: "Show a notification on the host.", ParamsSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"title":   map[string]any{"type": "string"},
				"message": map[string]any{"type": "string"},
			},
			"required": []string{"message"},
		}},
	}
}

func (n *LocalNode) Invoke(ctx context.Context, command string, params map[string]any) (any, error) {
	switch command {
	case "system.info":
		hostname, _ := os.Hostname()
		return map[string]any{
			"hostname":   hostname,
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"local_time": time.Now().Format(time.RFC3339),
		}, nil
	case "system.notify":
		title, _ := params["title"].(string)
		message, _ := params["message"].(string)
		if message == "" {
			return nil, apierr.InvalidInput("system.notify requires a message")
		}
		// No desktop integration yet; the notification lands in the log.
		n.logger.Info("notification", "title", title, "message", message)
		return map[string]any{"delivered": true}, nil
	default:
		return nil, apierr.NotFound("local node does not support %q", command)
	}
}
