// Package nodes implements the device fan-in: a registry of connected
// devices (nodes) the agent can drive through a uniform invoke surface.
// Remote nodes attach over WebSocket; the host machine itself is exposed
// as a built-in local node.
package nodes

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

// Capability is one command a node advertises.
type Capability struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	ParamsSchema map[string]any `json:"params_schema,omitempty"`
}

// Node is one attached device.
type Node interface {
	ID() string
	DisplayName() string
	Platform() string
	Capabilities() []Capability
	Invoke(ctx context.Context, command string, params map[string]any) (any, error)
}

// Info is the registry listing shape.
type Info struct {
	ID           string       `json:"id"`
	DisplayName  string       `json:"display_name"`
	Platform     string       `json:"platform"`
	Capabilities []Capability `json:"capabilities"`
}

// Manager is the node registry. It satisfies the agent's node invoker.
type Manager struct {
	logger *slog.Logger

	mu    sync.RWMutex
	nodes map[string]Node
}

// NewManager creates an empty registry.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger: logger.With("component", "nodes"),
		nodes:  make(map[string]Node),
	}
}

// Register adds a node, replacing any previous node with the same id.
func (m *Manager) Register(n Node) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[n.ID()] = n
	m.logger.Info("node registered", "node_id", n.ID(), "name", n.DisplayName(), "platform", n.Platform())
}

// Unregister removes a node by id.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[id]; ok {
		delete(m.nodes, id)
		m.logger.Info("node unregistered", "node_id", id)
	}
}

// Lookup finds a node by exact id, then by case-insensitive display name.
func (m *Manager) Lookup(ref string) (Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n, ok := m.nodes[ref]; ok {
		return n, nil
	}
	for _, n := range m.nodes {
		if strings.EqualFold(n.DisplayName(), ref) {
			return n, nil
		}
	}
	return nil, apierr.NotFound("no connected node matches %q", ref)
}

// List returns the registry contents sorted by id.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, Info{
			ID:           n.ID(),
			DisplayName:  n.DisplayName(),
			Platform:     n.Platform(),
			Capabilities: n.Capabilities(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Invoke runs a command on a node identified by id or display name.
// Unknown commands fail with the node's capability list so the agent can
// self-correct.
func (m *Manager) Invoke(ctx context.Context, nodeRef, command string, params map[string]any) (any, error) {
	n, err := m.Lookup(nodeRef)
	if err != nil {
		return nil, err
	}
	if !supports(n, command) {
		return nil, apierr.NotFound("node %q does not support %q; available commands: %s",
			n.DisplayName(), command, strings.Join(commandNames(n), ", "))
	}
	return n.Invoke(ctx, command, params)
}

// DescribeNodes renders the registry for the agent's tool description.
func (m *Manager) DescribeNodes() string {
	infos := m.List()
	if len(infos) == 0 {
		return "No nodes are currently connected."
	}
	var b strings.Builder
	for _, info := range infos {
		fmt.Fprintf(&b, "- %s (id: %s, platform: %s):", info.DisplayName, info.ID, info.Platform)
		for _, c := range info.Capabilities {
			fmt.Fprintf(&b, "\n    %s: %s", c.Name, c.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func supports(n Node, command string) bool {
	for _, c := range n.Capabilities() {
		if c.Name == command {
			return true
		}
	}
	return false
}

func commandNames(n Node) []string {
	caps := n.Capabilities()
	names := make([]string, len(caps))
	for i, c := range caps {
		names[i] = c.Name
	}
	return names
}
