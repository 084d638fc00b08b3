// Package mcp implements a minimal Model Context Protocol client used to
// extend the agent's toolset with tools served by external MCP servers.
// Two transports are supported: streamable HTTP and stdio subprocesses.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/suzent/suzent/pkg/suzent/agent"
	"github.com/suzent/suzent/pkg/suzent/database"
)

const protocolVersion = "2025-03-26"

// ToolInfo is one tool advertised by a server.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Client is one connected MCP server.
type Client interface {
	Initialize(ctx context.Context) error
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
	Close() error
}

// Manager connects to the configured MCP servers lazily and exposes
// their tools to the agent builder. Connections are cached per server
// name and survive across turns until Invalidate or Close.
type Manager struct {
	store  *database.Store
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]Client
}

// NewManager creates an MCP manager over the persisted server registry.
func NewManager(store *database.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:   store,
		logger:  logger.With("component", "mcp"),
		clients: make(map[string]Client),
	}
}

// Tools collects the toolsets of every enabled server. Servers that fail
// to connect or list are logged and skipped; one bad server never blocks
// a turn. This is the loader the agent builder calls.
func (m *Manager) Tools(ctx context.Context) []agent.Tool {
	servers, err := m.store.ListMCPServers(true)
	if err != nil {
		m.logger.Error("mcp server registry unavailable", "error", err)
		return nil
	}
	var tools []agent.Tool
	for _, srv := range servers {
		client, err := m.client(ctx, srv)
		if err != nil {
			m.logger.Warn("mcp server unavailable", "server", srv.Name, "error", err)
			continue
		}
		infos, err := client.ListTools(ctx)
		if err != nil {
			m.logger.Warn("mcp tool listing failed", "server", srv.Name, "error", err)
			m.drop(srv.Name)
			continue
		}
		for _, info := range infos {
			tools = append(tools, &mcpTool{
				server: srv.Name,
				info:   info,
				client: client,
			})
		}
	}
	return tools
}

// Invalidate drops the cached connection for one server, forcing a
// reconnect on the next turn. Used after registry edits.
func (m *Manager) Invalidate(name string) {
	m.drop(name)
}

// Close tears down every cached connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, c := range m.clients {
		if err := c.Close(); err != nil {
			m.logger.Warn("mcp client close failed", "server", name, "error", err)
		}
		delete(m.clients, name)
	}
}

func (m *Manager) client(ctx context.Context, srv *database.MCPServer) (Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[srv.Name]; ok {
		return c, nil
	}
	var c Client
	switch srv.Transport {
	case database.TransportStdio:
		c = newStdioClient(srv.Command, srv.Args, m.logger.With("server", srv.Name))
	default:
		c = newHTTPClient(srv.URL, srv.Headers, m.logger.With("server", srv.Name))
	}
	if err := c.Initialize(ctx); err != nil {
		c.Close()
		return nil, err
	}
	m.clients[srv.Name] = c
	return c, nil
}

func (m *Manager) drop(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[name]; ok {
		c.Close()
		delete(m.clients, name)
	}
}

// mcpTool adapts one remote tool to the agent tool surface. Names are
// prefixed with the server so two servers can expose the same tool.
type mcpTool struct {
	server string
	info   ToolInfo
	client Client
}

func (t *mcpTool) Name() string        { return t.server + "_" + t.info.Name }
func (t *mcpTool) Description() string { return t.info.Description }

func (t *mcpTool) Parameters() map[string]any {
	if t.info.InputSchema != nil {
		return t.info.InputSchema
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (t *mcpTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	return t.client.CallTool(ctx, t.info.Name, args)
}

// jsonrpc wire shapes shared by both transports.

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type listToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

type callToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type callToolResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError"`
}

// flattenContent joins the text blocks of a tool result.
func flattenContent(res callToolResult) string {
	var out string
	for _, block := range res.Content {
		if block.Type != "text" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += block.Text
	}
	return out
}
