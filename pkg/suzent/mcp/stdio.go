package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

// stdioClient runs an MCP server as a subprocess and exchanges
// newline-delimited JSON-RPC over its stdin/stdout.
type stdioClient struct {
	command string
	args    []string
	logger  *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	started bool

	nextID atomic.Int64
}

func newStdioClient(command string, args []string, logger *slog.Logger) *stdioClient {
	return &stdioClient{command: command, args: args, logger: logger}
}

func (c *stdioClient) Initialize(ctx context.Context) error {
	if err := c.start(); err != nil {
		return err
	}
	var result json.RawMessage
	err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "suzent", Version: "1"},
	}, &result)
	if err != nil {
		return apierr.Wrap(apierr.CodeConnectionFailed, err, "mcp initialize")
	}
	return c.send(rpcRequest{JSONRPC: "2.0", Method: "notifications/initialized"})
}

func (c *stdioClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var result listToolsResult
	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *stdioClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	var result callToolResult
	if err := c.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, &result); err != nil {
		return "", err
	}
	text := flattenContent(result)
	if result.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, text)
	}
	return text, nil
}

func (c *stdioClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.started = false
	c.stdin.Close()
	return c.cmd.Process.Kill()
}

func (c *stdioClient) start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	cmd := exec.Command(c.command, c.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return apierr.Wrap(apierr.CodeConnectionFailed, err, "start mcp server process")
	}
	c.cmd = cmd
	c.stdin = stdin
	c.stdout = bufio.NewReaderSize(stdout, 1024*1024)
	c.started = true
	c.logger.Info("mcp server process started", "command", c.command)
	return nil
}

// call sends one request and reads frames until the matching response.
// The whole exchange holds the client lock; MCP stdio traffic is
// strictly sequential here.
func (c *stdioClient) call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	if err := c.send(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := c.stdout.ReadBytes('\n')
		if err != nil {
			return apierr.Wrap(apierr.CodeConnectionFailed, err, "read mcp server output")
		}
		var rpc rpcResponse
		if err := json.Unmarshal(line, &rpc); err != nil {
			// Server-side notifications and logs are skipped.
			continue
		}
		if rpc.ID != id {
			continue
		}
		if rpc.Error != nil {
			return rpc.Error
		}
		if result != nil && len(rpc.Result) > 0 {
			if err := json.Unmarshal(rpc.Result, result); err != nil {
				return fmt.Errorf("decode mcp result: %w", err)
			}
		}
		return nil
	}
}

func (c *stdioClient) send(payload rpcRequest) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return apierr.ConnectionFailed("mcp server process is not running")
	}
	if _, err := c.stdin.Write(append(data, '\n')); err != nil {
		return apierr.Wrap(apierr.CodeConnectionFailed, err, "write to mcp server")
	}
	return nil
}
