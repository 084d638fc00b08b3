package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

// httpClient speaks streamable HTTP: each JSON-RPC request is one POST,
// and the server may answer either with a plain JSON body or with a
// short SSE stream carrying the response event.
type httpClient struct {
	url     string
	headers map[string]string
	http    *http.Client
	logger  *slog.Logger

	nextID    atomic.Int64
	sessionID atomic.Value // string
}

func newHTTPClient(url string, headers map[string]string, logger *slog.Logger) *httpClient {
	return &httpClient{
		url:     url,
		headers: headers,
		http:    &http.Client{Timeout: 60 * time.Second},
		logger:  logger,
	}
}

func (c *httpClient) Initialize(ctx context.Context) error {
	var result json.RawMessage
	err := c.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "suzent", Version: "1"},
	}, &result)
	if err != nil {
		return apierr.Wrap(apierr.CodeConnectionFailed, err, "mcp initialize")
	}
	return c.notify(ctx, "notifications/initialized")
}

func (c *httpClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	var result listToolsResult
	if err := c.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *httpClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
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

func (c *httpClient) Close() error { return nil }

// call posts one JSON-RPC request and decodes the matching response.
func (c *httpClient) call(ctx context.Context, method string, params, result any) error {
	id := c.nextID.Add(1)
	resp, err := c.post(ctx, rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.sessionID.Store(sid)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apierr.ConnectionFailed("mcp server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var rpc rpcResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		if err := decodeSSEResponse(resp.Body, id, &rpc); err != nil {
			return err
		}
	} else if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		return fmt.Errorf("decode mcp response: %w", err)
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

// notify posts a JSON-RPC notification (no id, no response expected).
func (c *httpClient) notify(ctx context.Context, method string) error {
	resp, err := c.post(ctx, rpcRequest{JSONRPC: "2.0", Method: method})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *httpClient) post(ctx context.Context, payload rpcRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sid, ok := c.sessionID.Load().(string); ok && sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeConnectionFailed, err, "mcp request")
	}
	return resp, nil
}

// decodeSSEResponse scans an SSE body for the data event carrying the
// response with the given id.
func decodeSSEResponse(r io.Reader, id int64, out *rpcResponse) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		var rpc rpcResponse
		if err := json.Unmarshal([]byte(data), &rpc); err != nil {
			continue
		}
		if rpc.ID == id {
			*out = rpc
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read mcp event stream: %w", err)
	}
	return fmt.Errorf("mcp event stream ended without a response")
}
