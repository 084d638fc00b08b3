package database

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

// MCP server transports.
const (
	TransportStreamableHTTP = "streamable-http"
	TransportStdio          = "stdio"
)

// MCPServer is a registered Model Context Protocol endpoint whose tools
// are offered to the agent when enabled.
type MCPServer struct {
	Name      string            `json:"name"`
	URL       string            `json:"url,omitempty"`
	Transport string            `json:"transport"`
	Headers   map[string]string `json:"headers,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"created_at"`
}

// SaveMCPServer upserts a server registration by name.
func (s *Store) SaveMCPServer(srv *MCPServer) error {
	if srv.Name == "" {
		return apierr.InvalidInput("mcp server name is required")
	}
	switch srv.Transport {
	case "":
		srv.Transport = TransportStreamableHTTP
	case TransportStreamableHTTP, TransportStdio:
	default:
		return apierr.InvalidInput("invalid transport %q", srv.Transport)
	}
	if srv.Transport == TransportStreamableHTTP && srv.URL == "" {
		return apierr.InvalidInput("url is required for streamable-http transport")
	}
	if srv.Transport == TransportStdio && srv.Command == "" {
		return apierr.InvalidInput("command is required for stdio transport")
	}
	headers, _ := json.Marshal(srv.Headers)
	args, _ := json.Marshal(srv.Args)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO mcp_servers (name, url, transport, headers, command, args, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			url = excluded.url, transport = excluded.transport, headers = excluded.headers,
			command = excluded.command, args = excluded.args, enabled = excluded.enabled`,
		srv.Name, srv.URL, srv.Transport, string(headers), srv.Command, string(args), srv.Enabled, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save mcp server: %w", err)
	}
	return nil
}

// ListMCPServers returns all registrations, optionally only enabled ones.
func (s *Store) ListMCPServers(enabledOnly bool) ([]*MCPServer, error) {
	query := `SELECT name, url, transport, headers, command, args, enabled, created_at FROM mcp_servers`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list mcp servers: %w", err)
	}
	defer rows.Close()

	out := []*MCPServer{}
	for rows.Next() {
		var m MCPServer
		var headers, args string
		if err := rows.Scan(&m.Name, &m.URL, &m.Transport, &headers, &m.Command, &args, &m.Enabled, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan mcp server: %w", err)
		}
		_ = json.Unmarshal([]byte(headers), &m.Headers)
		_ = json.Unmarshal([]byte(args), &m.Args)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// RemoveMCPServer deletes a registration by name.
func (s *Store) RemoveMCPServer(name string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.Exec(`DELETE FROM mcp_servers WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("remove mcp server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NotFound("mcp server %q not found", name)
	}
	return nil
}

// SetMCPServerEnabled toggles a registration.
func (s *Store) SetMCPServerEnabled(name string, enabled bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.Exec(`UPDATE mcp_servers SET enabled = ? WHERE name = ?`, enabled, name)
	if err != nil {
		return fmt.Errorf("toggle mcp server: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NotFound("mcp server %q not found", name)
	}
	return nil
}
