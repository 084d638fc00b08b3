// Package gateway exposes the HTTP, SSE, and WebSocket surface of the
// server: chat turns, chat CRUD, memory inspection, cron and heartbeat
// control, the node gateway, and the desktop-shell port contract.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/suzent/suzent/pkg/suzent/agent"
	"github.com/suzent/suzent/pkg/suzent/apierr"
	"github.com/suzent/suzent/pkg/suzent/config"
	"github.com/suzent/suzent/pkg/suzent/database"
	"github.com/suzent/suzent/pkg/suzent/heartbeat"
	"github.com/suzent/suzent/pkg/suzent/mcp"
	"github.com/suzent/suzent/pkg/suzent/memory"
	"github.com/suzent/suzent/pkg/suzent/nodes"
	"github.com/suzent/suzent/pkg/suzent/scheduler"
)

// Server is the HTTP gateway over all subsystems. Optional subsystems
// (memory, scheduler, heartbeat, mcp) may be nil; their routes then
// answer 503.
type Server struct {
	cfg       *config.Config
	store     *database.Store
	processor *agent.Processor
	memory    *memory.Manager
	scheduler *scheduler.Scheduler
	heartbeat *heartbeat.Heartbeat
	nodes     *nodes.Manager
	mcp       *mcp.Manager

	version string
	started time.Time
	logger  *slog.Logger

	httpSrv *http.Server
}

// Options carries the subsystem handles for New.
type Options struct {
	Config    *config.Config
	Store     *database.Store
	Processor *agent.Processor
	Memory    *memory.Manager
	Scheduler *scheduler.Scheduler
	Heartbeat *heartbeat.Heartbeat
	Nodes     *nodes.Manager
	MCP       *mcp.Manager
	Version   string
	Logger    *slog.Logger
}

// New assembles the gateway.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       opts.Config,
		store:     opts.Store,
		processor: opts.Processor,
		memory:    opts.Memory,
		scheduler: opts.Scheduler,
		heartbeat: opts.Heartbeat,
		nodes:     opts.Nodes,
		mcp:       opts.MCP,
		version:   opts.Version,
		started:   time.Now(),
		logger:    logger.With("component", "gateway"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /chat/stop", s.handleChatStop)
	mux.HandleFunc("GET /chats", s.handleListChats)
	mux.HandleFunc("POST /chats", s.handleCreateChat)
	mux.HandleFunc("GET /chats/{id}", s.handleGetChat)
	mux.HandleFunc("PUT /chats/{id}", s.handleUpdateChat)
	mux.HandleFunc("DELETE /chats/{id}", s.handleDeleteChat)

	mux.HandleFunc("GET /plans", s.handleListPlans)
	mux.HandleFunc("GET /plan", s.handleGetPlan)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.HandleFunc("POST /preferences", s.handleSetPreferences)

	mux.HandleFunc("GET /mcp_servers", s.handleListMCPServers)
	mux.HandleFunc("POST /mcp_servers", s.handleSaveMCPServer)
	mux.HandleFunc("POST /mcp_servers/remove", s.handleRemoveMCPServer)
	mux.HandleFunc("POST /mcp_servers/enabled", s.handleSetMCPServerEnabled)

	mux.HandleFunc("GET /memory/archival", s.handleMemorySearch)
	mux.HandleFunc("DELETE /memory/archival/{id}", s.handleMemoryDelete)
	mux.HandleFunc("GET /memory/core", s.handleGetCoreMemory)
	mux.HandleFunc("PUT /memory/core", s.handleSetCoreMemory)
	mux.HandleFunc("POST /memory/reindex", s.handleMemoryReindex)
	mux.HandleFunc("GET /memory/stats", s.handleMemoryStats)
	mux.HandleFunc("GET /memory/daily", s.handleMemoryDailyList)
	mux.HandleFunc("GET /memory/daily/{date}", s.handleMemoryDailyRead)
	mux.HandleFunc("GET /memory/file", s.handleMemoryFile)

	mux.HandleFunc("POST /cron/jobs", s.handleCreateCronJob)
	mux.HandleFunc("GET /cron/jobs", s.handleListCronJobs)
	mux.HandleFunc("GET /cron/jobs/{id}", s.handleGetCronJob)
	mux.HandleFunc("PUT /cron/jobs/{id}", s.handleUpdateCronJob)
	mux.HandleFunc("DELETE /cron/jobs/{id}", s.handleDeleteCronJob)
	mux.HandleFunc("POST /cron/jobs/{id}/trigger", s.handleTriggerCronJob)
	mux.HandleFunc("GET /cron/jobs/{id}/runs", s.handleListCronRuns)
	mux.HandleFunc("GET /cron/status", s.handleCronStatus)
	mux.HandleFunc("GET /cron/notifications", s.handleCronNotifications)

	mux.HandleFunc("GET /heartbeat/status", s.handleHeartbeatStatus)
	mux.HandleFunc("POST /heartbeat/enable", s.handleHeartbeatEnable)
	mux.HandleFunc("POST /heartbeat/disable", s.handleHeartbeatDisable)
	mux.HandleFunc("POST /heartbeat/trigger", s.handleHeartbeatTrigger)
	mux.HandleFunc("POST /heartbeat/interval", s.handleHeartbeatInterval)
	mux.HandleFunc("GET /heartbeat/md", s.handleHeartbeatRead)
	mux.HandleFunc("POST /heartbeat/md", s.handleHeartbeatWrite)

	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /nodes/{id}", s.handleGetNode)
	mux.HandleFunc("POST /nodes/{id}/invoke", s.handleInvokeNode)
	mux.HandleFunc("GET /ws/node", s.handleNodeSocket)

	mux.HandleFunc("GET /health", s.handleHealth)

	return mux
}

// Start binds the listener, publishes the effective port, and serves
// until the context is cancelled. Bind happens before the port is
// announced so SERVER_PORT is always connectable.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	if err := s.writePortFile(port); err != nil {
		s.logger.Warn("port file write failed", "error", err)
	}
	// Desktop shell contract: the effective port on stdout.
	fmt.Printf("SERVER_PORT:%d\n", port)
	s.logger.Info("http server listening", "addr", ln.Addr().String())

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpSrv.Serve(ln) }()

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Shutdown drains the server and removes the port file.
func (s *Server) Shutdown() error {
	defer os.Remove(s.cfg.PortFile())
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) writePortFile(port int) error {
	return os.WriteFile(s.cfg.PortFile(), []byte(strconv.Itoa(port)), 0o644)
}

// writeJSON renders a success response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. Internal
// detail never leaves the process on 500s.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apierr.HTTPStatus(err)
	if status >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{
		"error": apierr.PublicMessage(err),
		"code":  string(apierr.CodeOf(err)),
	})
}

// decodeBody parses a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.InvalidInput("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}
