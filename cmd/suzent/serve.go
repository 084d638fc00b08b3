package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/suzent/suzent/pkg/suzent/agent"
	"github.com/suzent/suzent/pkg/suzent/channels"
	"github.com/suzent/suzent/pkg/suzent/config"
	"github.com/suzent/suzent/pkg/suzent/database"
	"github.com/suzent/suzent/pkg/suzent/gateway"
	"github.com/suzent/suzent/pkg/suzent/heartbeat"
	"github.com/suzent/suzent/pkg/suzent/llm"
	"github.com/suzent/suzent/pkg/suzent/mcp"
	"github.com/suzent/suzent/pkg/suzent/memory"
	"github.com/suzent/suzent/pkg/suzent/nodes"
	"github.com/suzent/suzent/pkg/suzent/scheduler"
	"github.com/suzent/suzent/pkg/suzent/streaming"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	if err := cfg.EnsureDirs(); err != nil {
		return fmt.Errorf("prepare data directories: %w", err)
	}
	config.ResolveKeys(cfg, logger)

	store, err := database.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	streams := streaming.NewRegistry(logger)

	mem, err := buildMemory(cfg, logger)
	if err != nil {
		return err
	}
	if mem != nil {
		defer mem.Vector().Close()
	}

	agents := agent.NewManager(cfg, mem, logger)

	nodesMgr := nodes.NewManager(logger)
	nodesMgr.Register(nodes.NewLocalNode(logger))
	agents.SetNodes(nodesMgr)

	channelMgr := channels.NewManager(cfg.Channels, logger)
	agents.SetSocial(channelMgr)

	mcpMgr := mcp.NewManager(store, logger)
	defer mcpMgr.Close()
	agents.SetMCPToolLoader(mcpMgr.Tools)

	compactor := buildCompactor(cfg, mem, logger)
	proc := agent.NewProcessor(store, agents, mem, compactor, streams,
		cfg.UploadsDir(), cfg.Memory.TranscriptIndexing, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(store, proc.RunTurn, streams,
		time.Duration(cfg.Scheduler.TickSeconds)*time.Second, logger)
	sched.Start(ctx)
	defer sched.Stop()

	hb := heartbeat.New(store, proc.RunTurn, streams, sched.Notifications(),
		cfg.HeartbeatFile(), cfg.HeartbeatInterval(), logger)
	if cfg.Heartbeat.Enabled {
		hb.Start(ctx)
	}
	defer hb.Stop()

	brain := channels.NewBrain(channelMgr, proc, logger)
	go brain.Run(ctx)
	channelMgr.Start(ctx)
	defer channelMgr.Stop()

	srv := gateway.New(gateway.Options{
		Config:    cfg,
		Store:     store,
		Processor: proc,
		Memory:    mem,
		Scheduler: sched,
		Heartbeat: hb,
		Nodes:     nodesMgr,
		MCP:       mcpMgr,
		Version:   version,
		Logger:    logger,
	})
	logger.Info("suzent starting", "version", version, "data_dir", cfg.DataDir)
	return srv.Start(ctx)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		cfg := config.Default()
		return &cfg, nil
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	return &cfg, nil
}

func buildLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// buildMemory assembles the two-tier memory system when enabled. The
// extractor and embedder share one OpenAI-compatible client.
func buildMemory(cfg *config.Config, logger *slog.Logger) (*memory.Manager, error) {
	if !cfg.Memory.Enabled {
		return nil, nil
	}
	mc, ok := pickModel(cfg, cfg.Memory.ExtractorModel)
	if !ok {
		logger.Warn("memory enabled but no model is available, memory disabled")
		return nil, nil
	}
	client := llm.NewOpenAIClient(mc.APIKey, mc.BaseURL, cfg.Memory.EmbeddingModel, logger)
	vector, err := memory.OpenVectorStore(cfg.VectorDBPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	markdown := memory.NewMarkdownStore(cfg.MemoryDir())
	return memory.NewManager(vector, markdown, client, client, mc.Name, logger), nil
}

// buildCompactor wires history compression to the first enabled model.
func buildCompactor(cfg *config.Config, mem *memory.Manager, logger *slog.Logger) *agent.Compactor {
	enabled := cfg.EnabledModels()
	if len(enabled) == 0 {
		return nil
	}
	mc := enabled[0]
	provider := llm.NewOpenAIClient(mc.APIKey, mc.BaseURL, cfg.Memory.EmbeddingModel, logger)
	return agent.NewCompactor(provider, mc.Name, mem,
		cfg.Agent.MaxHistorySteps, cfg.Agent.MaxContextTokens, logger)
}

// pickModel resolves a named model from the enabled set, falling back to
// the first enabled model.
func pickModel(cfg *config.Config, name string) (config.ModelConfig, bool) {
	enabled := cfg.EnabledModels()
	if len(enabled) == 0 {
		return config.ModelConfig{}, false
	}
	for _, mc := range enabled {
		if name != "" && mc.Name == name {
			return mc, true
		}
	}
	return enabled[0], true
}
