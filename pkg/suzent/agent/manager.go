package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/suzent/suzent/pkg/suzent/config"
	"github.com/suzent/suzent/pkg/suzent/llm"
	"github.com/suzent/suzent/pkg/suzent/memory"
)

// transientConfigKeys are per-turn values that must not force an agent
// rebuild when they change.
var transientConfigKeys = map[string]bool{
	"_runtime": true,
	"_chat_id": true,
	"_user_id": true,
}

// ProviderFactory builds an LLM client for a resolved model config.
type ProviderFactory func(m config.ModelConfig) llm.Provider

// Manager owns the process-wide cached agent. The agent is rebuilt when
// the effective configuration fingerprint changes or a reset is forced;
// otherwise turns reuse the cached instance. The mutex is held for the
// whole turn, so the agent never crosses a suspension point unguarded.
type Manager struct {
	cfg    *config.Config
	memory *memory.Manager // nil when memory is disabled
	logger *slog.Logger

	social      SocialSender
	nodes       NodeInvoker
	mcpTools    func(ctx context.Context) []Tool
	providerFor ProviderFactory

	mu          sync.Mutex
	current     *Agent
	fingerprint string
}

// NewManager creates the session manager. mem may be nil.
func NewManager(cfg *config.Config, mem *memory.Manager, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:    cfg,
		memory: mem,
		logger: logger.With("component", "agent.manager"),
	}
	m.providerFor = func(mc config.ModelConfig) llm.Provider {
		return llm.NewOpenAIClient(mc.APIKey, mc.BaseURL, cfg.Memory.EmbeddingModel, logger)
	}
	return m
}

// SetSocial wires the channel manager handle used by the social tool.
func (m *Manager) SetSocial(s SocialSender) { m.social = s }

// SetNodes wires the node manager handle used by the node tool.
func (m *Manager) SetNodes(n NodeInvoker) { m.nodes = n }

// SetMCPToolLoader wires the loader that resolves MCP tools per build.
func (m *Manager) SetMCPToolLoader(f func(ctx context.Context) []Tool) { m.mcpTools = f }

// SetProviderFactory overrides LLM client construction (used in tests).
func (m *Manager) SetProviderFactory(f ProviderFactory) { m.providerFor = f }

// Acquire returns the cached agent (rebuilding if turnCfg's fingerprint
// changed or reset is set) and a release function. The manager mutex is
// held until release is called, serializing agent use across turns.
func (m *Manager) Acquire(ctx context.Context, turnCfg map[string]any, reset bool) (*Agent, func(), error) {
	m.mu.Lock()
	fp := Fingerprint(turnCfg)
	if m.current == nil || m.fingerprint != fp || reset {
		agent, err := m.build(ctx, turnCfg)
		if err != nil {
			m.mu.Unlock()
			return nil, nil, err
		}
		if m.current != nil {
			m.logger.Info("agent rebuilt", "reset", reset)
		}
		m.current = agent
		m.fingerprint = fp
	}
	released := false
	release := func() {
		if !released {
			released = true
			m.mu.Unlock()
		}
	}
	return m.current, release, nil
}

// Invalidate drops the cached agent so the next turn rebuilds.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
	m.fingerprint = ""
}

// Fingerprint computes a stable hash of a turn config, ignoring the
// transient keys. JSON marshaling sorts map keys, making this stable.
func Fingerprint(turnCfg map[string]any) string {
	filtered := make(map[string]any, len(turnCfg))
	for k, v := range turnCfg {
		if !transientConfigKeys[k] {
			filtered[k] = v
		}
	}
	data, err := json.Marshal(filtered)
	if err != nil {
		return "unfingerprintable"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
