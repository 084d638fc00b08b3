package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/suzent/suzent/pkg/suzent/apierr"
	"github.com/suzent/suzent/pkg/suzent/config"
)

const defaultInstructions = `You are Suzent, a local digital coworker. You help with whatever the user is working on: you remember what matters across conversations, you use your tools when they get the job done better than words, and you answer plainly when they don't.`

// build constructs a fresh agent from the effective turn config: model
// resolution, tool union, MCP toolset, and composed instructions.
func (m *Manager) build(ctx context.Context, turnCfg map[string]any) (*Agent, error) {
	modelCfg, err := m.resolveModel(stringValue(turnCfg, "model"))
	if err != nil {
		return nil, err
	}
	memoryOn := boolValue(turnCfg, "memory_enabled", true) && m.memory != nil

	tools := m.resolveTools(ctx, turnCfg, memoryOn)
	instructions := m.composeInstructions(turnCfg, memoryOn)

	agent := NewAgent(
		modelCfg.Name,
		instructions,
		m.cfg.Agent.MaxSteps,
		m.providerFor(modelCfg),
		tools,
		m.logger,
	)
	m.logger.Info("agent built", "model", modelCfg.Name, "tools", len(tools), "memory", memoryOn)
	return agent, nil
}

// resolveModel picks the requested model from the enabled set, falling
// back to the first enabled model with a warning when the request is
// unknown. No enabled models is a hard failure.
func (m *Manager) resolveModel(requested string) (config.ModelConfig, error) {
	enabled := m.cfg.EnabledModels()
	if len(enabled) == 0 {
		return config.ModelConfig{}, apierr.NoModelConfigured("no LLM models are enabled; enable one in the configuration")
	}
	if requested == "" {
		return enabled[0], nil
	}
	for _, mc := range enabled {
		if mc.Name == requested {
			return mc, nil
		}
	}
	m.logger.Warn("requested model not enabled, falling back", "requested", requested, "fallback", enabled[0].Name)
	return enabled[0], nil
}

// resolveTools unions the auto-equipped tool set with the user-requested
// names and the MCP toolset. Load failures are logged and skipped.
func (m *Manager) resolveTools(ctx context.Context, turnCfg map[string]any, memoryOn bool) []Tool {
	var tools []Tool
	if memoryOn {
		tools = append(tools,
			&memorySearchTool{memory: m.memory},
			&memoryBlockTool{memory: m.memory},
		)
	}
	if _, ok := turnCfg["_social"]; ok && m.social != nil {
		tools = append(tools, &socialMessageTool{})
	}
	if m.nodes != nil {
		tools = append(tools, &nodeInvokeTool{})
	}
	if m.mcpTools != nil {
		tools = append(tools, m.mcpTools(ctx)...)
	}
	return tools
}

// composeInstructions layers the system prompt: base instructions,
// current date, sandbox volumes, core memory, and social context.
func (m *Manager) composeInstructions(turnCfg map[string]any, memoryOn bool) string {
	var b strings.Builder
	base := m.cfg.Agent.Instructions
	if base == "" {
		base = defaultInstructions
	}
	b.WriteString(base)
	fmt.Fprintf(&b, "\n\nCurrent date: %s.", time.Now().Format("Monday, January 2, 2006"))
	if len(m.cfg.Agent.SandboxVolumes) > 0 {
		fmt.Fprintf(&b, "\nAccessible volumes: %s.", strings.Join(m.cfg.Agent.SandboxVolumes, ", "))
	}
	if memoryOn {
		userID := stringValue(turnCfg, "_user_id")
		if core := m.memory.FormatCoreMemory(userID); core != "" {
			b.WriteString("\n\n")
			b.WriteString(core)
		}
	}
	if social, ok := turnCfg["_social"].(map[string]any); ok {
		platform, _ := social["platform"].(string)
		sender, _ := social["sender_name"].(string)
		fmt.Fprintf(&b, "\n\nThis conversation arrives via %s from %s. Keep replies in a tone that suits the platform. Use the social_message tool only for progress updates; your final answer is delivered automatically.", platform, sender)
	}
	return b.String()
}

func stringValue(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func boolValue(m map[string]any, key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}
