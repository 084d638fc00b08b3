package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/suzent/suzent/pkg/suzent/apierr"
	"github.com/suzent/suzent/pkg/suzent/database"
	"github.com/suzent/suzent/pkg/suzent/memory"
	"github.com/suzent/suzent/pkg/suzent/streaming"
)

// Attachment is one uploaded file accompanying a turn.
type Attachment struct {
	Name string
	Data []byte
}

// TurnRequest describes one chat turn to process.
type TurnRequest struct {
	ChatID         string
	UserID         string
	Message        string
	Files          []Attachment
	ConfigOverride map[string]any
}

// Processor orchestrates a chat turn end to end: agent acquisition,
// state restore, attachments, streaming, and post-turn persistence.
type Processor struct {
	store     *database.Store
	agents    *Manager
	memory    *memory.Manager // nil when memory is disabled
	compactor *Compactor     // nil disables compression
	streams   *streaming.Registry

	uploadsDir         string
	transcriptIndexing bool

	logger *slog.Logger
}

// NewProcessor wires the turn processor. memory and compactor may be nil.
func NewProcessor(store *database.Store, agents *Manager, mem *memory.Manager, compactor *Compactor, streams *streaming.Registry, uploadsDir string, transcriptIndexing bool, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:              store,
		agents:             agents,
		memory:             mem,
		compactor:          compactor,
		streams:            streams,
		uploadsDir:         uploadsDir,
		transcriptIndexing: transcriptIndexing,
		logger:             logger.With("component", "processor"),
	}
}

// Streams exposes the controller registry for stop requests.
func (p *Processor) Streams() *streaming.Registry { return p.streams }

// ProcessTurn validates the request, registers the stream controller,
// and starts the turn. It returns the (possibly generated) chat id and
// the ordered event stream. Registration conflicts and input validation
// fail synchronously; later errors arrive as error events.
func (p *Processor) ProcessTurn(ctx context.Context, req TurnRequest) (string, <-chan streaming.Event, error) {
	if strings.TrimSpace(req.Message) == "" && len(req.Files) == 0 {
		return "", nil, apierr.InvalidInput("message or files required")
	}
	if req.ChatID == "" {
		req.ChatID = uuid.NewString()
	}
	if err := database.ValidateChatID(req.ChatID); err != nil {
		return "", nil, err
	}
	if req.UserID == "" {
		req.UserID = "default"
	}
	ctrl, err := p.streams.Register(req.ChatID)
	if err != nil {
		return "", nil, err
	}
	ch := make(chan streaming.Event, 16)
	go p.runTurn(ctx, req, ctrl, ch)
	return req.ChatID, ch, nil
}

// RunTurn processes a turn to completion and returns the final answer.
// Used by the scheduler, heartbeat, and social fan-in.
func (p *Processor) RunTurn(ctx context.Context, chatID, userID, message string, override map[string]any) (string, error) {
	_, ch, err := p.ProcessTurn(ctx, TurnRequest{
		ChatID:         chatID,
		UserID:         userID,
		Message:        message,
		ConfigOverride: override,
	})
	if err != nil {
		return "", err
	}
	var final, errMsg string
	for ev := range ch {
		data, _ := ev.Data.(map[string]string)
		switch ev.Type {
		case streaming.EventFinalAnswer:
			final = data["output"]
		case streaming.EventError:
			errMsg = data["message"]
		}
	}
	if errMsg != "" {
		return "", fmt.Errorf("turn failed: %s", errMsg)
	}
	return final, nil
}

// runTurn executes the turn body. Events flow into ch in emission order;
// ch is closed when the turn ends for any reason.
func (p *Processor) runTurn(ctx context.Context, req TurnRequest, ctrl *streaming.Controller, ch chan<- streaming.Event) {
	defer close(ch)
	defer p.streams.Unregister(req.ChatID)

	emit := func(ev streaming.Event) {
		// After cancellation no further events are delivered.
		select {
		case ch <- ev:
		case <-ctrl.Done():
		}
	}

	turnCtx, cancelTurn := context.WithCancel(ctx)
	defer cancelTurn()
	go func() {
		select {
		case <-ctrl.Done():
			cancelTurn()
		case <-turnCtx.Done():
		}
	}()

	// Merge the request override over stored user preferences.
	merged := p.effectiveConfig(req)

	// Acquire the cached agent for this configuration. The manager
	// mutex is held until the turn finishes.
	ag, release, err := p.agents.Acquire(turnCtx, merged, false)
	if err != nil {
		emit(streaming.Error(apierr.PublicMessage(err)))
		p.logger.Error("agent acquisition failed", "chat_id", req.ChatID, "error", err)
		return
	}
	defer release()

	// Restore prior agent state; a fresh agent on any failure.
	chat, err := p.ensureChat(req, merged)
	if err != nil {
		emit(streaming.Error(apierr.PublicMessage(err)))
		return
	}
	if st := DecodeState(chat.AgentState); st != nil {
		ag.Restore(st)
	} else {
		if len(chat.AgentState) > 0 {
			p.logger.Warn("undecodable agent state discarded, starting fresh", "chat_id", req.ChatID)
		}
		ag.ReplaceSteps(nil)
	}

	// Inject per-turn context into stateful tools.
	tc := TurnContext{
		ChatID: req.ChatID,
		UserID: req.UserID,
		Social: p.agents.social,
		Nodes:  p.agents.nodes,
	}
	if social, ok := merged["_social"].(map[string]any); ok {
		tc.ReplyPlatform, _ = social["platform"].(string)
		tc.ReplyTarget, _ = social["target"].(string)
	}
	ag.SetTurnContext(tc)

	// Persist attachments and build the full prompt.
	prompt, images, err := p.processAttachments(req)
	if err != nil {
		emit(streaming.Error(apierr.PublicMessage(err)))
		return
	}

	// Relevant archival memories ride along with the task, so recall
	// works without a tool round-trip.
	if p.memory != nil && boolValue(merged, "memory_enabled", true) {
		if block := p.memory.RetrievalContext(turnCtx, req.Message, req.UserID); block != "" {
			prompt = block + "\n\n" + prompt
		}
	}

	// Run the agent, streaming events as they arrive.
	stepsBefore := len(ag.Steps())
	final, runErr := ag.Run(turnCtx, prompt, images, emit)

	cancelled := ctrl.Cancelled() || errors.Is(runErr, context.Canceled)
	if cancelled {
		// Nothing from an interrupted turn is persisted.
		p.logger.Info("turn cancelled", "chat_id", req.ChatID, "reason", ctrl.Reason())
		return
	}
	if runErr != nil {
		emit(streaming.Error(runErr.Error()))
		p.logger.Error("agent run failed", "chat_id", req.ChatID, "error", runErr)
	}

	// Post-turn memory, compression, persistence. Best-effort:
	// failures here are logged, never surfaced to the client.
	p.postTurn(ctx, req, ag, chat, final, runErr, stepsBefore)
}

// effectiveConfig merges the request override over stored preferences
// and stamps the transient per-turn keys.
func (p *Processor) effectiveConfig(req TurnRequest) map[string]any {
	merged := map[string]any{}
	prefs, err := p.store.GetPreferences(req.UserID)
	if err != nil {
		p.logger.Warn("preferences unavailable", "user_id", req.UserID, "error", err)
		prefs = &database.Preferences{MemoryEnabled: true}
	}
	if prefs.Model != "" {
		merged["model"] = prefs.Model
	}
	if prefs.Agent != "" {
		merged["agent"] = prefs.Agent
	}
	if len(prefs.Tools) > 0 {
		merged["tools"] = prefs.Tools
	}
	merged["memory_enabled"] = prefs.MemoryEnabled
	for k, v := range req.ConfigOverride {
		merged[k] = v
	}
	merged["_chat_id"] = req.ChatID
	merged["_user_id"] = req.UserID
	return merged
}

// ensureChat loads the chat record, creating it on first contact.
func (p *Processor) ensureChat(req TurnRequest, merged map[string]any) (*database.Chat, error) {
	chat, err := p.store.GetChat(req.ChatID)
	if err == nil {
		return chat, nil
	}
	if apierr.CodeOf(err) != apierr.CodeNotFound {
		return nil, err
	}
	title := strings.TrimSpace(req.Message)
	if len(title) > 60 {
		title = title[:60]
	}
	persisted := map[string]any{}
	for k, v := range merged {
		if !strings.HasPrefix(k, "_") {
			persisted[k] = v
		}
	}
	return p.store.CreateChat(req.ChatID, title, persisted, nil)
}

// imageExtensions mark attachments that also go to the model as images.
var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
}

// processAttachments writes uploads to the per-chat directory and builds
// the full prompt with human-readable attachment annotations.
func (p *Processor) processAttachments(req TurnRequest) (string, [][]byte, error) {
	prompt := req.Message
	if len(req.Files) == 0 {
		return prompt, nil, nil
	}
	dir := filepath.Join(p.uploadsDir, req.ChatID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, apierr.Wrap(apierr.CodeInternal, err, "create uploads dir")
	}
	var images [][]byte
	var notes []string
	for _, f := range req.Files {
		name := filepath.Base(f.Name)
		if name == "" || name == "." {
			name = "upload"
		}
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			// Collision: suffix the base name with unix milliseconds.
			ext := filepath.Ext(name)
			base := strings.TrimSuffix(name, ext)
			name = fmt.Sprintf("%s_%d%s", base, time.Now().UnixMilli(), ext)
			path = filepath.Join(dir, name)
		}
		if err := os.WriteFile(path, f.Data, 0o644); err != nil {
			return "", nil, apierr.Wrap(apierr.CodeInternal, err, "write attachment")
		}
		virtual := "/persistence/uploads/" + name
		if imageExtensions[strings.ToLower(filepath.Ext(name))] {
			images = append(images, f.Data)
			notes = append(notes, fmt.Sprintf("[User attached an image: %s]", virtual))
		} else {
			notes = append(notes, fmt.Sprintf("[User attached a file: %s]", virtual))
		}
	}
	if len(notes) > 0 {
		prompt = strings.TrimSpace(prompt + "\n\n" + strings.Join(notes, "\n"))
	}
	return prompt, images, nil
}

// postTurn runs memory extraction, compression, and persistence after
// the agent run. Everything here is best-effort.
func (p *Processor) postTurn(ctx context.Context, req TurnRequest, ag *Agent, chat *database.Chat, final string, runErr error, stepsBefore int) {
	// Post-turn work gets its own deadline, detached from the request.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	memoryOn := p.memory != nil
	if v, ok := chat.Config["memory_enabled"].(bool); ok && !v {
		memoryOn = false
	}
	// Extraction also runs for error turns; the user message still
	// carries facts worth keeping.
	if memoryOn {
		turn := memory.ConversationTurn{UserMessage: req.Message, AssistantMessage: final}
		for _, s := range ag.Steps()[stepsBefore:] {
			switch s.Type {
			case StepPlanning:
				turn.AgentReasoning = append(turn.AgentReasoning, s.Plan)
			case StepAction:
				if s.ModelOutput != "" {
					turn.AgentReasoning = append(turn.AgentReasoning, s.ModelOutput)
				}
				for _, tcall := range s.ToolCalls {
					turn.AgentActions = append(turn.AgentActions, fmt.Sprintf("%s(%s)", tcall.Name, tcall.Arguments))
				}
			}
		}
		p.memory.ProcessTurn(bg, turn, req.ChatID, req.UserID)
	}

	if p.compactor != nil {
		if _, err := p.compactor.CompressIfNeeded(bg, ag, req.ChatID, req.UserID); err != nil {
			p.logger.Warn("compression failed", "chat_id", req.ChatID, "error", err)
		}
	}

	messages := append([]database.Message{}, chat.Messages...)
	now := time.Now().UTC()
	messages = append(messages, database.Message{Role: "user", Content: req.Message, Timestamp: now})
	if runErr == nil {
		messages = append(messages, database.Message{Role: "assistant", Content: final, Timestamp: now})
	}
	state, err := EncodeState(ag)
	if err != nil {
		p.logger.Error("agent state encode failed", "chat_id", req.ChatID, "error", err)
		state = nil
	}
	upd := database.ChatUpdate{Messages: &messages}
	if state != nil {
		upd.AgentState = &state
	}
	if err := p.store.UpdateChat(req.ChatID, upd); err != nil {
		p.logger.Error("turn persistence failed", "chat_id", req.ChatID, "error", err)
		return
	}

	// A plan laid out in the agent's output becomes the chat's latest
	// plan version.
	if runErr == nil {
		if plan := planFromTurn(req.ChatID, final, ag.Steps()[stepsBefore:]); plan != nil {
			if err := p.store.SavePlan(plan); err != nil {
				p.logger.Warn("plan persistence failed", "chat_id", req.ChatID, "error", err)
			}
		}
	}

	if p.transcriptIndexing && memoryOn && runErr == nil {
		var b strings.Builder
		for _, m := range messages {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		if _, err := p.memory.IndexTranscript(bg, req.ChatID, req.UserID, b.String()); err != nil {
			p.logger.Warn("transcript indexing failed", "chat_id", req.ChatID, "error", err)
		}
	}
}
