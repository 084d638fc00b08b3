package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/suzent/suzent/pkg/suzent/llm"
)

// Manager ties fact extraction, the vector index, and the markdown store
// together. Every write goes to both tiers: vector rows for retrieval,
// markdown for durability.
type Manager struct {
	vector   *VectorStore
	markdown *MarkdownStore
	embedder llm.Embedder

	// extractor and extractorModel select the LLM used for fact
	// extraction. Nil/empty falls back to the heuristic extractor.
	extractor      llm.Provider
	extractorModel string

	logger *slog.Logger
}

// NewManager builds a memory manager. extractor may be nil.
func NewManager(vector *VectorStore, markdown *MarkdownStore, embedder llm.Embedder, extractor llm.Provider, extractorModel string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		vector:         vector,
		markdown:       markdown,
		embedder:       embedder,
		extractor:      extractor,
		extractorModel: extractorModel,
		logger:         logger.With("component", "memory"),
	}
}

// Vector exposes the archival index for inspection routes.
func (m *Manager) Vector() *VectorStore { return m.vector }

// Markdown exposes the markdown store for inspection routes.
func (m *Manager) Markdown() *MarkdownStore { return m.markdown }

// ExtractionResult summarizes what one turn contributed to memory.
type ExtractionResult struct {
	ExtractedFacts  []Fact `json:"extracted_facts"`
	MemoriesCreated int    `json:"memories_created"`
	MemoriesUpdated int    `json:"memories_updated"`
}

// ProcessTurn extracts facts from a finished turn and writes them to both
// stores. Extraction failure never blocks the turn: errors are logged and
// an empty result returned.
func (m *Manager) ProcessTurn(ctx context.Context, turn ConversationTurn, chatID, userID string) *ExtractionResult {
	result := &ExtractionResult{}
	if strings.TrimSpace(turn.UserMessage) == "" && strings.TrimSpace(turn.AssistantMessage) == "" {
		return result
	}
	extracted, err := m.extractFacts(ctx, turn)
	if err != nil {
		m.logger.Warn("fact extraction failed", "chat_id", chatID, "error", err)
		return result
	}
	now := time.Now()
	for _, ef := range extracted {
		content := strings.TrimSpace(ef.Content)
		if content == "" {
			continue
		}
		if !ValidCategory(ef.Category) {
			ef.Category = "general"
		}
		fact := Fact{
			UserID:     userID,
			ChatID:     chatID,
			Content:    content,
			Category:   ef.Category,
			Importance: ef.Importance,
			Tags:       ef.Tags,
			Metadata: map[string]string{
				"source_chat_id": chatID,
				"source_date":    now.Format("2006-01-02"),
				"source_time":    now.Format("15:04"),
			},
		}
		if ef.ConversationContext != "" {
			fact.Metadata["conversation_context"] = ef.ConversationContext
		}
		embedding, err := m.embedder.Embed(ctx, content)
		if err != nil {
			m.logger.Warn("embedding failed", "chat_id", chatID, "error", err)
			continue
		}
		fact.Embedding = embedding
		if err := m.vector.Add(fact); err != nil {
			m.logger.Warn("vector insert failed", "chat_id", chatID, "error", err)
			continue
		}
		result.ExtractedFacts = append(result.ExtractedFacts, fact)
		result.MemoriesCreated++
	}
	if len(result.ExtractedFacts) > 0 {
		if err := m.markdown.AppendDailyLog(chatID, result.ExtractedFacts, now); err != nil {
			m.logger.Warn("daily log append failed", "chat_id", chatID, "error", err)
		}
		m.logger.Info("memories extracted", "chat_id", chatID, "count", result.MemoriesCreated)
	}
	return result
}

// Search embeds the query and returns the top-k matching facts.
func (m *Manager) Search(ctx context.Context, query, userID string, k int, minImportance float64) ([]SearchResult, error) {
	vec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return m.vector.SearchByEmbedding(userID, vec, k, minImportance)
}

// RetrievalContext renders the top-5 relevant memories as a prompt block.
// Facts with importance above 0.7 are starred. Empty when nothing matches.
func (m *Manager) RetrievalContext(ctx context.Context, query, userID string) string {
	results, err := m.Search(ctx, query, userID, 5, 0)
	if err != nil {
		m.logger.Debug("memory retrieval failed", "error", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("<memory>\nRelevant memories about this user:\n")
	for _, r := range results {
		marker := ""
		if r.Fact.Importance > 0.7 {
			marker = "★ "
		}
		fmt.Fprintf(&b, "- %s[%s] %s\n", marker, r.Fact.Category, r.Fact.Content)
	}
	b.WriteString("</memory>")
	return b.String()
}

// FormatCoreMemory renders the user's core blocks as the always-injected
// prompt section. Empty when no blocks exist.
func (m *Manager) FormatCoreMemory(userID string) string {
	blocks, err := m.vector.GetCoreMemory(userID)
	if err != nil {
		m.logger.Debug("core memory read failed", "error", err)
		return ""
	}
	if len(blocks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Memory System\n")
	for _, label := range CoreLabels {
		if content, ok := blocks[label]; ok && strings.TrimSpace(content) != "" {
			fmt.Fprintf(&b, "\n### %s\n%s\n", label, strings.TrimSpace(content))
		}
	}
	return b.String()
}
