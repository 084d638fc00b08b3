package memory

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ReindexStats reports the outcome of a markdown → vector rebuild.
type ReindexStats struct {
	TotalFiles int `json:"total_files"`
	TotalFacts int `json:"total_facts"`
	Indexed    int `json:"indexed"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// Reindex rebuilds the vector index from the daily log files, newest
// first. With clearExisting, the user's rows are dropped first so running
// the rebuild twice leaves the same row count.
func (m *Manager) Reindex(ctx context.Context, userID string, clearExisting bool) (*ReindexStats, error) {
	stats := &ReindexStats{}
	dates, err := m.markdown.ListDailyLogs()
	if err != nil {
		return stats, fmt.Errorf("list daily logs: %w", err)
	}
	if clearExisting {
		if err := m.vector.DeleteAll(userID); err != nil {
			return stats, fmt.Errorf("clear existing: %w", err)
		}
	}
	for _, date := range dates {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		content, err := m.markdown.ReadDailyLog(date)
		if err != nil {
			stats.Errors++
			continue
		}
		stats.TotalFiles++
		day, _ := time.Parse("2006-01-02", date)
		for _, pf := range ParseDailyLog(content) {
			stats.TotalFacts++
			if strings.TrimSpace(pf.Content) == "" {
				stats.Skipped++
				continue
			}
			embedding, err := m.embedder.Embed(ctx, pf.Content)
			if err != nil {
				m.logger.Warn("reindex embedding failed", "date", date, "error", err)
				stats.Errors++
				continue
			}
			fact := Fact{
				UserID:     userID,
				ChatID:     pf.ChatPrefix,
				Content:    pf.Content,
				Category:   pf.Category,
				Importance: pf.Importance,
				Tags:       pf.Tags,
				Embedding:  embedding,
				Metadata: map[string]string{
					"source_chat_id": pf.ChatPrefix,
					"source_date":    date,
					"source_time":    pf.Time,
				},
				CreatedAt: day,
			}
			if pf.Context != "" {
				fact.Metadata["conversation_context"] = pf.Context
			}
			if err := m.vector.Add(fact); err != nil {
				stats.Errors++
				continue
			}
			stats.Indexed++
		}
	}
	m.logger.Info("reindex complete",
		"files", stats.TotalFiles, "facts", stats.TotalFacts,
		"indexed", stats.Indexed, "errors", stats.Errors)
	return stats, nil
}
