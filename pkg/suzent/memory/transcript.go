package memory

import (
	"context"
	"fmt"
	"strings"
)

const (
	transcriptChunkWords   = 400
	transcriptChunkOverlap = 80
	transcriptImportance   = 0.3
)

// IndexTranscript chunks a chat's message log into overlapping word
// windows and stores each chunk as a low-importance archival row with
// category "transcript". Opt-in; used after turn persistence.
func (m *Manager) IndexTranscript(ctx context.Context, chatID, userID, transcript string) (int, error) {
	chunks := chunkWords(transcript, transcriptChunkWords, transcriptChunkOverlap)
	indexed := 0
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			return indexed, ctx.Err()
		}
		embedding, err := m.embedder.Embed(ctx, chunk)
		if err != nil {
			return indexed, fmt.Errorf("embed transcript chunk: %w", err)
		}
		err = m.vector.Add(Fact{
			UserID:     userID,
			ChatID:     chatID,
			Content:    chunk,
			Category:   "transcript",
			Importance: transcriptImportance,
			Embedding:  embedding,
			Metadata: map[string]string{
				"source_chat_id": chatID,
				"chunk":          fmt.Sprintf("%d/%d", i+1, len(chunks)),
			},
		})
		if err != nil {
			return indexed, err
		}
		indexed++
	}
	return indexed, nil
}

// chunkWords splits text into windows of size words with the given overlap.
func chunkWords(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if size <= 0 {
		size = transcriptChunkWords
	}
	if overlap >= size {
		overlap = size / 4
	}
	step := size - overlap
	var out []string
	for start := 0; start < len(words); start += step {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		out = append(out, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return out
}
