// Package memory implements Suzent's two-tier long-term memory: a
// vector-searchable archival store of extracted facts backed by SQLite,
// and human-readable markdown files that remain the source of truth.
// Embeddings are stored as JSON-encoded float32 arrays and searched with
// in-process cosine similarity, so no vector extension is needed.
package memory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver.

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

// Fact categories form a closed set.
var Categories = []string{
	"personal", "preference", "goal", "context",
	"technical", "interaction", "general", "transcript",
}

// ValidCategory reports whether c is in the closed category set.
func ValidCategory(c string) bool {
	for _, v := range Categories {
		if v == c {
			return true
		}
	}
	return false
}

// Fact is one extracted archival memory row.
type Fact struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	ChatID     string            `json:"chat_id,omitempty"`
	Content    string            `json:"content"`
	Category   string            `json:"category"`
	Importance float64           `json:"importance"`
	Tags       []string          `json:"tags,omitempty"`
	Embedding  []float32         `json:"-"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// SearchResult is a fact with its similarity score.
type SearchResult struct {
	Fact  Fact    `json:"fact"`
	Score float64 `json:"score"`
}

// Stats summarizes the archival store contents.
type Stats struct {
	TotalFacts int            `json:"total_facts"`
	Dimension  int            `json:"dimension"`
	ByCategory map[string]int `json:"by_category"`
}

// VectorStore is the SQLite-backed archival index with an in-memory
// embedding cache for cosine search.
type VectorStore struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.RWMutex
	cache []Fact
	// dim is the embedding dimension, auto-detected from the first row
	// and fixed for the process lifetime.
	dim int
}

// OpenVectorStore opens (or creates) the archival index at path.
func OpenVectorStore(path string, logger *slog.Logger) (*VectorStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	v := &VectorStore{db: db, logger: logger.With("component", "memory.vector")}
	if err := v.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init vector schema: %w", err)
	}
	if err := v.refreshCache(); err != nil {
		v.logger.Warn("failed to load vector cache", "error", err)
	}
	return v, nil
}

// Close closes the underlying database.
func (v *VectorStore) Close() error { return v.db.Close() }

func (v *VectorStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS facts (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			chat_id    TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL,
			category   TEXT NOT NULL DEFAULT 'general',
			importance REAL NOT NULL DEFAULT 0.5,
			tags       TEXT NOT NULL DEFAULT '[]',
			embedding  TEXT NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_facts_user ON facts(user_id, created_at);

		CREATE TABLE IF NOT EXISTS core_memory (
			user_id    TEXT NOT NULL,
			label      TEXT NOT NULL,
			content    TEXT NOT NULL,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, label)
		);
	`
	_, err := v.db.Exec(schema)
	return err
}

// Add inserts a fact row. The first insert pins the embedding dimension;
// later rows with a different dimension are rejected.
func (v *VectorStore) Add(fact Fact) error {
	if fact.Content == "" {
		return apierr.InvalidInput("fact content is required")
	}
	if fact.UserID == "" {
		return apierr.InvalidInput("fact user_id is required")
	}
	if !ValidCategory(fact.Category) {
		fact.Category = "general"
	}
	if len(fact.Embedding) == 0 {
		return apierr.InvalidInput("fact embedding is required")
	}
	if fact.Importance < 0 {
		fact.Importance = 0
	}
	if fact.Importance > 1 {
		fact.Importance = 1
	}
	fact.Tags = dedupeTags(fact.Tags)
	if fact.ID == "" {
		fact.ID = uuid.NewString()
	}
	if fact.CreatedAt.IsZero() {
		fact.CreatedAt = time.Now().UTC()
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dim == 0 {
		v.dim = len(fact.Embedding)
		v.logger.Info("embedding dimension pinned", "dimension", v.dim)
	} else if len(fact.Embedding) != v.dim {
		return apierr.InvalidInput("embedding dimension %d does not match pinned dimension %d", len(fact.Embedding), v.dim)
	}

	tags, _ := json.Marshal(fact.Tags)
	embedding, _ := json.Marshal(fact.Embedding)
	metadata, _ := json.Marshal(fact.Metadata)
	_, err := v.db.Exec(`
		INSERT INTO facts (id, user_id, chat_id, content, category, importance, tags, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fact.ID, fact.UserID, fact.ChatID, fact.Content, fact.Category, fact.Importance,
		string(tags), string(embedding), string(metadata), fact.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert fact: %w", err)
	}
	v.cache = append(v.cache, fact)
	return nil
}

// SearchByEmbedding returns the top-k facts for a user ranked by cosine
// similarity to queryVec, filtered by minimum importance.
func (v *VectorStore) SearchByEmbedding(userID string, queryVec []float32, k int, minImportance float64) ([]SearchResult, error) {
	if k <= 0 {
		k = 5
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.dim != 0 && len(queryVec) != v.dim {
		return nil, apierr.InvalidInput("query dimension %d does not match pinned dimension %d", len(queryVec), v.dim)
	}
	results := make([]SearchResult, 0, k)
	for _, f := range v.cache {
		if f.UserID != userID || f.Importance < minImportance {
			continue
		}
		score := cosineSimilarity(queryVec, f.Embedding)
		results = append(results, SearchResult{Fact: f, Score: score})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Delete removes a fact by id.
func (v *VectorStore) Delete(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	res, err := v.db.Exec(`DELETE FROM facts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete fact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NotFound("fact %q not found", id)
	}
	for i, f := range v.cache {
		if f.ID == id {
			v.cache = append(v.cache[:i], v.cache[i+1:]...)
			break
		}
	}
	return nil
}

// DeleteAll removes every fact belonging to a user.
func (v *VectorStore) DeleteAll(userID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, err := v.db.Exec(`DELETE FROM facts WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete facts: %w", err)
	}
	kept := v.cache[:0]
	for _, f := range v.cache {
		if f.UserID != userID {
			kept = append(kept, f)
		}
	}
	v.cache = kept
	return nil
}

// Stats returns counts by category and the pinned dimension.
func (v *VectorStore) Stats() Stats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	st := Stats{Dimension: v.dim, ByCategory: map[string]int{}, TotalFacts: len(v.cache)}
	for _, f := range v.cache {
		st.ByCategory[f.Category]++
	}
	return st
}

// GetCoreMemory returns the user's core blocks as label → text.
func (v *VectorStore) GetCoreMemory(userID string) (map[string]string, error) {
	rows, err := v.db.Query(`SELECT label, content FROM core_memory WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("get core memory: %w", err)
	}
	defer rows.Close()
	out := map[string]string{}
	for rows.Next() {
		var label, content string
		if err := rows.Scan(&label, &content); err != nil {
			return nil, fmt.Errorf("scan core memory: %w", err)
		}
		out[label] = content
	}
	return out, rows.Err()
}

// CoreLabels is the fixed set of core memory block labels.
var CoreLabels = []string{"persona", "human", "goals", "scratchpad"}

// SetCoreMemory upserts one core block. Labels outside the fixed set are
// rejected so the always-injected section stays small.
func (v *VectorStore) SetCoreMemory(userID, label, content string) error {
	valid := false
	for _, l := range CoreLabels {
		if l == label {
			valid = true
			break
		}
	}
	if !valid {
		return apierr.InvalidInput("unknown core memory label %q", label)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	_, err := v.db.Exec(`
		INSERT INTO core_memory (user_id, label, content, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, label) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
		userID, label, content, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set core memory: %w", err)
	}
	return nil
}

// refreshCache loads all fact rows into memory for cosine search.
func (v *VectorStore) refreshCache() error {
	rows, err := v.db.Query(`
		SELECT id, user_id, chat_id, content, category, importance, tags, embedding, metadata, created_at
		FROM facts`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var cache []Fact
	dim := 0
	for rows.Next() {
		var f Fact
		var tags, embedding, metadata string
		if err := rows.Scan(&f.ID, &f.UserID, &f.ChatID, &f.Content, &f.Category, &f.Importance,
			&tags, &embedding, &metadata, &f.CreatedAt); err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(embedding), &f.Embedding); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(tags), &f.Tags)
		_ = json.Unmarshal([]byte(metadata), &f.Metadata)
		if dim == 0 {
			dim = len(f.Embedding)
		}
		cache = append(cache, f)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	v.mu.Lock()
	v.cache = cache
	if v.dim == 0 {
		v.dim = dim
	}
	v.mu.Unlock()
	return nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func dedupeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := tags[:0]
	for _, t := range tags {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
