package memory

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestVectorStore(t *testing.T) *VectorStore {
	t.Helper()
	v, err := OpenVectorStore(filepath.Join(t.TempDir(), "archival.db"), newTestLogger())
	if err != nil {
		t.Fatalf("open vector store: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func TestAddPinsDimension(t *testing.T) {
	t.Parallel()
	v := newTestVectorStore(t)

	err := v.Add(Fact{UserID: "u", Content: "likes coffee", Category: "preference", Embedding: []float32{1, 0, 0}})
	if err != nil {
		t.Fatalf("first add: %v", err)
	}
	err = v.Add(Fact{UserID: "u", Content: "wrong dim", Category: "general", Embedding: []float32{1, 0}})
	if apierr.CodeOf(err) != apierr.CodeInvalidInput {
		t.Errorf("mismatched dimension: %v, want invalid_input", err)
	}
	if got := v.Stats().Dimension; got != 3 {
		t.Errorf("dimension = %d, want 3", got)
	}
}

func TestSearchByEmbedding(t *testing.T) {
	t.Parallel()
	v := newTestVectorStore(t)

	facts := []Fact{
		{UserID: "u", Content: "works at Acme", Category: "context", Importance: 0.9, Embedding: []float32{1, 0, 0}},
		{UserID: "u", Content: "likes jazz", Category: "preference", Importance: 0.5, Embedding: []float32{0, 1, 0}},
		{UserID: "other", Content: "someone else", Category: "general", Importance: 0.9, Embedding: []float32{1, 0, 0}},
	}
	for _, f := range facts {
		if err := v.Add(f); err != nil {
			t.Fatal(err)
		}
	}

	results, err := v.SearchByEmbedding("u", []float32{1, 0, 0}, 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2 (other user's fact excluded)", len(results))
	}
	if results[0].Fact.Content != "works at Acme" {
		t.Errorf("best match = %q", results[0].Fact.Content)
	}
	if results[0].Score <= results[1].Score {
		t.Errorf("results not ranked: %v >= %v", results[0].Score, results[1].Score)
	}

	important, err := v.SearchByEmbedding("u", []float32{1, 0, 0}, 5, 0.8)
	if err != nil {
		t.Fatal(err)
	}
	if len(important) != 1 {
		t.Errorf("importance filter kept %d facts, want 1", len(important))
	}
}

func TestCachePersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "archival.db")

	v, err := OpenVectorStore(path, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Add(Fact{UserID: "u", Content: "durable fact", Category: "general", Embedding: []float32{0.5, 0.5}}); err != nil {
		t.Fatal(err)
	}
	v.Close()

	reopened, err := OpenVectorStore(path, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	results, err := reopened.SearchByEmbedding("u", []float32{0.5, 0.5}, 5, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Fact.Content != "durable fact" {
		t.Errorf("reloaded results = %+v", results)
	}
	if reopened.Stats().Dimension != 2 {
		t.Errorf("dimension not restored: %d", reopened.Stats().Dimension)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	v := newTestVectorStore(t)

	f := Fact{ID: "f1", UserID: "u", Content: "temp", Category: "general", Embedding: []float32{1}}
	if err := v.Add(f); err != nil {
		t.Fatal(err)
	}
	if err := v.Delete("f1"); err != nil {
		t.Fatal(err)
	}
	if v.Stats().TotalFacts != 0 {
		t.Error("fact still in cache after delete")
	}
	if err := v.Delete("f1"); apierr.CodeOf(err) != apierr.CodeNotFound {
		t.Errorf("second delete: %v", err)
	}
}

func TestCoreMemory(t *testing.T) {
	t.Parallel()
	v := newTestVectorStore(t)

	if err := v.SetCoreMemory("u", "human", "Prefers short answers."); err != nil {
		t.Fatal(err)
	}
	// Upsert replaces.
	if err := v.SetCoreMemory("u", "human", "Prefers detailed answers."); err != nil {
		t.Fatal(err)
	}
	if err := v.SetCoreMemory("u", "mood", "x"); apierr.CodeOf(err) != apierr.CodeInvalidInput {
		t.Errorf("unknown label: %v", err)
	}

	blocks, err := v.GetCoreMemory("u")
	if err != nil {
		t.Fatal(err)
	}
	if blocks["human"] != "Prefers detailed answers." {
		t.Errorf("blocks = %v", blocks)
	}
}

func TestAddValidation(t *testing.T) {
	t.Parallel()
	v := newTestVectorStore(t)

	tests := []struct {
		name string
		fact Fact
	}{
		{"no content", Fact{UserID: "u", Embedding: []float32{1}}},
		{"no user", Fact{Content: "x", Embedding: []float32{1}}},
		{"no embedding", Fact{UserID: "u", Content: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := v.Add(tt.fact); apierr.CodeOf(err) != apierr.CodeInvalidInput {
				t.Errorf("Add = %v, want invalid_input", err)
			}
		})
	}

	// Importance is clamped, unknown categories become general.
	f := Fact{UserID: "u", Content: "clamped", Category: "nonsense", Importance: 3, Embedding: []float32{1}}
	if err := v.Add(f); err != nil {
		t.Fatal(err)
	}
	results, _ := v.SearchByEmbedding("u", []float32{1}, 1, 0)
	if results[0].Fact.Importance != 1 || results[0].Fact.Category != "general" {
		t.Errorf("stored fact = %+v", results[0].Fact)
	}
}
