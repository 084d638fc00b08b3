package database

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestValidateChatID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		id    string
		valid bool
	}{
		{"simple", true},
		{"with-dash_and_underscore", true},
		{"UPPER123", true},
		{"", false},
		{"has space", false},
		{"slash/id", false},
		{"dot.id", false},
		{strings.Repeat("a", 100), true},
		{strings.Repeat("a", 101), false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateChatID(tt.id)
			if tt.valid && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("expected rejection")
			}
		})
	}
}

func TestChatLifecycle(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	chat, err := s.CreateChat("chat-1", "First chat", map[string]any{"model": "gpt-4o"}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if chat.ID != "chat-1" || chat.Title != "First chat" {
		t.Errorf("unexpected chat: %+v", chat)
	}

	got, err := s.GetChat("chat-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Config["model"] != "gpt-4o" {
		t.Errorf("config not persisted: %v", got.Config)
	}
	if !s.ChatExists("chat-1") {
		t.Error("ChatExists false for existing chat")
	}

	if err := s.DeleteChat("chat-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetChat("chat-1"); apierr.CodeOf(err) != apierr.CodeNotFound {
		t.Errorf("get after delete: %v", err)
	}
	if err := s.DeleteChat("chat-1"); apierr.CodeOf(err) != apierr.CodeNotFound {
		t.Errorf("second delete: %v", err)
	}
}

func TestCreateChatDuplicate(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if _, err := s.CreateChat("dup", "", nil, nil); err != nil {
		t.Fatal(err)
	}
	_, err := s.CreateChat("dup", "", nil, nil)
	if apierr.CodeOf(err) != apierr.CodeConflict {
		t.Errorf("duplicate create: %v, want conflict", err)
	}
}

func TestCreateChatGeneratesID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	chat, err := s.CreateChat("", "untitled", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if chat.ID == "" {
		t.Error("id not generated")
	}
	if err := ValidateChatID(chat.ID); err != nil {
		t.Errorf("generated id invalid: %v", err)
	}
}

func TestUpdateChatAtomic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if _, err := s.CreateChat("chat-1", "old", nil, nil); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	messages := []Message{
		{Role: "user", Content: "hi", Timestamp: now},
		{Role: "assistant", Content: "hello", Timestamp: now},
	}
	state := []byte(`{"version":2}`)
	title := "new title"
	err := s.UpdateChat("chat-1", ChatUpdate{
		Title:      &title,
		Messages:   &messages,
		AgentState: &state,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetChat("chat-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "new title" {
		t.Errorf("title = %q", got.Title)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "hello" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if string(got.AgentState) != `{"version":2}` {
		t.Errorf("agent state = %q", got.AgentState)
	}

	if err := s.UpdateChat("missing", ChatUpdate{Title: &title}); apierr.CodeOf(err) != apierr.CodeNotFound {
		t.Errorf("update missing chat: %v", err)
	}
}

func TestListChatsSearch(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for _, c := range []struct{ id, title string }{
		{"a1", "Grocery planning"},
		{"a2", "Tax return"},
		{"a3", "grocery list again"},
	} {
		if _, err := s.CreateChat(c.id, c.title, nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListChats(10, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("list all = %d chats", len(all))
	}

	found, err := s.ListChats(10, 0, "grocery")
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 {
		t.Errorf("search grocery = %d chats, want 2", len(found))
	}

	paged, err := s.ListChats(2, 0, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(paged) != 2 {
		t.Errorf("limit 2 = %d chats", len(paged))
	}
}

func TestPreferences(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	prefs, err := s.GetPreferences("nobody")
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if !prefs.MemoryEnabled {
		t.Error("default memory_enabled should be true")
	}

	if err := s.SetPreferences(&Preferences{
		UserID:        "u1",
		Model:         "gpt-4o",
		Tools:         []string{"memory_search"},
		MemoryEnabled: false,
	}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetPreferences("u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Model != "gpt-4o" || got.MemoryEnabled || len(got.Tools) != 1 {
		t.Errorf("prefs = %+v", got)
	}
}

func TestPlanVersioning(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if _, err := s.CreateChat("chat-1", "", nil, nil); err != nil {
		t.Fatal(err)
	}
	first := &Plan{
		ChatID:    "chat-1",
		Objective: "ship v1",
		Tasks: []Task{
			{Number: 1, Description: "write code", Status: TaskPending},
			{Number: 2, Description: "write tests", Status: TaskPending},
		},
	}
	if err := s.SavePlan(first); err != nil {
		t.Fatalf("save plan: %v", err)
	}
	second := &Plan{
		ChatID:    "chat-1",
		Objective: "ship v2",
		Tasks:     []Task{{Number: 1, Description: "refactor", Status: TaskPending}},
	}
	if err := s.SavePlan(second); err != nil {
		t.Fatal(err)
	}

	latest, err := s.GetPlan("chat-1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.Objective != "ship v2" {
		t.Errorf("latest objective = %q", latest.Objective)
	}

	plans, err := s.ListPlans("chat-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(plans) != 2 {
		t.Errorf("plan versions = %d, want 2", len(plans))
	}

	if err := s.UpdateTaskStatus(first.Tasks[0].ID, TaskCompleted, "done early"); err != nil {
		t.Fatalf("update task: %v", err)
	}
	old, err := s.GetPlanByID(first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Tasks[0].Status != TaskCompleted || old.Tasks[0].Note != "done early" {
		t.Errorf("task = %+v", old.Tasks[0])
	}
}

func TestMCPServers(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	srv := &MCPServer{Name: "files", URL: "http://localhost:9000/mcp", Transport: TransportStreamableHTTP, Enabled: true}
	if err := s.SaveMCPServer(srv); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Upsert replaces.
	srv.URL = "http://localhost:9001/mcp"
	if err := s.SaveMCPServer(srv); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListMCPServers(false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].URL != "http://localhost:9001/mcp" {
		t.Errorf("servers = %+v", all)
	}

	if err := s.SetMCPServerEnabled("files", false); err != nil {
		t.Fatal(err)
	}
	enabled, err := s.ListMCPServers(true)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 0 {
		t.Errorf("enabled servers = %d, want 0", len(enabled))
	}

	if err := s.RemoveMCPServer("files"); err != nil {
		t.Fatal(err)
	}
	if err := s.RemoveMCPServer("files"); apierr.CodeOf(err) != apierr.CodeNotFound {
		t.Errorf("remove missing: %v", err)
	}
}
