package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

// chatIDPattern constrains chat ids to a filesystem- and URL-safe alphabet.
var chatIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// Message is one entry in a chat's message log.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat is the full persisted conversation record.
type Chat struct {
	ID         string         `json:"id"`
	Title      string         `json:"title"`
	Config     map[string]any `json:"config"`
	Messages   []Message      `json:"messages"`
	AgentState []byte         `json:"-"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ChatSummary is the listing view: no message bodies, no agent state.
type ChatSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ChatUpdate carries the fields to change. Nil pointers leave the
// corresponding column untouched.
type ChatUpdate struct {
	Title      *string
	Config     map[string]any
	Messages   *[]Message
	AgentState *[]byte
}

// ValidateChatID reports whether id is acceptable as a chat id.
func ValidateChatID(id string) error {
	if !chatIDPattern.MatchString(id) {
		return apierr.InvalidInput("invalid chat id %q: must match [A-Za-z0-9_-], max 100 chars", id)
	}
	return nil
}

// CreateChat inserts a new chat. An empty id is generated; an explicit id
// that already exists fails with Conflict.
func (s *Store) CreateChat(id, title string, cfg map[string]any, messages []Message) (*Chat, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := ValidateChatID(id); err != nil {
		return nil, err
	}
	if len(title) > 200 {
		return nil, apierr.InvalidInput("title exceeds 200 characters")
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	if messages == nil {
		messages = []Message{}
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, apierr.InvalidInput("config is not serializable: %v", err)
	}
	msgJSON, _ := json.Marshal(messages)

	now := time.Now().UTC()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO chats (id, title, config, messages, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, title, string(cfgJSON), string(msgJSON), now, now,
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return nil, apierr.Conflict("chat %q already exists", id)
		}
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return &Chat{ID: id, Title: title, Config: cfg, Messages: messages, CreatedAt: now, UpdatedAt: now}, nil
}

// GetChat returns the full chat record including the agent state blob.
func (s *Store) GetChat(id string) (*Chat, error) {
	row := s.db.QueryRow(
		`SELECT id, title, config, messages, agent_state, created_at, updated_at FROM chats WHERE id = ?`, id)
	var c Chat
	var cfgJSON, msgJSON string
	var state []byte
	err := row.Scan(&c.ID, &c.Title, &cfgJSON, &msgJSON, &state, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("chat %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	if err := json.Unmarshal([]byte(cfgJSON), &c.Config); err != nil {
		c.Config = map[string]any{}
	}
	if err := json.Unmarshal([]byte(msgJSON), &c.Messages); err != nil {
		c.Messages = []Message{}
	}
	c.AgentState = state
	return &c, nil
}

// ChatExists reports whether a chat id is present.
func (s *Store) ChatExists(id string) bool {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM chats WHERE id = ?`, id).Scan(&one)
	return err == nil
}

// ListChats returns chat summaries ordered by last update, newest first.
// search filters on title and message content, case-insensitive.
func (s *Store) ListChats(limit, offset int, search string) ([]ChatSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT id, title, messages, created_at, updated_at FROM chats`
	args := []any{}
	if search != "" {
		query += ` WHERE lower(title) LIKE ? OR lower(messages) LIKE ?`
		needle := "%" + strings.ToLower(search) + "%"
		args = append(args, needle, needle)
	}
	query += ` ORDER BY updated_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	out := []ChatSummary{}
	for rows.Next() {
		var cs ChatSummary
		var msgJSON string
		if err := rows.Scan(&cs.ID, &cs.Title, &msgJSON, &cs.CreatedAt, &cs.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		var msgs []Message
		if json.Unmarshal([]byte(msgJSON), &msgs) == nil {
			cs.MessageCount = len(msgs)
		}
		out = append(out, cs)
	}
	return out, rows.Err()
}

// UpdateChat applies upd atomically. Message log and agent state always
// land in the same statement, so readers never see one without the other.
func (s *Store) UpdateChat(id string, upd ChatUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if upd.Title != nil {
		if len(*upd.Title) > 200 {
			return apierr.InvalidInput("title exceeds 200 characters")
		}
		sets = append(sets, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.Config != nil {
		cfgJSON, err := json.Marshal(upd.Config)
		if err != nil {
			return apierr.InvalidInput("config is not serializable: %v", err)
		}
		sets = append(sets, "config = ?")
		args = append(args, string(cfgJSON))
	}
	if upd.Messages != nil {
		msgJSON, err := json.Marshal(*upd.Messages)
		if err != nil {
			return apierr.InvalidInput("messages are not serializable: %v", err)
		}
		sets = append(sets, "messages = ?")
		args = append(args, string(msgJSON))
	}
	if upd.AgentState != nil {
		sets = append(sets, "agent_state = ?")
		args = append(args, *upd.AgentState)
	}
	args = append(args, id)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.Exec(`UPDATE chats SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NotFound("chat %q not found", id)
	}
	return nil
}

// DeleteChat removes a chat.
func (s *Store) DeleteChat(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.Exec(`DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NotFound("chat %q not found", id)
	}
	return nil
}

// GetAgentState returns only the serialized agent state blob.
func (s *Store) GetAgentState(id string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRow(`SELECT agent_state FROM chats WHERE id = ?`, id).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("chat %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent state: %w", err)
	}
	return state, nil
}
