package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Preferences are the per-user defaults merged into every turn's config.
type Preferences struct {
	UserID        string   `json:"user_id"`
	Model         string   `json:"model,omitempty"`
	Agent         string   `json:"agent,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	MemoryEnabled bool     `json:"memory_enabled"`
}

// GetPreferences returns the stored preferences for a user, or defaults
// (memory enabled, nothing else set) when none exist.
func (s *Store) GetPreferences(userID string) (*Preferences, error) {
	row := s.db.QueryRow(
		`SELECT user_id, model, agent, tools, memory_enabled FROM user_preferences WHERE user_id = ?`, userID)
	var p Preferences
	var tools string
	err := row.Scan(&p.UserID, &p.Model, &p.Agent, &tools, &p.MemoryEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return &Preferences{UserID: userID, MemoryEnabled: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	_ = json.Unmarshal([]byte(tools), &p.Tools)
	return &p, nil
}

// SetPreferences upserts the user's preferences.
func (s *Store) SetPreferences(p *Preferences) error {
	tools, _ := json.Marshal(p.Tools)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO user_preferences (user_id, model, agent, tools, memory_enabled, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			model = excluded.model, agent = excluded.agent, tools = excluded.tools,
			memory_enabled = excluded.memory_enabled, updated_at = excluded.updated_at`,
		p.UserID, p.Model, p.Agent, string(tools), p.MemoryEnabled, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set preferences: %w", err)
	}
	return nil
}
