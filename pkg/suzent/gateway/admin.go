package gateway

import (
	"net/http"

	"github.com/suzent/suzent/pkg/suzent/apierr"
	"github.com/suzent/suzent/pkg/suzent/database"
)

// handleGetConfig returns the effective runtime configuration plus the
// stored preferences. Secrets are redacted.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "default"
	}
	prefs, err := s.store.GetPreferences(userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	models := make([]map[string]any, 0, len(s.cfg.Models))
	for _, m := range s.cfg.Models {
		models = append(models, map[string]any{
			"name":     m.Name,
			"provider": m.Provider,
			"enabled":  m.Enabled,
			"has_key":  m.APIKey != "",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"host":           s.cfg.Host,
		"port":           s.cfg.Port,
		"models":         models,
		"memory_enabled": s.cfg.Memory.Enabled,
		"preferences":    prefs,
	})
}

func (s *Server) handleSetPreferences(w http.ResponseWriter, r *http.Request) {
	var body database.Preferences
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.UserID == "" {
		body.UserID = "default"
	}
	if err := s.store.SetPreferences(&body); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		s.writeError(w, apierr.InvalidInput("chat_id required"))
		return
	}
	plans, err := s.store.ListPlans(chatID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

// handleGetPlan returns the latest plan for a chat, or a specific plan
// version when plan_id is given.
func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	if planID := r.URL.Query().Get("plan_id"); planID != "" {
		plan, err := s.store.GetPlanByID(planID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
		return
	}
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		s.writeError(w, apierr.InvalidInput("chat_id or plan_id required"))
		return
	}
	plan, err := s.store.GetPlan(chatID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleListMCPServers(w http.ResponseWriter, r *http.Request) {
	servers, err := s.store.ListMCPServers(false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
}

func (s *Server) handleSaveMCPServer(w http.ResponseWriter, r *http.Request) {
	var body database.MCPServer
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.SaveMCPServer(&body); err != nil {
		s.writeError(w, err)
		return
	}
	if s.mcp != nil {
		s.mcp.Invalidate(body.Name)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRemoveMCPServer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.RemoveMCPServer(body.Name); err != nil {
		s.writeError(w, err)
		return
	}
	if s.mcp != nil {
		s.mcp.Invalidate(body.Name)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleSetMCPServerEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.SetMCPServerEnabled(body.Name, body.Enabled); err != nil {
		s.writeError(w, err)
		return
	}
	if s.mcp != nil {
		s.mcp.Invalidate(body.Name)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
