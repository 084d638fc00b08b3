package gateway

import (
	"net/http"

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

// requireMemory answers 503 when the memory system is disabled.
func (s *Server) requireMemory(w http.ResponseWriter) bool {
	if s.memory == nil {
		s.writeError(w, &apierr.Error{Code: apierr.CodeNoModelConfigured, Message: "memory system is disabled"})
		return false
	}
	return true
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		s.writeError(w, apierr.InvalidInput("query parameter q required"))
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "default"
	}
	k := queryInt(r, "k", 10)
	results, err := s.memory.Search(r.Context(), q, userID, k, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	if err := s.memory.Vector().Delete(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleGetCoreMemory(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "default"
	}
	blocks, err := s.memory.Vector().GetCoreMemory(userID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks})
}

func (s *Server) handleSetCoreMemory(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	var body struct {
		UserID  string `json:"user_id"`
		Label   string `json:"label"`
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.UserID == "" {
		body.UserID = "default"
	}
	if err := s.memory.Vector().SetCoreMemory(body.UserID, body.Label, body.Content); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMemoryReindex(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	var body struct {
		UserID        string `json:"user_id"`
		ClearExisting bool   `json:"clear_existing"`
	}
	// An empty body means default user, no clear.
	_ = decodeBody(r, &body)
	if body.UserID == "" {
		body.UserID = "default"
	}
	stats, err := s.memory.Reindex(r.Context(), body.UserID, body.ClearExisting)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.memory.Vector().Stats())
}

func (s *Server) handleMemoryDailyList(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	dates, err := s.memory.Markdown().ListDailyLogs()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dates": dates})
}

func (s *Server) handleMemoryDailyRead(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	content, err := s.memory.Markdown().ReadDailyLog(r.PathValue("date"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}

func (s *Server) handleMemoryFile(w http.ResponseWriter, r *http.Request) {
	if !s.requireMemory(w) {
		return
	}
	content, err := s.memory.Markdown().ReadMemoryFile()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": content})
}
