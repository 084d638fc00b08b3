package gateway

import (
	"net/http"
	"os"

	"github.com/gorilla/websocket"

	"github.com/suzent/suzent/pkg/suzent/apierr"
)

// upgrader accepts local desktop-shell and device connections; the
// server binds to loopback by default, so origins are not enforced.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.nodes.List()})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.nodes.Lookup(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           n.ID(),
		"display_name": n.DisplayName(),
		"platform":     n.Platform(),
		"capabilities": n.Capabilities(),
	})
}

func (s *Server) handleInvokeNode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command string         `json:"command"`
		Params  map[string]any `json:"params"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.Command == "" {
		s.writeError(w, apierr.InvalidInput("command required"))
		return
	}
	result, err := s.nodes.Invoke(r.Context(), r.PathValue("id"), body.Command, body.Params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

// handleNodeSocket upgrades the connection and hands it to the node
// registry, which serves it until disconnect.
func (s *Server) handleNodeSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("node upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	if err := s.nodes.HandleConnection(conn); err != nil {
		s.logger.Warn("node session ended with error", "error", err)
	}
}

func (s *Server) requireHeartbeat(w http.ResponseWriter) bool {
	if s.heartbeat == nil {
		s.writeError(w, &apierr.Error{Code: apierr.CodeNoModelConfigured, Message: "heartbeat is disabled"})
		return false
	}
	return true
}

func (s *Server) handleHeartbeatStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireHeartbeat(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.heartbeat.Status())
}

func (s *Server) handleHeartbeatEnable(w http.ResponseWriter, r *http.Request) {
	if !s.requireHeartbeat(w) {
		return
	}
	s.heartbeat.Enable()
	writeJSON(w, http.StatusOK, s.heartbeat.Status())
}

func (s *Server) handleHeartbeatDisable(w http.ResponseWriter, r *http.Request) {
	if !s.requireHeartbeat(w) {
		return
	}
	s.heartbeat.Disable()
	writeJSON(w, http.StatusOK, s.heartbeat.Status())
}

func (s *Server) handleHeartbeatTrigger(w http.ResponseWriter, r *http.Request) {
	if !s.requireHeartbeat(w) {
		return
	}
	s.heartbeat.TriggerNow()
	writeJSON(w, http.StatusOK, map[string]string{"status": "triggered"})
}

func (s *Server) handleHeartbeatInterval(w http.ResponseWriter, r *http.Request) {
	if !s.requireHeartbeat(w) {
		return
	}
	var body struct {
		Minutes int `json:"minutes"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.heartbeat.SetInterval(body.Minutes); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.heartbeat.Status())
}

func (s *Server) handleHeartbeatRead(w http.ResponseWriter, r *http.Request) {
	data, err := os.ReadFile(s.cfg.HeartbeatFile())
	if err != nil {
		if os.IsNotExist(err) {
			writeJSON(w, http.StatusOK, map[string]any{"content": "", "exists": false})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": string(data), "exists": true})
}

func (s *Server) handleHeartbeatWrite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content string `json:"content"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if err := os.WriteFile(s.cfg.HeartbeatFile(), []byte(body.Content), 0o644); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
