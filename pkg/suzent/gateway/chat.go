package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/suzent/suzent/pkg/suzent/agent"
	"github.com/suzent/suzent/pkg/suzent/apierr"
	"github.com/suzent/suzent/pkg/suzent/database"
	"github.com/suzent/suzent/pkg/suzent/streaming"
)

// maxUploadBytes bounds one multipart turn request.
const maxUploadBytes = 64 << 20

type chatRequest struct {
	Message string         `json:"message"`
	ChatID  string         `json:"chat_id"`
	UserID  string         `json:"user_id"`
	Config  map[string]any `json:"config"`
	Stream  *bool          `json:"stream"`
}

// handleChat runs one turn. The default is an SSE stream; stream:false
// waits for the final answer and returns it as JSON. Multipart bodies
// carry file attachments alongside the same fields.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, stream, err := s.parseChatRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	chatID, events, err := s.processor.ProcessTurn(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !stream {
		s.respondBuffered(w, chatID, events)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Chat-ID", chatID)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	for ev := range events {
		if _, err := w.Write(streaming.SSEFrame(ev)); err != nil {
			// Client went away; the turn keeps running to completion.
			s.logger.Debug("sse client disconnected", "chat_id", chatID)
			for range events {
			}
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// respondBuffered drains the event stream and answers with the final
// result only.
func (s *Server) respondBuffered(w http.ResponseWriter, chatID string, events <-chan streaming.Event) {
	var final, errMsg string
	for ev := range events {
		data, _ := ev.Data.(map[string]string)
		switch ev.Type {
		case streaming.EventFinalAnswer:
			final = data["output"]
		case streaming.EventError:
			errMsg = data["message"]
		}
	}
	if errMsg != "" {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": errMsg, "chat_id": chatID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"chat_id": chatID, "response": final})
}

// parseChatRequest accepts JSON or multipart bodies.
func (s *Server) parseChatRequest(r *http.Request) (agent.TurnRequest, bool, error) {
	var req agent.TurnRequest
	stream := true

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return req, stream, apierr.InvalidInput("invalid multipart body: %v", err)
		}
		req.Message = r.FormValue("message")
		req.ChatID = r.FormValue("chat_id")
		req.UserID = r.FormValue("user_id")
		if cfg := r.FormValue("config"); cfg != "" {
			if err := json.Unmarshal([]byte(cfg), &req.ConfigOverride); err != nil {
				return req, stream, apierr.InvalidInput("invalid config field: %v", err)
			}
		}
		if v := r.FormValue("stream"); v != "" {
			stream = v != "false" && v != "0"
		}
		if r.MultipartForm != nil {
			for _, fh := range r.MultipartForm.File["files"] {
				f, err := fh.Open()
				if err != nil {
					return req, stream, apierr.InvalidInput("unreadable attachment %q", fh.Filename)
				}
				data, err := io.ReadAll(f)
				f.Close()
				if err != nil {
					return req, stream, apierr.InvalidInput("unreadable attachment %q", fh.Filename)
				}
				req.Files = append(req.Files, agent.Attachment{Name: fh.Filename, Data: data})
			}
		}
		return req, stream, nil
	}

	var body chatRequest
	if err := decodeBody(r, &body); err != nil {
		return req, stream, err
	}
	req.Message = body.Message
	req.ChatID = body.ChatID
	req.UserID = body.UserID
	req.ConfigOverride = body.Config
	if body.Stream != nil {
		stream = *body.Stream
	}
	return req, stream, nil
}

// handleChatStop cancels an active turn.
func (s *Server) handleChatStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChatID string `json:"chat_id"`
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	if body.ChatID == "" {
		s.writeError(w, apierr.InvalidInput("chat_id required"))
		return
	}
	if s.processor.Streams().Stop(body.ChatID, body.Reason) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "no_active_stream"})
}

// chatDetail omits the raw agent state blob from chat responses.
type chatDetail struct {
	ID        string             `json:"id"`
	Title     string             `json:"title"`
	Config    map[string]any     `json:"config"`
	Messages  []database.Message `json:"messages"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

func toChatDetail(c *database.Chat) chatDetail {
	return chatDetail{
		ID:        c.ID,
		Title:     c.Title,
		Config:    c.Config,
		Messages:  c.Messages,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	chats, err := s.store.ListChats(limit, offset, r.URL.Query().Get("search"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chats": chats})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChatID string         `json:"chat_id"`
		Title  string         `json:"title"`
		Config map[string]any `json:"config"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	chat, err := s.store.CreateChat(body.ChatID, body.Title, body.Config, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toChatDetail(chat))
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.store.GetChat(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatDetail(chat))
}

func (s *Server) handleUpdateChat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title  *string        `json:"title"`
		Config map[string]any `json:"config"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, err)
		return
	}
	id := r.PathValue("id")
	upd := database.ChatUpdate{Title: body.Title, Config: body.Config}
	if err := s.store.UpdateChat(id, upd); err != nil {
		s.writeError(w, err)
		return
	}
	chat, err := s.store.GetChat(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toChatDetail(chat))
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteChat(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
