package realtime

import (
	"encoding/json"
	"net/http"

	"orchestra/internal/agent"
	"orchestra/internal/groupchat"
	"orchestra/internal/protocol"
	"orchestra/internal/session"
	"orchestra/internal/store"
)

type sendPromptRequest struct {
	Prompt string `json:"prompt"`
	Mode   string `json:"mode"`
}

type agentInfo struct {
	agent.Definition
	Capabilities agent.Capabilities `json:"capabilities"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, apiError{Error: message, Code: protocol.ErrInvalidMessage})
}

func writeError(w http.ResponseWriter, err error) {
	code, status := errorCode(err)
	writeJSON(w, status, apiError{Error: err.Error(), Code: code})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req protocol.SessionCreatePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	if req.WorkDir == "" {
		writeBadRequest(w, "workDir is required")
		return
	}
	if req.AgentID == "" {
		writeBadRequest(w, "agentId is required")
		return
	}

	sess, err := s.createSession(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.List())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSendPrompt(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendPromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid request body")
		return
	}

	if req.Prompt == "" {
		writeBadRequest(w, "prompt is required")
		return
	}
	mode, err := session.ParseMode(req.Mode)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if err := s.sessions.Send(id, mode, req.Prompt); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleInterruptSession(w http.ResponseWriter, r *http.Request) {
	mode, err := session.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := s.interruptSession(r.PathValue("id"), mode); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "interrupted"})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sessions.Get(id); err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.history.List(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.batch.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	defs := s.catalog.List()
	out := make([]agentInfo, 0, len(defs))
	for _, d := range defs {
		out = append(out, agentInfo{Definition: d, Capabilities: d.Capabilities()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListGroupChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.chatStore.ListChats()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]protocol.GroupChatUpdatePayload, 0, len(chats))
	for _, chat := range chats {
		out = append(out, s.chatPayload(chat))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetGroupChat(w http.ResponseWriter, r *http.Request) {
	chat, err := s.chatStore.LoadChat(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.chatPayload(chat))
}

func (s *Server) handleGroupChatTranscript(w http.ResponseWriter, r *http.Request) {
	transcript, err := s.chats.Transcript(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	messages, err := transcript.ReadAll()
	if err != nil {
		writeError(w, err)
		return
	}
	if messages == nil {
		messages = []groupchat.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleGroupChatHistory(w http.ResponseWriter, r *http.Request) {
	payload, err := s.chatHistory(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}
