package realtime

import (
	"errors"
	"fmt"
	"time"

	"orchestra/internal/groupchat"
	"orchestra/internal/process"
	"orchestra/internal/protocol"
	"orchestra/internal/session"
)

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, payload, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch p := payload.(type) {
	case *protocol.SessionCreatePayload:
		_, err = s.createSession(*p)
	case *protocol.SessionSendPayload:
		err = s.sessions.Send(p.SessionID, session.Mode(orAI(p.Mode)), p.Text)
	case *protocol.SessionModePayload:
		mode := session.Mode(orAI(p.Mode))
		if msg.Type == protocol.TypeSessionInterrupt {
			err = s.interruptSession(p.SessionID, mode)
		} else {
			err = s.killSession(p.SessionID, mode)
		}
	case *protocol.SessionIDPayload:
		if msg.Type == protocol.TypeBatchStop {
			err = s.batch.Stop(p.SessionID)
		} else {
			err = s.sessions.Delete(p.SessionID)
		}
	case *protocol.SessionLockPayload:
		err = s.handleWSLock(msg.Type, p)
	case *protocol.BatchStartPayload:
		err = s.batch.Start(p.SessionID, p.Document, p.Prompt)
	case *protocol.GroupChatCreatePayload:
		_, err = s.createGroupChat(p.Name, p.ModeratorAgentID)
	case *protocol.ModeratorStartPayload:
		err = s.chats.SpawnModerator(p.ChatID, p.WorkDir)
	case *protocol.ModeratorSendPayload:
		err = s.chats.SendToModerator(p.ChatID, p.Text)
	case *protocol.ChatIDPayload:
		if msg.Type == protocol.TypeGroupChatHistory {
			err = s.handleWSChatHistory(c, p.ChatID)
		} else {
			err = s.chats.StopModerator(p.ChatID)
		}
	case *protocol.ParticipantAddPayload:
		_, err = s.chats.AddParticipant(p.ChatID, p.Name, p.AgentID, p.WorkDir)
	case *protocol.ParticipantSendPayload:
		err = s.chats.SendToParticipant(p.ChatID, p.Name, p.Text)
	case *protocol.ParticipantRemovePayload:
		err = s.chats.RemoveParticipant(p.ChatID, p.Name)
	}

	if err != nil {
		code, _ := errorCode(err)
		s.logger.Debug("client command failed", "type", msg.Type, "code", code, "error", err)
		s.sendError(c, code, err.Error())
	}
}

func orAI(mode string) string {
	if mode == "" {
		return string(session.ModeAI)
	}
	return mode
}

// createSession validates the agent and creates the session. A session
// whose processes could not both start is still returned, in the error
// state, alongside the error.
func (s *Server) createSession(p protocol.SessionCreatePayload) (session.Session, error) {
	if _, ok := s.catalog.Get(p.AgentID); !ok {
		return session.Session{}, fmt.Errorf("%w: %s", process.ErrUnknownAgent, p.AgentID)
	}
	return s.sessions.Create(session.CreateRequest{
		Name:     p.Name,
		AgentID:  p.AgentID,
		WorkDir:  p.WorkDir,
		Model:    p.Model,
		ReadOnly: p.ReadOnly,
	})
}

// interruptSession interrupts the family's process and escalates to a
// kill when the interrupt cannot be delivered.
func (s *Server) interruptSession(id string, mode session.Mode) error {
	err := s.sessions.Interrupt(id, mode)
	if err == nil {
		return nil
	}
	if errors.Is(err, session.ErrSessionNotFound) {
		return err
	}
	s.logger.Warn("interrupt failed, killing", "session", id, "mode", mode, "error", err)

	killed, kerr := s.sessions.Kill(id, mode)
	if kerr != nil {
		return kerr
	}
	if !killed {
		return fmt.Errorf("%w: %s", errInterruptFailed, id)
	}
	s.broadcast(protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{
		SessionID: id,
		Mode:      string(mode),
		Reason:    "interrupt-escalated",
	})
	return nil
}

func (s *Server) killSession(id string, mode session.Mode) error {
	killed, err := s.sessions.Kill(id, mode)
	if err != nil {
		return err
	}
	if killed {
		s.broadcast(protocol.TypeSessionTerminated, protocol.SessionTerminatedPayload{
			SessionID: id,
			Mode:      string(mode),
			Reason:    "killed",
		})
	}
	return nil
}

func (s *Server) handleWSLock(msgType string, p *protocol.SessionLockPayload) error {
	var err error
	if msgType == protocol.TypeSessionLock {
		err = s.sessions.AcquireWriteLock(p.SessionID, p.TabID)
	} else {
		err = s.sessions.ReleaseWriteLock(p.SessionID, p.TabID)
	}
	if err != nil {
		return err
	}
	s.broadcastSessionUpdate(p.SessionID)
	return nil
}

func (s *Server) createGroupChat(name, moderatorAgentID string) (groupchat.Chat, error) {
	if _, ok := s.catalog.Get(moderatorAgentID); !ok {
		return groupchat.Chat{}, fmt.Errorf("%w: %s", process.ErrUnknownAgent, moderatorAgentID)
	}
	chat, err := s.chatStore.CreateChat(name, moderatorAgentID)
	if err != nil {
		return groupchat.Chat{}, err
	}
	s.logger.Info("group chat created", "chat", chat.ID, "moderator_agent", moderatorAgentID)
	s.broadcast(protocol.TypeGroupChatUpdate, s.chatPayload(chat))
	return chat, nil
}

func (s *Server) handleWSChatHistory(c *client, chatID string) error {
	payload, err := s.chatHistory(chatID)
	if err != nil {
		return err
	}
	s.sendTo(c, protocol.TypeGroupChatHistory, payload)
	return nil
}

// chatHistory collects a chat's transcript and participant history.
func (s *Server) chatHistory(chatID string) (protocol.GroupChatHistoryPayload, error) {
	transcript, err := s.chats.Transcript(chatID)
	if err != nil {
		return protocol.GroupChatHistoryPayload{}, err
	}
	messages, err := transcript.ReadAll()
	if err != nil {
		return protocol.GroupChatHistoryPayload{}, err
	}
	entries, err := s.chatStore.ListHistory(chatID)
	if err != nil {
		return protocol.GroupChatHistoryPayload{}, err
	}

	p := protocol.GroupChatHistoryPayload{
		ChatID:   chatID,
		Messages: make([]protocol.ChatMessage, 0, len(messages)),
		Entries:  make([]protocol.ChatHistoryEntry, 0, len(entries)),
	}
	for _, m := range messages {
		p.Messages = append(p.Messages, protocol.ChatMessage{
			From:      m.From,
			Content:   m.Content,
			Timestamp: m.Timestamp.Format(time.RFC3339Nano),
		})
	}
	for _, e := range entries {
		entry := protocol.ChatHistoryEntry{
			ID:          e.ID,
			Participant: e.Participant,
			Summary:     e.Summary,
			ElapsedMs:   e.Elapsed.Milliseconds(),
			Timestamp:   e.Timestamp.Format(time.RFC3339Nano),
		}
		if e.Usage != nil {
			entry.CostUSD = e.Usage.CostUSD
		}
		p.Entries = append(p.Entries, entry)
	}
	return p, nil
}
